package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/agents/builtin"
	"github.com/dukex/agentflow/pkg/agents/redisqueue"
	"github.com/dukex/agentflow/pkg/loader"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	cli "github.com/urfave/cli/v3"
)

// NewWorkerCommand serves a built-in agent from another process over the
// redis task queue. The coordinator declares it as a redis agent.
func NewWorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Serve a built-in agent over the redis task queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "agent-id",
				Usage:   "Agent id the coordinator dispatches to",
				Sources: cli.EnvVars("AGENT_ID"),
			},
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Built-in agent to serve (log, http)",
				Value: loader.AgentKindLog,
			},
			&cli.StringFlag{
				Name:  "prefix",
				Usage: "Redis key prefix shared with the coordinator",
				Value: redisqueue.DefaultPrefix,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			agentID := command.String("agent-id")
			if agentID == "" {
				agentID = "worker-" + uuid.NewString()[:8]
			}

			logger := log.WithModule("worker").With("agent_id", agentID)

			redisURL := command.String("redis-url")
			if redisURL == "" {
				return cli.Exit("--redis-url is required", 2)
			}

			options, err := redis.ParseURL(redisURL)
			if err != nil {
				return fmt.Errorf("invalid redis url: %w", err)
			}

			client := redis.NewClient(options)

			defer func() {
				if err := client.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close redis client", "error", err)
				}
			}()

			var agent agents.Agent

			switch command.String("kind") {
			case loader.AgentKindLog:
				agent = builtin.NewLogAgent(agentID, logger)
			case loader.AgentKindHTTP:
				agent = builtin.NewHTTPAgent(agentID, &http.Client{Timeout: 30 * time.Second}, logger)
			default:
				return fmt.Errorf("%w: %s", loader.ErrUnknownKind, command.String("kind"))
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			worker := redisqueue.NewWorker(client, agent, logger).WithPrefix(command.String("prefix"))

			err = worker.Start(ctx)
			if err != nil {
				return err
			}

			<-ctx.Done()
			worker.Stop(context.WithoutCancel(ctx))

			return nil
		},
	}
}
