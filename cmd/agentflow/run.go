package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/models"
	cli "github.com/urfave/cli/v3"
)

// ErrExecutionFailed is returned when the executed workflow does not complete.
var ErrExecutionFailed = errors.New("execution did not complete")

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Execute one workflow, wait for it and print the execution",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "variables",
				Usage: "Initial variables as a JSON object",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Maximum time to wait for the execution",
				Value: 5 * time.Minute,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("run")

			workflowID := command.Args().First()
			if workflowID == "" {
				return cli.Exit("a workflow id is required", 2)
			}

			var variables map[string]any

			if raw := command.String("variables"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &variables); err != nil {
					return fmt.Errorf("invalid --variables: %w", err)
				}
			}

			rt, err := bootstrap(ctx, command, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			executionID, err := rt.Engine.Execute(ctx, workflowID, variables)
			if err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(ctx, command.Duration("timeout"))
			defer cancel()

			execution, err := rt.Engine.Wait(waitCtx, executionID)
			if err != nil {
				rt.Engine.Cancel(ctx, executionID)

				return fmt.Errorf("failed waiting for execution %s: %w", executionID, err)
			}

			encoder := json.NewEncoder(command.Root().Writer)
			encoder.SetIndent("", "  ")

			err = encoder.Encode(execution)
			if err != nil {
				return err
			}

			if execution.Status != models.ExecutionStatusCompleted {
				return fmt.Errorf("%w: %s", ErrExecutionFailed, execution.Status)
			}

			return nil
		},
	}
}
