package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/otelhelper"
	"github.com/dukex/agentflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	cli "github.com/urfave/cli/v3"
)

func NewServeCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the API, workflow triggers and monitors",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.BoolFlag{
				Name:    "otel",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			logger := log.WithModule("serve")

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if command.Bool("otel") {
				shutdown, err := otelhelper.Setup(ctx, "agentflow")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()
			}

			rt, err := bootstrap(ctx, command, logger)
			if err != nil {
				return err
			}

			defer func() {
				if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close runtime", "error", err)
				}
			}()

			err = rt.Start(ctx)
			if err != nil {
				return err
			}

			handlers := web.NewAPIHandlers(
				rt.Engine,
				rt.Directory,
				rt.Gate,
				rt.Bus,
				validator.New(validator.WithRequiredStructEnabled()),
				logger,
			)

			app := web.NewApp(handlers, false)
			port := command.Int("port")

			logger.InfoContext(ctx, "Starting agentflow API", "port", port)

			return app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{
				GracefulContext:       ctx,
				DisableStartupMessage: true,
			})
		},
	}
}
