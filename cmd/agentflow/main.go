// Command agentflow runs the multi-agent workflow orchestration core.
package main

import (
	"context"
	"os"

	"github.com/dukex/agentflow/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("agentflow")

	err := newRootCommand().Run(context.Background(), os.Args)
	if err != nil {
		logger.Error("agentflow failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:                  "agentflow",
		Usage:                 "Orchestrate workflows across registered agents",
		EnableShellCompletion: true,
		Flags:                 runtimeFlags(),
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"))

			return ctx, nil
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewRunCommand(),
			NewValidateCommand(),
			NewWorkerCommand(),
		},
	}
}
