package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/agentflow/pkg/cmd"
	"github.com/dukex/agentflow/pkg/loader"
	cli "github.com/urfave/cli/v3"
)

// bootstrap builds the runtime, restores persisted state and applies the
// agents manifest and workflow files named on the command line.
func bootstrap(ctx context.Context, command *cli.Command, logger *slog.Logger) (*cmd.Runtime, error) {
	rt, err := cmd.NewRuntime(ctx, logger, configFromCommand(command))
	if err != nil {
		return nil, err
	}

	err = load(ctx, command, rt)
	if err != nil {
		if closeErr := rt.Close(ctx); closeErr != nil {
			logger.ErrorContext(ctx, "Failed to close runtime", "error", closeErr)
		}

		return nil, err
	}

	return rt, nil
}

func load(ctx context.Context, command *cli.Command, rt *cmd.Runtime) error {
	err := rt.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}

	if path := command.String("agents-file"); path != "" {
		manifest, err := loader.LoadManifest(path)
		if err != nil {
			return err
		}

		err = rt.Apply(ctx, manifest)
		if err != nil {
			return err
		}
	}

	if path := command.String("workflows-dir"); path != "" {
		defs, err := loader.LoadWorkflows(path)
		if err != nil {
			return err
		}

		err = rt.RegisterWorkflows(ctx, defs)
		if err != nil {
			return err
		}
	}

	return nil
}
