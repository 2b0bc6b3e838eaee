package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/dukex/agentflow/pkg/agents"
	"github.com/dukex/agentflow/pkg/loader"
	"github.com/dukex/agentflow/pkg/log"
	"github.com/dukex/agentflow/pkg/workflow"
	cli "github.com/urfave/cli/v3"
)

// ErrInvalidWorkflows is returned when at least one definition is rejected.
var ErrInvalidWorkflows = errors.New("invalid workflows found")

func NewValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Validate workflow definition files",
		ArgsUsage: "[path...]",
		Action: func(ctx context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if dir := command.String("workflows-dir"); dir != "" {
				paths = append(paths, dir)
			}

			if len(paths) == 0 {
				return cli.Exit("no workflow files given", 2)
			}

			if path := command.String("agents-file"); path != "" {
				if _, err := loader.LoadManifest(path); err != nil {
					return fmt.Errorf("agents manifest: %w", err)
				}
			}

			engine := workflow.NewEngine(agents.NewDirectory(agents.WithLogger(log.Discard())),
				workflow.WithLogger(log.Discard()))

			out := command.Root().Writer
			valid, invalid := 0, 0

			_, _ = fmt.Fprintln(out, "Workflow Validation Results:")
			_, _ = fmt.Fprintln(out, "============================")

			for _, path := range paths {
				defs, err := loader.LoadWorkflows(path)
				if err != nil {
					invalid++

					_, _ = fmt.Fprintf(out, "  ✗ %s: %v\n", path, err)

					continue
				}

				for _, def := range defs {
					_, err := engine.Register(ctx, def)
					if err != nil {
						invalid++

						_, _ = fmt.Fprintf(out, "  ✗ %s (%s): %v\n", def.ID, def.Name, err)

						continue
					}

					valid++

					_, _ = fmt.Fprintf(out, "  ✓ %s (%s): %d steps\n", def.ID, def.Name, len(def.Steps))
				}
			}

			_, _ = fmt.Fprintf(out, "\nSummary: %d valid, %d invalid\n", valid, invalid)

			if invalid > 0 {
				return ErrInvalidWorkflows
			}

			return nil
		},
	}
}
