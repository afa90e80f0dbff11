package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"neurorun/internal/deps"
	"neurorun/internal/preflight"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check dataset directories, the container runtime, and images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			results := preflight.RunAll(cfg)
			statuses := preflight.CheckSystemDeps(cfg)

			var lines []string
			lines = append(lines, renderSectionHeader("Directories", colorize)...)
			lines = append(lines, preflightLines(results, colorize)...)
			lines = append(lines, "")
			lines = append(lines, renderSectionHeader("Runtime and images", colorize)...)
			lines = append(lines, dependencyLines(statuses, colorize)...)
			fmt.Fprintln(out, strings.Join(lines, "\n"))

			failed := len(preflight.Failed(results))
			missing := len(deps.Missing(statuses))
			if failed > 0 || missing > 0 {
				return fmt.Errorf("doctor found %d directory problem(s) and %d missing requirement(s)", failed, missing)
			}
			return nil
		},
	}
}
