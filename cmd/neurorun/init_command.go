package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"neurorun/internal/dataset"
)

func newInitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the dataset directory tree and an empty manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			result, err := dataset.Bootstrap(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, dir := range result.CreatedDirs {
				fmt.Fprintf(out, "Created %s\n", dir)
			}
			if result.ManifestCreated {
				fmt.Fprintf(out, "Wrote manifest template to %s\n", cfg.Dataset.Manifest)
			}
			if len(result.CreatedDirs) == 0 && !result.ManifestCreated {
				fmt.Fprintf(out, "Dataset at %s already initialized\n", cfg.Dataset.Root)
			}
			return nil
		},
	}
}
