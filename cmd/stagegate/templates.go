package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func templatesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect workflow templates",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configured template directories",
		RunE: func(cmd *cobra.Command, _ []string) error {
			registry, err := loadRegistry(a.cfg.Templates, a.logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, tmpl := range registry.All() {
				fmt.Fprintf(out, "%-32s %d stages\n", tmpl.Type, len(tmpl.Stages))
			}
			fmt.Fprintf(out, "%d templates OK (checksum %s)\n", registry.Len(), registry.Checksum())
			return nil
		},
	})
	return cmd
}
