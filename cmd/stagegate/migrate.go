package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/workflow"
)

func migrateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL workflow store schema",
	}

	var steps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate(cmd, true, steps)
		},
	}
	up.Flags().IntVar(&steps, "steps", 0, "maximum number of migrations to apply; 0 applies all")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.migrate(cmd, false, downSteps)
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "number of migrations to roll back; 0 rolls back all")

	cmd.AddCommand(up, down)
	return cmd
}

func (a *app) migrate(cmd *cobra.Command, up bool, steps int) error {
	pool, err := openPool(cmd.Context(), a.cfg.Workflow.Store)
	if err != nil {
		return err
	}
	defer pool.Close()

	n, err := workflow.Migrate(pool, up, steps)
	if err != nil {
		return err
	}
	a.logger.Info("migrations complete", zap.Bool("up", up), zap.Int("applied", n))
	return nil
}
