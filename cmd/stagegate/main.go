// Package main is the entry point for the stagegate service. The root
// command loads configuration and the logger; subcommands run the HTTP API,
// the notification worker, schema migrations and template checks.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/stagegate/internal/config"
	"github.com/pitabwire/stagegate/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// app carries state shared by all subcommands once the root pre-run has
// completed.
type app struct {
	configPath string
	cfg        *config.Config
	logger     *zap.Logger
}

func (a *app) preRun(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	zap.ReplaceGlobals(logger)

	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) postRun(_ *cobra.Command, _ []string) {
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:               "stagegate",
		Short:             "Stage-gated production and quality workflow service",
		SilenceUsage:      true,
		PersistentPreRunE: a.preRun,
		PersistentPostRun: a.postRun,
		Version:           fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "config.yaml", "path to configuration file")

	root.AddCommand(serveCommand(a))
	root.AddCommand(workerCommand(a))
	root.AddCommand(migrateCommand(a))
	root.AddCommand(templatesCommand(a))
	return root
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
