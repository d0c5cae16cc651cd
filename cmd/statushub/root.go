package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/open-website-status/internal/config"
	"github.com/JakeFAU/open-website-status/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// configKeyType is the key for storing the loaded Config in the context.
type configKeyType string

const configKey configKeyType = "config"

// runner is what serve drives. It lets tests inject a fake application.
type runner interface {
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg *config.Config) (runner, error) {
	return server.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "statushub",
		Short: "Real-time website availability hub.",
		Long: `statushub fans website checks out to connected probing agents and
streams their progress and results to subscribed callers.`,
		SilenceUsage: true,

		// Loads configuration once before any subcommand runs.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a config file (env vars use the STATUSHUB_ prefix)")

	cmd.AddCommand(newServeCmd(), newValidateCmd(), newVersionCmd())
	return cmd
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg, ok := cmd.Context().Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}
