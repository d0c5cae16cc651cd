package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok\n")
			fmt.Fprintf(out, "  listen:     :%d\n", cfg.Server.Port)
			fmt.Fprintf(out, "  sockets:    %s %s\n", cfg.Server.ProviderPath, cfg.Server.APIPath)
			fmt.Fprintf(out, "  store:      %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "  captcha:    %t\n", cfg.Captcha.Secret != "")
			fmt.Fprintf(out, "  pubsub:     %t\n", cfg.PubSub.TopicName != "")
			fmt.Fprintf(out, "  seeded:     %d providers, %d api clients\n",
				len(cfg.Seed.Providers), len(cfg.Seed.APIClients))
			return nil
		},
	}
}
