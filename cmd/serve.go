package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rankhub/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the hub",
		Long: `Serves the HTTP API and the agent control channel, and runs the health
monitor, lease sweeper and task dispatcher until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("build hub: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
