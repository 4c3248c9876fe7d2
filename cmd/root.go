// Package cmd defines the rankhub CLI: the hub server and the reference agent.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/config"
	"github.com/JakeFAU/rankhub/internal/logging"
)

// envKeyType is the key for storing the loaded environment in the command context.
type envKeyType string

const envKey envKeyType = "env"

// cliEnv is what every subcommand receives once config and logging are up.
type cliEnv struct {
	cfg    config.Config
	logger *zap.Logger
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "rankhub",
		Short: "Coordinates remote browser agents that check search rankings.",
		Long: `rankhub runs the hub that keeps a fleet of browser agents connected over
websockets, routes interactive rank lookups to them, and hands out leased batch
work. The agent subcommand runs a reference agent against a hub.`,
		SilenceUsage: true,

		// Config and logging are loaded once here so every subcommand shares them.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cfgFile)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, rt))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(envKey).(*cliEnv); ok && rt != nil {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and RANKHUB_* environment variables apply)")
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newAgentCmd())
	return cmd
}

func loadEnv(path string) (*cliEnv, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return &cliEnv{cfg: cfg, logger: logger}, nil
}

func envFrom(ctx context.Context) (*cliEnv, error) {
	rt, ok := ctx.Value(envKey).(*cliEnv)
	if !ok || rt == nil {
		return nil, errors.New("configuration not initialized")
	}
	return rt, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rankhub: %v\n", err)
		os.Exit(1)
	}
}
