package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/rankhub/internal/agentclient"
	"github.com/JakeFAU/rankhub/internal/config"
	"github.com/JakeFAU/rankhub/internal/fleet"
)

type agentFlags struct {
	mode    string
	hubURL  string
	browser string
}

func newAgentCmd() *cobra.Command {
	var flags agentFlags
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Runs a reference browser agent",
		Long: `Drives a local Chrome through chromedp, or plain HTTP through colly when
agent.engine is colly. In interactive mode the agent keeps a
websocket open to the hub and answers lookup tasks. In batch mode it claims
leased work units over HTTP, renews their leases while it scrapes, and reports
each result or failure.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := envFrom(cmd.Context())
			if err != nil {
				return err
			}
			cfg := flags.apply(cmd, env.cfg)
			return runAgent(cmd, cfg, env.logger)
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", "", "interactive or batch (overrides agent.mode)")
	cmd.Flags().StringVar(&flags.hubURL, "hub", "", "hub base URL (overrides agent.hub_url)")
	cmd.Flags().StringVar(&flags.browser, "browser", "", "browser capability to advertise (overrides agent.browser)")
	return cmd
}

func (f agentFlags) apply(cmd *cobra.Command, cfg config.Config) config.Config {
	if cmd.Flags().Changed("mode") {
		cfg.Agent.Mode = f.mode
	}
	if cmd.Flags().Changed("hub") {
		cfg.Agent.HubURL = f.hubURL
	}
	if cmd.Flags().Changed("browser") {
		cfg.Agent.Browser = f.browser
	}
	return cfg
}

func runAgent(cmd *cobra.Command, cfg config.Config, logger *zap.Logger) error {
	ac := cfg.Agent
	mode := strings.ToLower(strings.TrimSpace(ac.Mode))
	if mode != config.AgentModeInteractive && mode != config.AgentModeBatch {
		return fmt.Errorf("agent.mode %q must be %s or %s", ac.Mode, config.AgentModeInteractive, config.AgentModeBatch)
	}
	capability, err := fleet.ParseCapability(ac.Browser)
	if err != nil {
		return fmt.Errorf("agent.browser: %w", err)
	}
	if capability == fleet.CapabilityAny {
		return fmt.Errorf("agent.browser must name a browser")
	}

	scraper, closeScraper, err := newScraper(ac, logger)
	if err != nil {
		return err
	}
	defer closeScraper()

	logger.Info("agent starting",
		zap.String("mode", mode),
		zap.String("hub", ac.HubURL),
		zap.String("browser", string(capability)),
		zap.String("engine", ac.Engine),
	)

	if mode == config.AgentModeBatch {
		return runBatchAgent(cmd, cfg, capability, scraper, logger)
	}
	client, err := agentclient.NewClient(agentclient.ClientConfig{
		HubURL: ac.HubURL,
		APIKey: ac.APIKey,
		Info: fleet.AgentInfo{
			Capability: capability,
			Version:    ac.Version,
			Address:    ac.Address,
			Port:       ac.Port,
			VMID:       ac.VMID,
		},
		HeartbeatInterval: ac.HeartbeatInterval,
		ScrapeTimeout:     ac.ScrapeTimeout,
	}, scraper, logger)
	if err != nil {
		return fmt.Errorf("init agent client: %w", err)
	}
	return client.Run(cmd.Context())
}

func newScraper(ac config.AgentConfig, logger *zap.Logger) (agentclient.Scraper, func(), error) {
	switch strings.ToLower(strings.TrimSpace(ac.Engine)) {
	case "", config.EngineChromedp:
		scraper, err := agentclient.NewChromedp(agentclient.ChromedpConfig{
			SearchURL:      ac.SearchURL,
			UserAgent:      ac.UserAgent,
			Headless:       ac.Headless,
			PagesPerSecond: ac.PagesPerSecond,
			PageBurst:      ac.PageBurst,
			// One browser tab per in-flight task; batch mode runs units one at a time.
			MaxParallel: max(ac.ClaimLimit, 1),
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init scraper: %w", err)
		}
		return scraper, scraper.Close, nil
	case config.EngineColly:
		scraper, err := agentclient.NewColly(agentclient.CollyConfig{
			SearchURL:      ac.SearchURL,
			UserAgent:      ac.UserAgent,
			PagesPerSecond: ac.PagesPerSecond,
			PageBurst:      ac.PageBurst,
		}, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("init scraper: %w", err)
		}
		return scraper, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("agent.engine %q must be %s or %s", ac.Engine, config.EngineChromedp, config.EngineColly)
	}
}

func runBatchAgent(
	cmd *cobra.Command,
	cfg config.Config,
	capability fleet.Capability,
	scraper agentclient.Scraper,
	logger *zap.Logger,
) error {
	ac := cfg.Agent
	hub, err := agentclient.NewBatchAPI(ac.HubURL, ac.APIKey, nil)
	if err != nil {
		return fmt.Errorf("init batch api: %w", err)
	}
	agentID := ac.VMID
	if agentID == "" {
		if agentID, err = os.Hostname(); err != nil {
			return fmt.Errorf("agent.vm_id is empty and hostname is unavailable: %w", err)
		}
	}
	runner, err := agentclient.NewRunner(agentclient.RunnerConfig{
		AgentID:       agentID,
		Browser:       string(capability),
		ClaimLimit:    ac.ClaimLimit,
		Pages:         cfg.Tasks.DefaultPages,
		IdleWait:      ac.IdleWait,
		RenewInterval: cfg.Lease.Duration / 2,
		ScrapeTimeout: ac.ScrapeTimeout,
	}, hub, scraper, logger)
	if err != nil {
		return fmt.Errorf("init batch runner: %w", err)
	}
	return runner.Run(cmd.Context())
}
