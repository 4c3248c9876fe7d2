// Package config loads and validates hub and agent configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/rankhub/internal/fleet"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Agents  AgentsConfig  `mapstructure:"agents"`
	Health  HealthConfig  `mapstructure:"health"`
	Lease   LeaseConfig   `mapstructure:"lease"`
	Tasks   TasksConfig   `mapstructure:"tasks"`
	Batch   BatchConfig   `mapstructure:"batch"`
	Channel ChannelConfig `mapstructure:"channel"`
	DB      DBConfig      `mapstructure:"db"`
	Billing BillingConfig `mapstructure:"billing"`
	Events  EventsConfig  `mapstructure:"events"`
	Logging LoggingConfig `mapstructure:"logging"`
	Agent   AgentConfig   `mapstructure:"agent"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	ServiceName    string        `mapstructure:"service_name"`
	Version        string        `mapstructure:"version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// AgentsConfig gates which browsers callers may request.
type AgentsConfig struct {
	SupportedBrowsers []string `mapstructure:"supported_browsers"`
}

// HealthConfig tunes heartbeat staleness detection.
type HealthConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// LeaseConfig tunes batch work-unit leases.
type LeaseConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// TasksConfig tunes interactive task handling.
type TasksConfig struct {
	AwaitTimeout       time.Duration `mapstructure:"await_timeout"`
	RedispatchInterval time.Duration `mapstructure:"redispatch_interval"`
	DefaultPages       int           `mapstructure:"default_pages"`
	MaxPages           int           `mapstructure:"max_pages"`
}

// BatchConfig tunes batch claims.
type BatchConfig struct {
	DefaultLimit     int           `mapstructure:"default_limit"`
	MaxLimit         int           `mapstructure:"max_limit"`
	Overfetch        int           `mapstructure:"overfetch"`
	OverfetchCap     int           `mapstructure:"overfetch_cap"`
	MinCheckInterval time.Duration `mapstructure:"min_check_interval"`
	SyncTimeLimit    time.Duration `mapstructure:"sync_time_limit"`
	// SeedUnits lists "keyword|product_code" entries loaded into the in-memory store.
	SeedUnits []string `mapstructure:"seed_units"`
}

// ChannelConfig tunes the agent websocket.
type ChannelConfig struct {
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	SendBuffer        int           `mapstructure:"send_buffer"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// DBConfig controls access to the relational database. An empty DSN selects the in-memory store.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BillingConfig holds usage accounting values.
type BillingConfig struct {
	AmountPerQuery int `mapstructure:"amount_per_query"`
}

// EventsConfig wires lifecycle event sinks. Empty destinations are skipped.
type EventsConfig struct {
	BufferSize      int           `mapstructure:"buffer_size"`
	MaxBatchEvents  int           `mapstructure:"max_batch_events"`
	MaxBatchWait    time.Duration `mapstructure:"max_batch_wait"`
	PubSubProjectID string        `mapstructure:"pubsub_project_id"`
	PubSubTopic     string        `mapstructure:"pubsub_topic"`
	ArchiveBucket   string        `mapstructure:"archive_bucket"`
	ArchivePrefix   string        `mapstructure:"archive_prefix"`
	ArchiveDir      string        `mapstructure:"archive_dir"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// AgentConfig configures the reference agent subcommand.
type AgentConfig struct {
	HubURL            string        `mapstructure:"hub_url"`
	APIKey            string        `mapstructure:"api_key"`
	Browser           string        `mapstructure:"browser"`
	Version           string        `mapstructure:"version"`
	Address           string        `mapstructure:"address"`
	Port              int           `mapstructure:"port"`
	VMID              string        `mapstructure:"vm_id"`
	Mode              string        `mapstructure:"mode"`
	Engine            string        `mapstructure:"engine"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClaimLimit        int           `mapstructure:"claim_limit"`
	IdleWait          time.Duration `mapstructure:"idle_wait"`
	ScrapeTimeout     time.Duration `mapstructure:"scrape_timeout"`
	Headless          bool          `mapstructure:"headless"`
	SearchURL         string        `mapstructure:"search_url"`
	UserAgent         string        `mapstructure:"user_agent"`
	PagesPerSecond    float64       `mapstructure:"pages_per_second"`
	PageBurst         int           `mapstructure:"page_burst"`
}

// Agent modes.
const (
	AgentModeInteractive = "interactive"
	AgentModeBatch       = "batch"
)

// Agent scrape engines.
const (
	EngineChromedp = "chromedp"
	EngineColly    = "colly"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8445)
	v.SetDefault("server.service_name", "rankhub")
	v.SetDefault("server.version", "3.0.0")
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("agents.supported_browsers", []string{"chrome", "firefox"})
	v.SetDefault("health.timeout", 60*time.Second)
	v.SetDefault("health.sweep_interval", 30*time.Second)
	v.SetDefault("lease.duration", 20*time.Second)
	v.SetDefault("lease.sweep_interval", 5*time.Second)
	v.SetDefault("tasks.await_timeout", 30*time.Second)
	v.SetDefault("tasks.redispatch_interval", 2*time.Second)
	v.SetDefault("tasks.default_pages", 1)
	v.SetDefault("tasks.max_pages", 10)
	v.SetDefault("batch.default_limit", 10)
	v.SetDefault("batch.max_limit", 100)
	v.SetDefault("batch.overfetch", 20)
	v.SetDefault("batch.overfetch_cap", 200)
	v.SetDefault("batch.min_check_interval", 600*time.Second)
	v.SetDefault("batch.sync_time_limit", 60*time.Minute)
	v.SetDefault("channel.ping_interval", 25*time.Second)
	v.SetDefault("channel.read_timeout", 60*time.Second)
	v.SetDefault("channel.write_timeout", 10*time.Second)
	v.SetDefault("channel.max_message_bytes", 1<<20)
	v.SetDefault("channel.send_buffer", 64)
	v.SetDefault("channel.heartbeat_interval", 10*time.Second)
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("billing.amount_per_query", 30)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", time.Second)
	v.SetDefault("events.archive_prefix", "events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("agent.hub_url", "http://localhost:8445")
	v.SetDefault("agent.browser", "chrome")
	v.SetDefault("agent.version", "1.0.0")
	v.SetDefault("agent.mode", AgentModeInteractive)
	v.SetDefault("agent.engine", EngineChromedp)
	v.SetDefault("agent.heartbeat_interval", 10*time.Second)
	v.SetDefault("agent.claim_limit", 1)
	v.SetDefault("agent.idle_wait", 5*time.Second)
	v.SetDefault("agent.scrape_timeout", 60*time.Second)
	v.SetDefault("agent.headless", true)
	v.SetDefault("agent.search_url", "https://www.coupang.com/np/search")
	v.SetDefault("agent.pages_per_second", 0.5)
	v.SetDefault("agent.page_burst", 2)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	durations := map[string]time.Duration{
		"server.request_timeout":     c.Server.RequestTimeout,
		"health.timeout":             c.Health.Timeout,
		"health.sweep_interval":      c.Health.SweepInterval,
		"lease.duration":             c.Lease.Duration,
		"lease.sweep_interval":       c.Lease.SweepInterval,
		"tasks.await_timeout":        c.Tasks.AwaitTimeout,
		"tasks.redispatch_interval":  c.Tasks.RedispatchInterval,
		"batch.min_check_interval":   c.Batch.MinCheckInterval,
		"batch.sync_time_limit":      c.Batch.SyncTimeLimit,
		"channel.ping_interval":      c.Channel.PingInterval,
		"channel.read_timeout":       c.Channel.ReadTimeout,
		"channel.write_timeout":      c.Channel.WriteTimeout,
		"channel.heartbeat_interval": c.Channel.HeartbeatInterval,
	}
	var errs []error
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Channel.PingInterval >= c.Channel.ReadTimeout && c.Channel.ReadTimeout > 0 {
		errs = append(errs, fmt.Errorf("channel.ping_interval must be shorter than channel.read_timeout"))
	}
	if c.Tasks.DefaultPages <= 0 || c.Tasks.MaxPages < c.Tasks.DefaultPages {
		errs = append(errs, fmt.Errorf("tasks.default_pages must be > 0 and <= tasks.max_pages"))
	}
	if c.Batch.DefaultLimit <= 0 || c.Batch.MaxLimit < c.Batch.DefaultLimit {
		errs = append(errs, fmt.Errorf("batch.max_limit must be >= batch.default_limit > 0"))
	}
	if c.Batch.Overfetch <= 0 || c.Batch.OverfetchCap <= 0 {
		errs = append(errs, fmt.Errorf("batch.overfetch and batch.overfetch_cap must be > 0"))
	}
	if len(c.Agents.SupportedBrowsers) == 0 {
		errs = append(errs, fmt.Errorf("agents.supported_browsers must not be empty"))
	}
	if _, err := c.Browsers(); err != nil {
		errs = append(errs, err)
	}
	for _, raw := range c.Batch.SeedUnits {
		if _, ok := fleet.ParseUnitKey(raw); !ok {
			errs = append(errs, fmt.Errorf("batch.seed_units entry %q must be keyword|product_code", raw))
		}
	}
	return errors.Join(errs...)
}

// Browsers parses agents.supported_browsers into capabilities.
func (c Config) Browsers() ([]fleet.Capability, error) {
	out := make([]fleet.Capability, 0, len(c.Agents.SupportedBrowsers))
	for _, raw := range c.Agents.SupportedBrowsers {
		capability, err := fleet.ParseCapability(raw)
		if err != nil {
			return nil, fmt.Errorf("agents.supported_browsers: %w", err)
		}
		if capability == fleet.CapabilityAny {
			return nil, fmt.Errorf("agents.supported_browsers: %q is not a browser", raw)
		}
		out = append(out, capability)
	}
	return out, nil
}

// SeedUnits parses batch.seed_units.
func (c Config) SeedUnits() []fleet.WorkUnit {
	out := make([]fleet.WorkUnit, 0, len(c.Batch.SeedUnits))
	for _, raw := range c.Batch.SeedUnits {
		if u, ok := fleet.ParseUnitKey(raw); ok {
			out = append(out, u)
		}
	}
	return out
}
