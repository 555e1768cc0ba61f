package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/argus-watch/argus/internal/chain"
	"github.com/argus-watch/argus/internal/monitor"
	"github.com/argus-watch/argus/internal/notify"
	"github.com/argus-watch/argus/internal/pricing"
)

// Config is the root configuration structure for argus.
type Config struct {
	General    GeneralConfig            `yaml:"general"`
	Chain      chain.Config             `yaml:"chain"`
	NativeFeed pricing.NativeFeedConfig `yaml:"native_feed"`
	Database   DatabaseConfig           `yaml:"database"`
	Monitor    monitor.Config           `yaml:"monitor"`
	Trading    TradingConfig            `yaml:"trading"`
	Telegram   notify.TelegramConfig    `yaml:"telegram"`
	Status     StatusConfig             `yaml:"status"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type DatabaseConfig struct {
	// DSN is a Postgres connection string. Empty runs with the
	// in-memory store (no persistence across restarts).
	DSN string `yaml:"dsn"`
}

type TradingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"` // paper|venue
	// Paper trading knobs.
	PaperSlippageBps float64 `yaml:"paper_slippage_bps"`
	// Venue connection, used when mode is "venue".
	VenueURL     string        `yaml:"venue_url"`
	VenueAPIKey  string        `yaml:"venue_api_key"`
	VenueTimeout time.Duration `yaml:"venue_timeout"`
}

type StatusConfig struct {
	// Addr is the HTTP status endpoint listen address. Empty disables
	// the endpoint.
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "argus-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	chainDefaults := chain.DefaultConfig()
	if cfg.Chain.Endpoint == "" {
		cfg.Chain.Endpoint = chainDefaults.Endpoint
	}
	if cfg.Chain.WSEndpoint == "" {
		cfg.Chain.WSEndpoint = chainDefaults.WSEndpoint
	}
	if cfg.Chain.Timeout <= 0 {
		cfg.Chain.Timeout = chainDefaults.Timeout
	}
	if cfg.Chain.MaxRetries <= 0 {
		cfg.Chain.MaxRetries = chainDefaults.MaxRetries
	}
	if cfg.Chain.PingInterval <= 0 {
		cfg.Chain.PingInterval = chainDefaults.PingInterval
	}

	feedDefaults := pricing.DefaultNativeFeedConfig()
	if cfg.NativeFeed.AnchorPool == "" {
		cfg.NativeFeed.AnchorPool = feedDefaults.AnchorPool
	}
	if cfg.NativeFeed.NativeToken == "" {
		cfg.NativeFeed.NativeToken = feedDefaults.NativeToken
	}
	if cfg.NativeFeed.CacheTTL <= 0 {
		cfg.NativeFeed.CacheTTL = feedDefaults.CacheTTL
	}

	monitorDefaults := monitor.DefaultConfig()
	if cfg.Monitor.PollInterval <= 0 {
		cfg.Monitor.PollInterval = monitorDefaults.PollInterval
	}
	if cfg.Monitor.MinRefresh <= 0 {
		cfg.Monitor.MinRefresh = monitorDefaults.MinRefresh
	}
	if cfg.Monitor.ChangeThresholdPct <= 0 {
		cfg.Monitor.ChangeThresholdPct = monitorDefaults.ChangeThresholdPct
	}
	if cfg.Monitor.AlertCooldown <= 0 {
		cfg.Monitor.AlertCooldown = monitorDefaults.AlertCooldown
	}

	if cfg.Trading.Mode == "" {
		cfg.Trading.Mode = "paper"
	}
	if cfg.Trading.PaperSlippageBps == 0 {
		cfg.Trading.PaperSlippageBps = 5.0
	}
	if cfg.Trading.VenueTimeout <= 0 {
		cfg.Trading.VenueTimeout = 10 * time.Second
	}

	if cfg.Telegram.Timeout <= 0 {
		cfg.Telegram.Timeout = 10 * time.Second
	}
	if cfg.Status.Addr == "" {
		cfg.Status.Addr = ":8085"
	}
}

// Validate rejects configurations that cannot run.
func (cfg *Config) Validate() error {
	if cfg.Chain.Endpoint == "" {
		return fmt.Errorf("chain.endpoint is required")
	}
	switch cfg.Trading.Mode {
	case "paper", "venue":
	default:
		return fmt.Errorf("trading.mode must be paper or venue, got %q", cfg.Trading.Mode)
	}
	if cfg.Trading.Enabled && cfg.Trading.Mode == "venue" && cfg.Trading.VenueURL == "" {
		return fmt.Errorf("trading.venue_url is required in venue mode")
	}
	return nil
}
