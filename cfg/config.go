package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// Horizon endpoints used when [horizon] url is left empty
const (
	PublicHorizonURL  = "https://horizon.stellar.org"
	TestnetHorizonURL = "https://horizon-testnet.stellar.org"
)

// HorizonConfiguration selects the ledger-history service
type HorizonConfiguration struct {
	URL           string `toml:"url"`
	Network       string `toml:"network"`         // "public" or "testnet"
	StreamRetryMS int    `toml:"stream_retry_ms"` // Delay before reopening a dropped ledger stream
	TimeoutMS     int    `toml:"timeout_ms"`      // HTTP timeout for page requests
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the operator HTTP API
type AdminConfiguration struct {
	Enabled       bool     `toml:"enabled"`
	BindAddress   string   `toml:"bind"`
	Port          int      `toml:"port"`
	Authorization string   `toml:"authorization"` // "enabled" or "disabled"
	AdminToken    string   `toml:"admin_token"`
	AdminKeys     []string `toml:"admin_keys"` // Stellar public keys granted the admin role
}

// WatcherConfiguration tunes the ingestion core
type WatcherConfiguration struct {
	CacheSize  int `toml:"cache_size"`  // Per-subscription notification cache bound
	MaxBacklog int `toml:"max_backlog"` // Queued transactions that pause catch-up fetching, 0 = default
}

// SinkConfiguration describes one delivery destination
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"`   // webhook, kafka, nats, log
	Format          string   `toml:"format"` // json, msgpack
	Brokers         []string `toml:"brokers"`
	NatsURL         string   `toml:"nats_url"`
	TopicPrefix     string   `toml:"topic_prefix"`
	BatchSize       int      `toml:"batch_size"`
	PollIntervalMS  int      `toml:"poll_interval_ms"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
	TimeoutMS       int      `toml:"timeout_ms"` // Webhook request timeout
}

// SubscriptionConfiguration is a statically configured subscription
type SubscriptionConfiguration struct {
	ID             string   `toml:"id"`
	Webhook        string   `toml:"webhook"`
	Accounts       []string `toml:"accounts"`
	OperationTypes []string `toml:"operation_types"`
	Assets         []string `toml:"assets"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Horizon       HorizonConfiguration        `toml:"horizon"`
	Logging       LoggingConfiguration        `toml:"logging"`
	Prometheus    PrometheusConfiguration     `toml:"prometheus"`
	Admin         AdminConfiguration          `toml:"admin"`
	Watcher       WatcherConfiguration        `toml:"watcher"`
	Sinks         []SinkConfiguration         `toml:"sinks"`
	Subscriptions []SubscriptionConfiguration `toml:"subscriptions"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	HorizonURLFlag = flag.String("horizon-url", "", "Horizon URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	DataDir: "./notifier-data",

	Horizon: HorizonConfiguration{
		Network:       "public",
		StreamRetryMS: 1000,
		TimeoutMS:     30000,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:       true,
		BindAddress:   "127.0.0.1",
		Port:          8090,
		Authorization: "enabled",
	},

	Watcher: WatcherConfiguration{
		CacheSize: 1000,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *HorizonURLFlag != "" {
		Config.Horizon.URL = *HorizonURLFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.Horizon.URL == "" {
		Config.Horizon.URL = defaultHorizonURL(Config.Horizon.Network)
		log.Info().Str("url", Config.Horizon.URL).Msg("Using default Horizon endpoint")
	}

	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

func defaultHorizonURL(network string) string {
	if network == "testnet" {
		return TestnetHorizonURL
	}
	return PublicHorizonURL
}

// Validate checks configuration for errors
func Validate() error {
	if Config.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch Config.Horizon.Network {
	case "public", "testnet":
	default:
		return fmt.Errorf("invalid horizon network: %q", Config.Horizon.Network)
	}
	if Config.Horizon.URL == "" {
		return fmt.Errorf("horizon url is required")
	}
	if Config.Horizon.StreamRetryMS < 0 {
		return fmt.Errorf("horizon stream retry must be >= 0")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %q", Config.Logging.Format)
	}

	if Config.Admin.Enabled {
		if Config.Admin.Port < 1 || Config.Admin.Port > 65535 {
			return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
		}
		switch Config.Admin.Authorization {
		case "enabled", "disabled":
		default:
			return fmt.Errorf("invalid admin authorization mode: %q", Config.Admin.Authorization)
		}
	}

	if Config.Watcher.CacheSize < 1 {
		return fmt.Errorf("watcher cache size must be >= 1")
	}
	if Config.Watcher.MaxBacklog < 0 {
		return fmt.Errorf("watcher max backlog must be >= 0")
	}

	names := make(map[string]bool, len(Config.Sinks))
	hasWebhookSink := false
	for _, s := range Config.Sinks {
		if s.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate sink name: %s", s.Name)
		}
		names[s.Name] = true

		switch s.Type {
		case "webhook", "kafka", "nats", "log":
		default:
			return fmt.Errorf("sink %s: unknown type %q", s.Name, s.Type)
		}
		switch s.Format {
		case "json", "msgpack":
		default:
			return fmt.Errorf("sink %s: unknown format %q", s.Name, s.Format)
		}
		if s.Type == "kafka" && len(s.Brokers) == 0 {
			return fmt.Errorf("sink %s: kafka requires brokers", s.Name)
		}
		if s.Type == "nats" && s.NatsURL == "" {
			return fmt.Errorf("sink %s: nats requires nats_url", s.Name)
		}
		if s.Type == "webhook" {
			hasWebhookSink = true
		}
	}

	ids := make(map[string]bool, len(Config.Subscriptions))
	for _, s := range Config.Subscriptions {
		if s.ID == "" {
			return fmt.Errorf("subscription id is required")
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate subscription id: %s", s.ID)
		}
		ids[s.ID] = true

		// Webhook urls are only ever dialed by a webhook sink
		if s.Webhook != "" && !hasWebhookSink {
			return fmt.Errorf("subscription %s: webhook set but no webhook sink is configured", s.ID)
		}
	}

	return nil
}
