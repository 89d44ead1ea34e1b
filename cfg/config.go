package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
)

// ChannelBackend selects where fetched records are staged
type ChannelBackend string

const (
	ChannelMemory ChannelBackend = "memory" // In-process queue
	ChannelPebble ChannelBackend = "pebble" // Durable local staging log
	ChannelNATS   ChannelBackend = "nats"   // JetStream pull consumer
)

// ImporterConfiguration controls the fetch/merge/flush loop
type ImporterConfiguration struct {
	BatchSize          int `toml:"batch_size"`           // Max records per fetched window
	RetryTimes         int `toml:"retry_times"`          // Flush retries before giving up
	FetchTimeoutMS     int `toml:"fetch_timeout_ms"`     // Max wait for a non-empty window
	StatementTimeoutMS int `toml:"statement_timeout_ms"` // Per-statement execution timeout
}

// RateLimitConfiguration caps applied operations per second, 0 = unlimited
type RateLimitConfiguration struct {
	InsertQPS float64 `toml:"insert_qps"`
	UpdateQPS float64 `toml:"update_qps"`
	DeleteQPS float64 `toml:"delete_qps"`
}

// TargetConfiguration describes the database records are applied to
type TargetConfiguration struct {
	Driver             string `toml:"driver"` // "sqlite3" or "mysql"
	DSN                string `toml:"dsn"`
	Schema             string `toml:"schema"` // Optional schema qualifier
	PoolSize           int    `toml:"pool_size"`
	MaxIdleTimeSeconds int    `toml:"max_idle_time_seconds"`
	MaxLifetimeSeconds int    `toml:"max_lifetime_seconds"`
}

// NATSConfiguration for the JetStream channel backend
type NATSConfiguration struct {
	URL     string `toml:"url"`
	Stream  string `toml:"stream"`
	Subject string `toml:"subject"`
	Durable string `toml:"durable"`
}

// ChannelConfiguration selects and tunes the record channel
type ChannelConfiguration struct {
	Backend ChannelBackend    `toml:"backend"`
	NATS    NATSConfiguration `toml:"nats"`
}

// TablesConfiguration scopes which tables are applied and how rows are matched
type TablesConfiguration struct {
	// Include holds glob patterns; empty means every table
	Include []string `toml:"include"`
	// ShardingColumns lists extra condition columns per table
	ShardingColumns map[string][]string `toml:"sharding_columns"`
}

// DialectConfiguration tunes SQL generation quirks
type DialectConfiguration struct {
	// NullKeyFallback substitutes current values for absent old key values
	// in UPDATE/DELETE conditions
	NullKeyFallback bool `toml:"null_key_fallback"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	DataDir string `toml:"data_dir"`

	Importer   ImporterConfiguration   `toml:"importer"`
	RateLimit  RateLimitConfiguration  `toml:"rate_limit"`
	Target     TargetConfiguration     `toml:"target"`
	Channel    ChannelConfiguration    `toml:"channel"`
	Tables     TablesConfiguration     `toml:"tables"`
	Dialect    DialectConfiguration    `toml:"dialect"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	TargetDSNFlag  = flag.String("target-dsn", "", "Target database DSN (overrides config)")
	BatchSizeFlag  = flag.Int("batch-size", 0, "Records per fetched window (overrides config)")
)

// Default configuration
var Config = &Configuration{
	DataDir: "./sluice-data",

	Importer: ImporterConfiguration{
		BatchSize:          1000,
		RetryTimes:         3,
		FetchTimeoutMS:     3000,  // Wait up to 3s for a non-empty window
		StatementTimeoutMS: 30000, // 30s per statement round trip
	},

	RateLimit: RateLimitConfiguration{},

	Target: TargetConfiguration{
		Driver:             "sqlite3",
		DSN:                "",
		PoolSize:           4,
		MaxIdleTimeSeconds: 10,
		MaxLifetimeSeconds: 300,
	},

	Channel: ChannelConfiguration{
		Backend: ChannelMemory,
		NATS: NATSConfiguration{
			URL:     "nats://localhost:4222",
			Stream:  "SLUICE",
			Subject: "sluice.records",
			Durable: "sluice-importer",
		},
	},

	Tables: TablesConfiguration{
		Include:         []string{},
		ShardingColumns: map[string][]string{},
	},

	Dialect: DialectConfiguration{
		NullKeyFallback: false,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
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
	if *TargetDSNFlag != "" {
		Config.Target.DSN = *TargetDSNFlag
	}
	if *BatchSizeFlag != 0 {
		Config.Importer.BatchSize = *BatchSizeFlag
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Importer.BatchSize < 1 {
		return fmt.Errorf("importer batch size must be >= 1")
	}

	if Config.Importer.RetryTimes < 0 {
		return fmt.Errorf("importer retry times must be >= 0")
	}

	if Config.Importer.FetchTimeoutMS < 1 {
		return fmt.Errorf("importer fetch timeout must be >= 1ms")
	}

	if Config.Importer.StatementTimeoutMS < 1 {
		return fmt.Errorf("importer statement timeout must be >= 1ms")
	}

	if Config.RateLimit.InsertQPS < 0 || Config.RateLimit.UpdateQPS < 0 || Config.RateLimit.DeleteQPS < 0 {
		return fmt.Errorf("rate limits must be >= 0")
	}

	validDrivers := map[string]bool{
		"sqlite3": true, "mysql": true,
	}
	if !validDrivers[Config.Target.Driver] {
		return fmt.Errorf("invalid target driver: %s", Config.Target.Driver)
	}

	if Config.Target.DSN == "" {
		return fmt.Errorf("target DSN is required")
	}

	if Config.Target.PoolSize < 1 {
		return fmt.Errorf("target pool size must be >= 1")
	}

	if Config.Target.MaxIdleTimeSeconds < 0 {
		return fmt.Errorf("target max idle time must be >= 0")
	}

	if Config.Target.MaxLifetimeSeconds < 0 {
		return fmt.Errorf("target max lifetime must be >= 0")
	}

	switch Config.Channel.Backend {
	case ChannelMemory, ChannelPebble:
	case ChannelNATS:
		if Config.Channel.NATS.URL == "" {
			return fmt.Errorf("NATS channel requires a url")
		}
		if Config.Channel.NATS.Stream == "" || Config.Channel.NATS.Subject == "" {
			return fmt.Errorf("NATS channel requires stream and subject")
		}
	default:
		return fmt.Errorf("invalid channel backend: %s", Config.Channel.Backend)
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
	}

	return nil
}
