// Package config loads the engine configuration from TOML files and the
// environment.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"traffic_engine/internal/errors"
)

// EnvPrefix is prepended to every environment override, e.g.
// TRAFFIC_CONFORMANCE_THRESHOLD=5.
const EnvPrefix = "TRAFFIC"

// Config is the full engine configuration. It is built once and handed to
// each component at construction.
type Config struct {
	Ingest      IngestConfig      `mapstructure:"ingest"`
	Conformance ConformanceConfig `mapstructure:"conformance"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Storage     StorageConfig     `mapstructure:"storage"`
	NATS        NATSConfig        `mapstructure:"nats"`
	API         APIConfig         `mapstructure:"api"`
	Log         LogConfig         `mapstructure:"log"`
}

// IngestConfig controls track normalisation and buffering.
type IngestConfig struct {
	// SkewTolerance is how far behind a flight's last accepted point a new
	// point may be before it is rejected as stale.
	SkewTolerance time.Duration `mapstructure:"skew_tolerance"`
	// RetentionWindow bounds the per-flight point log.
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	Partitions      int           `mapstructure:"partitions"`
	QueueDepth      int           `mapstructure:"queue_depth"`
}

// ConformanceConfig controls the evaluator.
type ConformanceConfig struct {
	Threshold        int           `mapstructure:"threshold"`
	GeometryTimeout  time.Duration `mapstructure:"geometry_timeout"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	TelemetryTimeout time.Duration `mapstructure:"telemetry_timeout"`
}

// SyncConfig controls the deconfliction synchronizer and its remote client.
type SyncConfig struct {
	// Mode is "memory" for the in-process directory or "http" for a remote DSS.
	Mode            string        `mapstructure:"mode"`
	BaseURL         string        `mapstructure:"base_url"`
	Token           string        `mapstructure:"token"`
	USSBaseURL      string        `mapstructure:"uss_base_url"`
	LeaseDuration   time.Duration `mapstructure:"lease_duration"`
	RenewalInterval time.Duration `mapstructure:"renewal_interval"`
	SafetyMargin    time.Duration `mapstructure:"safety_margin"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	BackoffInitial  time.Duration `mapstructure:"backoff_initial"`
	BackoffMax      time.Duration `mapstructure:"backoff_max"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
}

// FeedConfig controls snapshot staleness and deduplication.
type FeedConfig struct {
	Horizon           time.Duration `mapstructure:"horizon"`
	CoincidenceWindow time.Duration `mapstructure:"coincidence_window"`
	StreamInterval    time.Duration `mapstructure:"stream_interval"`
}

// StorageConfig selects the volume store backend and optional track sinks.
type StorageConfig struct {
	// Driver is "memory", "sqlite" or "postgres".
	Driver       string           `mapstructure:"driver"`
	SQLitePath   string           `mapstructure:"sqlite_path"`
	Postgres     PostgresConfig   `mapstructure:"postgres"`
	ClickHouse   ClickHouseConfig `mapstructure:"clickhouse"`
	Redis        RedisConfig      `mapstructure:"redis"`
	ArchiveBatch int              `mapstructure:"archive_batch"`
	ArchiveFlush time.Duration    `mapstructure:"archive_flush"`
}

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RedisConfig holds Redis settings for the hot track log and alert channel.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Stream  string `mapstructure:"stream"`
	Channel string `mapstructure:"channel"`
}

// NATSConfig holds the NATS bus settings. An empty URL disables NATS.
type NATSConfig struct {
	URL          string `mapstructure:"url"`
	AlertSubject string `mapstructure:"alert_subject"`
	TrackSubject string `mapstructure:"track_subject"`
}

// APIConfig holds the HTTP adapter settings.
type APIConfig struct {
	Port        int      `mapstructure:"port"`
	AuthEnabled bool     `mapstructure:"auth_enabled"`
	APIKeys     []string `mapstructure:"api_keys"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	JSON  bool   `mapstructure:"json"`
	Level string `mapstructure:"level"`
}

// Default returns the configuration with every default applied.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := unmarshal(v)
	if err != nil {
		// Defaults are static; failing here is a programming error.
		panic(err)
	}
	return cfg
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config file %s", path)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch {
	case c.Ingest.Partitions < 1:
		return errors.Validationf("ingest.partitions must be at least 1")
	case c.Ingest.QueueDepth < 1:
		return errors.Validationf("ingest.queue_depth must be at least 1")
	case c.Ingest.SkewTolerance < 0:
		return errors.Validationf("ingest.skew_tolerance must not be negative")
	case c.Ingest.RetentionWindow <= 0:
		return errors.Validationf("ingest.retention_window must be positive")
	case c.Conformance.Threshold < 1:
		return errors.Validationf("conformance.threshold must be at least 1")
	case c.Sync.RenewalInterval <= c.Sync.SafetyMargin:
		return errors.Validationf("sync.renewal_interval (%s) must exceed sync.safety_margin (%s)",
			c.Sync.RenewalInterval, c.Sync.SafetyMargin)
	case c.Sync.LeaseDuration < c.Sync.RenewalInterval:
		return errors.Validationf("sync.lease_duration must be at least sync.renewal_interval")
	case c.Feed.Horizon <= 0:
		return errors.Validationf("feed.horizon must be positive")
	}

	switch c.Sync.Mode {
	case "memory":
	case "http":
		if c.Sync.BaseURL == "" {
			return errors.WithHint(errors.Validationf("sync.base_url is required in http mode"),
				"set TRAFFIC_SYNC_BASE_URL or sync.base_url in the config file")
		}
	default:
		return errors.Validationf("unknown sync.mode %q", c.Sync.Mode)
	}

	switch c.Storage.Driver {
	case "memory", "postgres":
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.Validationf("storage.sqlite_path is required for the sqlite driver")
		}
	default:
		return errors.Validationf("unknown storage.driver %q", c.Storage.Driver)
	}
	return nil
}
