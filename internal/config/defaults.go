package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// The numbers are operating policy and may be tuned per deployment.
func SetDefaults(v *viper.Viper) {
	// Ingest
	v.SetDefault("ingest.skew_tolerance", 2*time.Second)
	v.SetDefault("ingest.retention_window", 10*time.Minute)
	v.SetDefault("ingest.partitions", 8)
	v.SetDefault("ingest.queue_depth", 256)

	// Conformance
	v.SetDefault("conformance.threshold", 3)
	v.SetDefault("conformance.geometry_timeout", 250*time.Millisecond)
	v.SetDefault("conformance.sweep_interval", 5*time.Second)
	v.SetDefault("conformance.telemetry_timeout", 15*time.Second)

	// Deconfliction
	v.SetDefault("sync.mode", "memory")
	v.SetDefault("sync.base_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.uss_base_url", "http://localhost:8080")
	v.SetDefault("sync.lease_duration", 2*time.Minute)
	v.SetDefault("sync.renewal_interval", time.Minute)
	v.SetDefault("sync.safety_margin", 10*time.Second)
	v.SetDefault("sync.call_timeout", 5*time.Second)
	v.SetDefault("sync.backoff_initial", 250*time.Millisecond)
	v.SetDefault("sync.backoff_max", 10*time.Second)
	v.SetDefault("sync.rate_limit", 5.0)
	v.SetDefault("sync.rate_burst", 10)

	// Feed
	v.SetDefault("feed.horizon", 30*time.Second)
	v.SetDefault("feed.coincidence_window", 500*time.Millisecond)
	v.SetDefault("feed.stream_interval", time.Second)

	// Storage
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlite_path", "traffic.db")
	v.SetDefault("storage.postgres.host", "localhost")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.database", "traffic")
	v.SetDefault("storage.postgres.user", "traffic")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.clickhouse.enabled", false)
	v.SetDefault("storage.clickhouse.host", "localhost")
	v.SetDefault("storage.clickhouse.port", 9000)
	v.SetDefault("storage.clickhouse.database", "traffic")
	v.SetDefault("storage.clickhouse.user", "default")
	v.SetDefault("storage.clickhouse.password", "")
	v.SetDefault("storage.redis.enabled", false)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.stream", "traffic:points")
	v.SetDefault("storage.redis.channel", "traffic:alerts")
	v.SetDefault("storage.archive_batch", 500)
	v.SetDefault("storage.archive_flush", 2*time.Second)

	// NATS
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.alert_subject", "traffic.alerts")
	v.SetDefault("nats.track_subject", "traffic.tracks")

	// API
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.auth_enabled", false)
	v.SetDefault("api.api_keys", []string{})

	// Logging
	v.SetDefault("log.json", false)
	v.SetDefault("log.level", "info")
}
