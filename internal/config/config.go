// Package config loads the service's tunables into one explicit struct,
// constructed once at startup and passed by value into every component.
// Nothing in this codebase reaches for an ambient global afterward.
package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/adred-codev/substrate-relay/internal/model"
)

// Config holds every tunable named in the configuration surface. Durations
// are expressed in their natural unit per the original option name
// (seconds vs. milliseconds) and converted to time.Duration by the
// accessors below (HeartbeatInterval, ClientTimeout, ...), so components
// never re-derive units.
type Config struct {
	StoreURL string `env:"STORE_URL,required"`
	Port     int    `env:"PORT,required"`

	HeartbeatIntervalS    int   `env:"HEARTBEAT_INTERVAL" envDefault:"5"`
	ClientTimeoutS        int   `env:"CLIENT_TIMEOUT_S" envDefault:"10"`
	MaxPendingConnections int   `env:"MAX_PENDING_CONNECTIONS" envDefault:"8192"`
	WSMaxPayload          int   `env:"WS_MAX_PAYLOAD" envDefault:"524288"`
	NumThreads            int   `env:"NUM_THREADS" envDefault:"0"` // 0 => 3x CPU, resolved below
	DBPoolSize            int   `env:"DB_POOL_SIZE" envDefault:"0"` // 0 => NumThreads
	DBBatchSize           int   `env:"DB_BATCH_SIZE" envDefault:"1024"`
	DBSaveLatencyMS       int   `env:"DB_SAVE_LATENCY_MS" envDefault:"100"`
	PurgeIntervalS        int   `env:"PURGE_INTERVAL_S" envDefault:"600"`
	LogExpiryH            int   `env:"LOG_EXPIRY_H" envDefault:"3"`
	CacheUpdateTimeoutS   int   `env:"CACHE_UPDATE_TIMEOUT_S" envDefault:"15"`
	CacheUpdateIntervalMS int   `env:"CACHE_UPDATE_INTERVAL_MS" envDefault:"1000"`
	CacheExpiryS          int64 `env:"CACHE_EXPIRY_S" envDefault:"3600"`
	CacheTimeoutS         int64 `env:"CACHE_TIMEOUT_S" envDefault:"3600"`

	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"65536"`

	KafkaBrokers string `env:"KAFKA_BROKERS" envDefault:""`
	NatsURL      string `env:"NATS_URL" envDefault:""`

	// APISharedSecret, when set, gates the historical query surface
	// (§6.3's /api/v1/profiling) behind a shared-secret header. Empty
	// disables the check — acceptable only behind a trusted network
	// boundary, never the default for a public deployment.
	APISharedSecret string `env:"API_SHARED_SECRET" envDefault:""`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads .env (optional) then environment variables into a Config,
// applies derived defaults, and validates required fields. A missing or
// invalid option is returned as a ConfigError, which the caller treats as
// fatal at startup.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, model.NewConfigError("failed to parse configuration", err)
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, model.NewConfigError("configuration validation failed", err)
	}
	return cfg, nil
}

func (c *Config) applyDerivedDefaults() {
	if c.NumThreads <= 0 {
		c.NumThreads = 3 * runtime.NumCPU()
	}
	if c.DBPoolSize <= 0 {
		c.DBPoolSize = c.NumThreads
	}
}

func (c *Config) Validate() error {
	if c.StoreURL == "" {
		return fmt.Errorf("STORE_URL is required")
	}
	if c.Port <= 0 {
		return fmt.Errorf("PORT must be > 0, got %d", c.Port)
	}
	if c.DBBatchSize <= 0 {
		return fmt.Errorf("DB_BATCH_SIZE must be > 0, got %d", c.DBBatchSize)
	}
	if c.NumThreads <= 0 {
		return fmt.Errorf("NUM_THREADS resolved to %d, must be > 0", c.NumThreads)
	}
	return nil
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

func (c *Config) ClientTimeout() time.Duration {
	return time.Duration(c.ClientTimeoutS) * time.Second
}

func (c *Config) DBSaveLatency() time.Duration {
	return time.Duration(c.DBSaveLatencyMS) * time.Millisecond
}

func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalS) * time.Second
}

func (c *Config) LogExpiry() time.Duration {
	return time.Duration(c.LogExpiryH) * time.Hour
}

func (c *Config) CacheUpdateTimeout() time.Duration {
	return time.Duration(c.CacheUpdateTimeoutS) * time.Second
}

func (c *Config) CacheUpdateInterval() time.Duration {
	return time.Duration(c.CacheUpdateIntervalMS) * time.Millisecond
}

func (c *Config) CacheExpiry() time.Duration {
	return time.Duration(c.CacheExpiryS) * time.Second
}

func (c *Config) CacheTimeout() time.Duration {
	return time.Duration(c.CacheTimeoutS) * time.Second
}

// LogConfig emits the loaded configuration as one structured log line so
// the effective tunables for a deployment are visible in the log stream
// without reaching into the process environment.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("store_url_scheme", redactedScheme(c.StoreURL)).
		Int("port", c.Port).
		Int("num_threads", c.NumThreads).
		Int("db_pool_size", c.DBPoolSize).
		Int("db_batch_size", c.DBBatchSize).
		Int("db_save_latency_ms", c.DBSaveLatencyMS).
		Int("purge_interval_s", c.PurgeIntervalS).
		Int("log_expiry_h", c.LogExpiryH).
		Int("cache_update_interval_ms", c.CacheUpdateIntervalMS).
		Int64("cache_expiry_s", c.CacheExpiryS).
		Bool("kafka_enabled", c.KafkaBrokers != "").
		Bool("nats_cluster_coordination", c.NatsURL != "").
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}

// redactedScheme avoids ever logging credentials embedded in STORE_URL.
func redactedScheme(url string) string {
	for i, c := range url {
		if c == ':' {
			return url[:i]
		}
	}
	return "unknown"
}
