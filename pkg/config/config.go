// Package config loads engine settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
)

// Prefix is prepended to every variable name.
const Prefix = "ENGINE_"

// Config holds every tunable of the engine. Defaults match the documented
// behavior: snapshots every 100 versions, 5 minute cache staleness and the
// per-operation timeouts.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"eventengine"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	SnapshotFrequency uint64 `env:"SNAPSHOT_FREQUENCY" envDefault:"100"`

	CacheStaleness time.Duration `env:"CACHE_STALENESS" envDefault:"5m"`
	CacheSize      int           `env:"CACHE_SIZE" envDefault:"10000"`

	CommandTimeout time.Duration `env:"COMMAND_TIMEOUT" envDefault:"30s"`
	QueryTimeout   time.Duration `env:"QUERY_TIMEOUT" envDefault:"10s"`
	ReplayTimeout  time.Duration `env:"REPLAY_TIMEOUT" envDefault:"5m"`
	SagaTimeout    time.Duration `env:"SAGA_TIMEOUT" envDefault:"10m"`

	ProjectionParallelism int           `env:"PROJECTION_PARALLELISM" envDefault:"4"`
	ProjectionMaxRetries  uint          `env:"PROJECTION_MAX_RETRIES" envDefault:"3"`
	ProjectionRetryDelay  time.Duration `env:"PROJECTION_RETRY_DELAY" envDefault:"100ms"`

	QueryCacheTTL  time.Duration `env:"QUERY_CACHE_TTL" envDefault:"30s"`
	QueryCacheSize int           `env:"QUERY_CACHE_SIZE" envDefault:"5000"`

	DispatchBuffer int `env:"DISPATCH_BUFFER" envDefault:"1024"`

	SQLiteDSN       string `env:"SQLITE_DSN" envDefault:"eventengine.db"`
	NATSURL         string `env:"NATS_URL"`
	NATSEmbedded    bool   `env:"NATS_EMBEDDED" envDefault:"false"`
	RedisAddr       string `env:"REDIS_ADDR"`
	SnapshotBlobURL string `env:"SNAPSHOT_BLOB_URL"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{Prefix: Prefix})
}

// Default returns the documented defaults, ignoring the environment.
func Default() Config {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadFrom reads settings from vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	return parse(env.Options{Prefix: Prefix, Environment: vars})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.SnapshotFrequency == 0:
		return fmt.Errorf("config: SNAPSHOT_FREQUENCY must be positive")
	case c.ProjectionParallelism < 1:
		return fmt.Errorf("config: PROJECTION_PARALLELISM must be at least 1")
	case c.CacheSize < 1:
		return fmt.Errorf("config: CACHE_SIZE must be at least 1")
	case c.CommandTimeout <= 0 || c.QueryTimeout <= 0 || c.ReplayTimeout <= 0 || c.SagaTimeout <= 0:
		return fmt.Errorf("config: timeouts must be positive")
	}
	if _, err := c.Level(); err != nil {
		return fmt.Errorf("config: LOG_LEVEL: %w", err)
	}
	return nil
}

// Level parses LogLevel ("debug", "info", "warn" or "error").
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
