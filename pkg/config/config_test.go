package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	assert.Equal(t, uint64(100), cfg.SnapshotFrequency)
	assert.Equal(t, 5*time.Minute, cfg.CacheStaleness)
	assert.Equal(t, 30*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 5*time.Minute, cfg.ReplayTimeout)
	assert.Equal(t, 10*time.Minute, cfg.SagaTimeout)
	assert.Equal(t, 4, cfg.ProjectionParallelism)
	assert.Empty(t, cfg.NATSURL)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"ENGINE_SNAPSHOT_FREQUENCY":     "50",
		"ENGINE_COMMAND_TIMEOUT":        "2s",
		"ENGINE_PROJECTION_PARALLELISM": "8",
		"ENGINE_REDIS_ADDR":             "localhost:6379",
		// Unprefixed variables are ignored.
		"CACHE_SIZE": "1",
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(50), cfg.SnapshotFrequency)
	assert.Equal(t, 2*time.Second, cfg.CommandTimeout)
	assert.Equal(t, 8, cfg.ProjectionParallelism)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 10000, cfg.CacheSize)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := map[string]map[string]string{
		"zero snapshot frequency": {"ENGINE_SNAPSHOT_FREQUENCY": "0"},
		"zero parallelism":        {"ENGINE_PROJECTION_PARALLELISM": "0"},
		"negative timeout":        {"ENGINE_QUERY_TIMEOUT": "-1s"},
		"malformed duration":      {"ENGINE_SAGA_TIMEOUT": "soon"},
		"unknown log level":       {"ENGINE_LOG_LEVEL": "chatty"},
	}
	for name, vars := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(vars)
			require.Error(t, err)
		})
	}
}

func TestLevel(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"ENGINE_LOG_LEVEL": "debug"})
	require.NoError(t, err)

	level, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}
