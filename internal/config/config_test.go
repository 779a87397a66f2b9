package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"HTTP_PORT", "STORE_DRIVER", "CACHE_DRIVER", "PRICE_CACHE_TTL", "OPTIMISTIC_MAX_ATTEMPTS", "OPTIMISTIC_BACKOFF", "REFILL_LOCK_TTL"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	assert.Equal(t, CacheDriverRedis, cfg.CacheDriver)
	assert.Equal(t, time.Hour, cfg.PriceCacheTTL)
	assert.Equal(t, 3, cfg.OptimisticMaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.OptimisticBackoff)
	assert.Equal(t, 60*time.Second, cfg.RefillLockTTL)
	require.NoError(t, cfg.Validate())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("CACHE_DRIVER", "local")
	t.Setenv("PRICE_CACHE_TTL", "15m")
	t.Setenv("OPTIMISTIC_MAX_ATTEMPTS", "5")
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("REDIS_DB", "not-a-number")

	cfg := Load()
	assert.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	assert.Equal(t, CacheDriverLocal, cfg.CacheDriver)
	assert.Equal(t, 15*time.Minute, cfg.PriceCacheTTL)
	assert.Equal(t, 5, cfg.OptimisticMaxAttempts)
	assert.False(t, cfg.MetricsEnabled)
	assert.Equal(t, 0, cfg.RedisDB)
	require.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"unknown store", func(c *Config) { c.StoreDriver = "mysql" }, true},
		{"unknown cache", func(c *Config) { c.CacheDriver = "memcached" }, true},
		{"redis without addr", func(c *Config) { c.RedisAddr = "" }, true},
		{"no cache needs no addr", func(c *Config) { c.CacheDriver = CacheDriverNone; c.RedisAddr = "" }, false},
		{"zero attempts", func(c *Config) { c.OptimisticMaxAttempts = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				StoreDriver:           StoreDriverPostgres,
				PostgresURL:           "postgres://localhost/tally",
				CacheDriver:           CacheDriverRedis,
				RedisAddr:             "localhost:6379",
				OptimisticMaxAttempts: 3,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
