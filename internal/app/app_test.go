package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/config"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.Config {
	t := config.Config{
		StoreDriver:           config.StoreDriverMemory,
		CacheDriver:           config.CacheDriverLocal,
		CachePrefix:           "tally:",
		OptimisticMaxAttempts: 3,
		MetricsEnabled:        true,
	}
	return t
}

func TestNew_MemoryAndLocalCache(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.Nil(t, a.Postgres)
	assert.Nil(t, a.Redis)
	assert.IsType(t, &cache.Local{}, a.Cache)

	res, err := a.Ledger.GrantCredit(ctx, ledger.GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.Equal(t, "5", res.NewBalance.String())

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(b), "tally_ledger_operations_total")

	resp, err = http.Get(srv.URL + "/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.CacheDriver = config.CacheDriverRedis
	cfg.RedisAddr = mr.Addr()

	a, err := New(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	require.NotNil(t, a.Redis)
	assert.IsType(t, &cache.Redis{}, a.Cache)
	assert.IsType(t, &cache.RedisLocker{}, a.Locker)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "sqlite"
	_, err := New(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
