// Package app wires the store, the cache, the metrics registry and the
// engines from configuration. The API server, the seeder and the CLI all
// build their dependencies here so they behave identically.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tally/internal/api"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/config"
	"github.com/kelpejol/tally/internal/idempotency"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/store"
	"github.com/kelpejol/tally/internal/store/memory"
	"github.com/kelpejol/tally/internal/store/postgres"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/kelpejol/tally/internal/sync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

type App struct {
	Config config.Config

	Store    store.Store
	Postgres *postgres.Store // nil unless STORE_DRIVER=postgres
	Cache    cache.Cache
	Redis    *redis.Client // nil unless CACHE_DRIVER=redis
	Locker   cache.Locker

	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Prices        *pricing.Catalog
	Idempotency   *idempotency.Store
	Ledger        *ledger.Ledger
	Subscriptions *subscription.Engine
	Syncer        *sync.Syncer

	log zerolog.Logger
}

// New connects to the configured backends and builds every engine. A Redis
// that cannot be reached at startup is logged and tolerated: the engines
// treat cache failures as misses.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		log:      logger.With().Str("component", "app").Logger(),
	}

	switch cfg.StoreDriver {
	case config.StoreDriverPostgres:
		pgCfg := postgres.DefaultConfig(cfg.PostgresURL)
		pgCfg.MaxOpenConns = cfg.PostgresMaxConn
		pgCfg.LockTimeout = cfg.LockTimeout
		pg, err := postgres.Open(ctx, pgCfg, logger)
		if err != nil {
			return nil, err
		}
		a.Postgres = pg
		a.Store = pg
	default:
		a.log.Warn().Msg("using in-memory store, data is lost on exit")
		a.Store = memory.New()
	}

	switch cfg.CacheDriver {
	case config.CacheDriverRedis:
		a.Redis = cache.NewRedisClient(cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.Redis.Ping(pingCtx).Err(); err != nil {
			a.log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable at startup, continuing without cache hits")
		} else {
			a.log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
		}
		cancel()
		a.Cache = cache.NewRedis(a.Redis, cfg.CachePrefix)
		a.Locker = cache.NewRedisLocker(a.Redis, cfg.CachePrefix)
	case config.CacheDriverLocal:
		a.Cache = cache.NewLocal(0)
		a.Locker = cache.NewLocalLocker()
	default:
		a.Cache = cache.Nop{}
		a.Locker = cache.NewLocalLocker()
	}

	if cfg.MetricsEnabled {
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.Metrics = metrics.New(a.Registry)
	}

	a.Prices = pricing.NewCatalog(a.Store, a.Cache, pricing.Options{
		TTL:     cfg.PriceCacheTTL,
		Metrics: a.Metrics,
	}, logger)
	a.Idempotency = idempotency.New(a.Store, a.Cache, nil, a.Metrics, logger)
	a.Ledger = ledger.New(a.Store, a.Prices, a.Idempotency, a.Cache, ledger.Options{
		MaxAttempts:     cfg.OptimisticMaxAttempts,
		Backoff:         cfg.OptimisticBackoff,
		BalanceCacheTTL: cfg.BalanceCacheTTL,
		IdempotencyTTL:  cfg.IdempotencyTTL,
		Metrics:         a.Metrics,
	}, logger)
	a.Subscriptions = subscription.New(a.Store, a.Ledger, a.Cache, a.Locker, subscription.Options{
		PlanCacheTTL:  cfg.PlanCacheTTL,
		RefillLockTTL: cfg.RefillLockTTL,
		Metrics:       a.Metrics,
	}, logger)
	a.Syncer = sync.NewSyncer(a.Store, a.Ledger, a.Subscriptions, a.Idempotency, a.Cache, sync.Options{
		BalanceCacheTTL: cfg.BalanceCacheTTL,
	}, logger)

	return a, nil
}

// Handler builds the HTTP handler with readiness checks for every backend.
func (a *App) Handler() http.Handler {
	ready := map[string]api.Checker{"store": a.Store}
	if r, ok := a.Cache.(*cache.Redis); ok {
		ready["redis"] = r
	}

	var metricsHandler http.Handler
	if a.Metrics != nil {
		metricsHandler = promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
	}

	return api.NewHandler(api.Deps{
		Ledger:        a.Ledger,
		Prices:        a.Prices,
		Subscriptions: a.Subscriptions,
		Ready:         ready,
		Metrics:       metricsHandler,
	}, a.log).Routes()
}

// Close stops the sweeper and releases connections.
func (a *App) Close() error {
	a.Syncer.Stop()

	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}
