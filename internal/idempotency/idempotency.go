// Package idempotency remembers the response produced for an idempotency
// key so a retried request returns the original outcome without moving money
// twice.
//
// Keys are checked in two places. The cache answers most replays without a
// transaction. The persisted record is written in the same transaction as the
// ledger entry, so a replay that arrives after the cache lost the key still
// finds it.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/store"
	"github.com/rs/zerolog"
)

const DefaultTTL = 24 * time.Hour

// Store is the idempotency layer. It holds no state of its own beyond its
// collaborators.
type Store struct {
	store   store.Store
	cache   cache.Cache
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(st store.Store, c cache.Cache, clk clock.Clock, m *metrics.Metrics, logger zerolog.Logger) *Store {
	if c == nil {
		c = cache.Nop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{
		store:   st,
		cache:   c,
		clock:   clk,
		metrics: m,
		log:     logger.With().Str("component", "idempotency").Logger(),
	}
}

// ScopedKey namespaces a caller key, usually by wallet id, so two wallets
// may reuse the same key.
func ScopedKey(scope, key string) string {
	return scope + ":" + key
}

func cacheKey(key string) string {
	return "idem:" + key
}

// Check looks the key up in the fast cache. Cache errors count as a miss.
func (s *Store) Check(ctx context.Context, key string) ([]byte, bool) {
	b, err := s.cache.Get(ctx, cacheKey(key))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.log.Warn().Err(err).Str("key", key).Msg("idempotency cache read failed")
		}
		s.metrics.Cache("idempotency", metrics.ResultMiss)
		return nil, false
	}
	s.metrics.Cache("idempotency", metrics.ResultHit)
	return b, true
}

// Lookup reads the persisted record inside tx. Expired records are treated as
// absent.
func (s *Store) Lookup(ctx context.Context, tx store.Tx, key string) ([]byte, bool, error) {
	rec, err := tx.GetIdempotencyRecord(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup failed: %w", err)
	}
	if !rec.ExpiresAt.After(s.clock.Now()) {
		return nil, false, nil
	}
	return rec.Response, true, nil
}

// Record persists the response inside the caller's transaction. A zero
// ExpiresAt gets the default TTL.
func (s *Store) Record(ctx context.Context, tx store.Tx, rec *store.IdempotencyRecord) error {
	now := s.clock.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = now.Add(DefaultTTL)
	}
	if err := tx.InsertIdempotencyRecord(ctx, rec); err != nil {
		return fmt.Errorf("idempotency record failed: %w", err)
	}
	return nil
}

// Commit writes the response to the fast cache after the owning transaction
// committed. Failures only cost a slower replay.
func (s *Store) Commit(ctx context.Context, key string, response []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := s.cache.Set(ctx, cacheKey(key), response, ttl); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("idempotency cache write failed")
	}
}

// Cleanup deletes persisted records that expired at or before now.
func (s *Store) Cleanup(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DeleteExpiredIdempotencyRecords(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("idempotency cleanup failed: %w", err)
	}
	if n > 0 {
		s.log.Info().Int64("deleted", n).Msg("expired idempotency records removed")
	}
	s.metrics.Sweep("idempotency", n)
	return n, nil
}
