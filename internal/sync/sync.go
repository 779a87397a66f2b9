// Package sync keeps the cache honest and runs the periodic sweeps.
//
// The store is the source of truth for every balance. The balance cache is
// an accelerator that can go cold (Redis restart, eviction) or drift (a
// manual fix applied in SQL). This package:
//
//  1. Warms the balance cache from the store at startup.
//  2. Verifies wallets against their ledger and the cache against the store,
//     rewriting drifted cache entries.
//  3. Runs the sweeps on an interval: expiring canceled subscriptions whose
//     period has ended and deleting expired idempotency records.
package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/idempotency"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/store"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pageSize = 1000

// BulkSetter is implemented by caches that can write many versioned keys in
// one round trip, such as cache.Redis.
type BulkSetter interface {
	SetManyIfNewer(ctx context.Context, entries map[string]cache.Versioned, ttl time.Duration, batchSize int) error
}

// Syncer handles store to cache synchronization and the periodic sweeps.
type Syncer struct {
	store      store.Store
	ledger     *ledger.Ledger
	subs       *subscription.Engine
	idem       *idempotency.Store
	cache      cache.Cache
	balanceTTL time.Duration
	clock      clock.Clock
	log        zerolog.Logger

	stopCh   chan struct{}
	stopOnce stdsync.Once
	wg       stdsync.WaitGroup
}

type Options struct {
	BalanceCacheTTL time.Duration
	Clock           clock.Clock
}

func NewSyncer(st store.Store, l *ledger.Ledger, subs *subscription.Engine, idem *idempotency.Store, c cache.Cache, opts Options, logger zerolog.Logger) *Syncer {
	if c == nil {
		c = cache.Nop{}
	}
	if opts.BalanceCacheTTL <= 0 {
		opts.BalanceCacheTTL = 5 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Syncer{
		store:      st,
		ledger:     l,
		subs:       subs,
		idem:       idem,
		cache:      c,
		balanceTTL: opts.BalanceCacheTTL,
		clock:      opts.Clock,
		log:        logger.With().Str("component", "syncer").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// forEachWallet pages through every wallet in id order until fn returns
// false or the wallets run out.
func (s *Syncer) forEachWallet(ctx context.Context, fn func(page []store.Wallet) (bool, error)) error {
	after := ""
	for {
		var page []store.Wallet
		err := s.store.View(ctx, func(tx store.Tx) error {
			var err error
			page, err = tx.ListWallets(ctx, after, pageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to list wallets: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		more, err := fn(page)
		if err != nil {
			return err
		}
		if !more || len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

// WarmBalances loads every wallet balance into the cache. Safe to call while
// serving traffic: each write carries the wallet version it was read at and
// never replaces a newer cached balance.
func (s *Syncer) WarmBalances(ctx context.Context) (int, error) {
	start := time.Now()
	s.log.Info().Msg("starting balance cache warm-up")

	bulk, isBulk := s.cache.(BulkSetter)
	count := 0

	err := s.forEachWallet(ctx, func(page []store.Wallet) (bool, error) {
		if isBulk {
			entries := make(map[string]cache.Versioned, len(page))
			for i := range page {
				entries[ledger.BalanceCacheKey(page[i].ID)] = ledger.BalanceCacheEntry(&page[i])
			}
			if err := bulk.SetManyIfNewer(ctx, entries, s.balanceTTL, pageSize); err != nil {
				return false, fmt.Errorf("pipeline exec failed at count %d: %w", count, err)
			}
		} else {
			for i := range page {
				w := &page[i]
				if _, err := cache.SetIfNewer(ctx, s.cache, ledger.BalanceCacheKey(w.ID), ledger.BalanceCacheEntry(w), s.balanceTTL); err != nil {
					return false, fmt.Errorf("cache set failed: %w", err)
				}
			}
		}
		count += len(page)
		return true, nil
	})
	if err != nil {
		return count, err
	}

	s.log.Info().
		Int("wallet_count", count).
		Dur("duration", time.Since(start)).
		Msg("balance cache warm-up complete")
	return count, nil
}

// SyncWallet rewrites one wallet's cached balance from the store. The old
// entry is dropped first: a drifted entry may carry a version the store
// never had.
func (s *Syncer) SyncWallet(ctx context.Context, walletID string) error {
	w, err := s.ledger.GetWallet(ctx, walletID)
	if err != nil {
		return err
	}
	key := ledger.BalanceCacheKey(w.ID)
	if err := s.cache.Delete(ctx, key); err != nil {
		return fmt.Errorf("cache delete failed: %w", err)
	}
	if _, err := cache.SetIfNewer(ctx, s.cache, key, ledger.BalanceCacheEntry(w), s.balanceTTL); err != nil {
		return fmt.Errorf("cache set failed: %w", err)
	}

	s.log.Info().
		Str("wallet_id", w.ID).
		Str("balance", w.Balance.String()).
		Msg("wallet balance synced")
	return nil
}

// IntegrityReport summarizes a VerifyIntegrity run.
type IntegrityReport struct {
	Checked int `json:"checked"`
	// LedgerMismatches lists wallets whose balance differs from the sum of
	// their entries. These are never auto-fixed.
	LedgerMismatches []string `json:"ledger_mismatches"`
	CacheMissing     int      `json:"cache_missing"`
	CacheDrift       int      `json:"cache_drift"`
	CacheFixed       int      `json:"cache_fixed"`
}

// VerifyIntegrity checks up to sampleSize wallets (0 means all). A wallet
// whose cached balance disagrees with the store gets its cache entry
// rewritten. A wallet whose balance disagrees with its ledger is reported.
func (s *Syncer) VerifyIntegrity(ctx context.Context, sampleSize int) (*IntegrityReport, error) {
	rep := &IntegrityReport{LedgerMismatches: []string{}}

	err := s.forEachWallet(ctx, func(page []store.Wallet) (bool, error) {
		for _, w := range page {
			if sampleSize > 0 && rep.Checked >= sampleSize {
				return false, nil
			}
			rep.Checked++

			lr, err := s.ledger.VerifyWallet(ctx, w.ID)
			if err != nil {
				return false, err
			}
			if !lr.Consistent {
				rep.LedgerMismatches = append(rep.LedgerMismatches, w.ID)
			}

			s.checkCache(ctx, lr.WalletID, lr.Balance, rep)
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Int("checked", rep.Checked).
		Int("ledger_mismatches", len(rep.LedgerMismatches)).
		Int("cache_drift", rep.CacheDrift).
		Int("cache_fixed", rep.CacheFixed).
		Msg("integrity verification complete")
	return rep, nil
}

func (s *Syncer) checkCache(ctx context.Context, walletID string, balance decimal.Decimal, rep *IntegrityReport) {
	b, err := s.cache.Get(ctx, ledger.BalanceCacheKey(walletID))
	if errors.Is(err, cache.ErrMiss) {
		rep.CacheMissing++
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Str("wallet_id", walletID).Msg("cache read failed during verification")
		return
	}

	cached, perr := ledger.DecodeCachedBalance(b)
	if perr == nil && cached.Equal(balance) {
		return
	}

	rep.CacheDrift++
	s.log.Warn().
		Str("wallet_id", walletID).
		Str("cache_balance", string(b)).
		Str("store_balance", balance.String()).
		Msg("balance mismatch detected")

	if err := s.SyncWallet(ctx, walletID); err != nil {
		s.log.Error().Err(err).Str("wallet_id", walletID).Msg("failed to sync wallet")
		return
	}
	rep.CacheFixed++
}

// SweepResult counts what one sweep changed.
type SweepResult struct {
	ExpiredSubscriptions int64 `json:"expired_subscriptions"`
	DeletedIdempotency   int64 `json:"deleted_idempotency_records"`
}

// Sweep runs both sweeps once. A failure in one does not skip the other.
func (s *Syncer) Sweep(ctx context.Context) (*SweepResult, error) {
	var res SweepResult
	var errs []error

	n, err := s.subs.ExpireSubscriptions(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	res.ExpiredSubscriptions = n

	n, err = s.idem.Cleanup(ctx, s.clock.Now())
	if err != nil {
		errs = append(errs, err)
	}
	res.DeletedIdempotency = n

	return &res, errors.Join(errs...)
}

// StartPeriodicSweep runs Sweep every interval until Stop is called.
func (s *Syncer) StartPeriodicSweep(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	s.log.Info().
		Dur("interval", interval).
		Msg("starting periodic sweep")

	ticker := time.NewTicker(interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				res, err := s.Sweep(ctx)
				cancel()
				if err != nil {
					s.log.Error().Err(err).Msg("periodic sweep failed")
					continue
				}
				s.log.Debug().
					Int64("expired_subscriptions", res.ExpiredSubscriptions).
					Int64("deleted_idempotency_records", res.DeletedIdempotency).
					Msg("periodic sweep complete")

			case <-s.stopCh:
				ticker.Stop()
				s.log.Info().Msg("periodic sweep stopped")
				return
			}
		}
	}()
}

// Stop ends the periodic sweep and waits for an in-flight run to finish.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}
