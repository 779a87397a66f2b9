// Package ledger is the credit engine: wallets, the append-only ledger and
// every operation that moves a balance.
//
// Every balance change is one store transaction that writes a LedgerEntry
// whose BalanceAfter equals the wallet's new balance, so a wallet's balance
// can always be rebuilt from its entries. Two consistency strategies share
// one code path:
//
//  1. Pessimistic: lock the wallet row (SELECT ... FOR UPDATE), re-check the
//     idempotency key inside the lock, check funds, write. Used for usage
//     debits, purchases and grants.
//  2. Optimistic: read the wallet without a lock, then write with a
//     compare-and-swap on the wallet version. A lost race rolls back, sleeps
//     a fixed backoff and retries; after MaxAttempts the caller gets
//     ErrConcurrencyConflict, which is retryable. Used for straight
//     deductions.
//
// Both strategies gate on the same wallet version, so mixing them against one
// wallet is safe.
//
// Idempotency: a request carrying a key is answered from the idempotency
// cache when possible. Otherwise the persisted record is checked inside the
// transaction and written next to the ledger entry, so a replay returns the
// original response bytes and never moves money twice.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/idempotency"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound = fmt.Errorf("ledger: wallet not found: %w", store.ErrNotFound)

	// ErrInsufficientCredit is a business rule violation, not a fault.
	ErrInsufficientCredit = errors.New("ledger: insufficient credit")

	// ErrConcurrencyConflict means the optimistic path lost every attempt.
	// Callers should treat it as retryable.
	ErrConcurrencyConflict = errors.New("ledger: concurrency conflict")

	ErrInvalidAmount          = errors.New("ledger: invalid amount")
	ErrInvalidRequest         = errors.New("ledger: invalid request")
	ErrIdempotencyKeyRequired = errors.New("ledger: idempotency key required")

	// ErrDuplicateRequest is returned when a key collides with an earlier
	// entry on the wallet that has no response to replay: the key was used by
	// a different operation, or the stored response has expired.
	ErrDuplicateRequest = fmt.Errorf("ledger: idempotency key already used: %w", store.ErrDuplicate)

	// errVersionConflict is the optimistic CAS miss. It never leaves the
	// package.
	errVersionConflict = errors.New("ledger: wallet version changed")
)

// Strategy selects the consistency path of a balance mutation.
type Strategy int

const (
	// Default picks the operation's own default.
	Default Strategy = iota
	Pessimistic
	Optimistic
)

func (s Strategy) String() string {
	switch s {
	case Pessimistic:
		return "pessimistic"
	case Optimistic:
		return "optimistic"
	}
	return "default"
}

// ParseStrategy accepts "", "pessimistic" and "optimistic".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return Default, nil
	case "pessimistic":
		return Pessimistic, nil
	case "optimistic":
		return Optimistic, nil
	}
	return Default, fmt.Errorf("%w: unknown strategy %q", ErrInvalidRequest, s)
}

func (s Strategy) or(fallback Strategy) Strategy {
	if s == Default {
		return fallback
	}
	return s
}

type Options struct {
	MaxAttempts     int
	Backoff         time.Duration
	BalanceCacheTTL time.Duration
	IdempotencyTTL  time.Duration
	Clock           clock.Clock
	Metrics         *metrics.Metrics
}

func (o *Options) setDefaults() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = 100 * time.Millisecond
	}
	if o.BalanceCacheTTL <= 0 {
		o.BalanceCacheTTL = 5 * time.Minute
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = idempotency.DefaultTTL
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
}

// Ledger is safe for concurrent use; all shared state lives in the store and
// the cache.
type Ledger struct {
	store   store.Store
	prices  *pricing.Catalog
	idem    *idempotency.Store
	cache   cache.Cache
	opts    Options
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func New(st store.Store, prices *pricing.Catalog, idem *idempotency.Store, c cache.Cache, opts Options, logger zerolog.Logger) *Ledger {
	opts.setDefaults()
	if c == nil {
		c = cache.Nop{}
	}
	return &Ledger{
		store:   st,
		prices:  prices,
		idem:    idem,
		cache:   c,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.With().Str("component", "ledger").Logger(),
	}
}

// Mutation is one ledger entry to apply to a wallet.
type Mutation struct {
	Kind           store.EntryKind
	Delta          decimal.Decimal
	IdempotencyKey string
	Reason         string

	// Usage, when set, is inserted in the same transaction and linked to the
	// entry.
	Usage *store.UsageEvent
}

// Apply writes m against w inside tx and updates w in place. w must have
// been read in the same transaction (locked) or, on the optimistic path,
// carry the version the caller read. A version mismatch aborts the
// transaction.
func (l *Ledger) Apply(ctx context.Context, tx store.Tx, w *store.Wallet, m Mutation) (*store.LedgerEntry, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown entry kind %q", ErrInvalidRequest, m.Kind)
	}
	if m.Kind.Credit() && m.Delta.IsNegative() {
		return nil, fmt.Errorf("%w: %s entries cannot be negative", ErrInvalidAmount, m.Kind)
	}
	if !store.WithinScale(m.Delta) {
		return nil, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, m.Delta, store.AmountScale)
	}

	newBalance := w.Balance.Add(m.Delta)
	if newBalance.IsNegative() {
		return nil, ErrInsufficientCredit
	}

	now := l.clock.Now()
	entry := &store.LedgerEntry{
		ID:           uuid.NewString(),
		WalletID:     w.ID,
		Kind:         m.Kind,
		Delta:        m.Delta,
		BalanceAfter: newBalance,
		CreatedAt:    now,
	}
	if m.IdempotencyKey != "" {
		key := m.IdempotencyKey
		entry.IdempotencyKey = &key
	}
	if m.Reason != "" {
		reason := m.Reason
		entry.Reason = &reason
	}

	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert ledger entry failed: %w", err)
	}

	ok, err := tx.UpdateWalletBalance(ctx, w.ID, newBalance, w.Version, now)
	if err != nil {
		return nil, fmt.Errorf("update wallet failed: %w", err)
	}
	if !ok {
		return nil, errVersionConflict
	}

	if m.Usage != nil {
		m.Usage.WalletID = w.ID
		m.Usage.LedgerEntryID = entry.ID
		m.Usage.CreatedAt = now
		if entry.IdempotencyKey != nil {
			m.Usage.IdempotencyKey = entry.IdempotencyKey
		}
		if err := tx.InsertUsageEvent(ctx, m.Usage); err != nil {
			return nil, fmt.Errorf("insert usage event failed: %w", err)
		}
	}

	w.Balance = newBalance
	w.Version++
	w.UpdatedAt = now
	return entry, nil
}

// LockOrCreateWallet returns the user's wallet locked inside tx, creating an
// empty one first if the user has none.
func (l *Ledger) LockOrCreateWallet(ctx context.Context, tx store.Tx, userID string) (*store.Wallet, error) {
	now := l.clock.Now()
	err := tx.CreateWalletIfAbsent(ctx, &store.Wallet{
		ID:        uuid.NewString(),
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		return nil, fmt.Errorf("create wallet failed: %w", err)
	}
	w, err := tx.LockWalletByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet failed: %w", err)
	}
	return w, nil
}

// EnsureWallet is the get-or-create for a user's wallet.
func (l *Ledger) EnsureWallet(ctx context.Context, userID string) (*store.Wallet, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	var w *store.Wallet
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = l.LockOrCreateWallet(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// BalanceCacheKey is the cache key holding a wallet's balance.
func BalanceCacheKey(walletID string) string {
	return "wallet:balance:" + walletID
}

// BalanceCacheEntry is the cached form of w's balance, tagged with the
// wallet version it was read at.
func BalanceCacheEntry(w *store.Wallet) cache.Versioned {
	return cache.Versioned{Version: w.Version, Value: []byte(w.Balance.String())}
}

// DecodeCachedBalance parses a value written from BalanceCacheEntry.
func DecodeCachedBalance(b []byte) (decimal.Decimal, error) {
	v, err := cache.SplitVersioned(b)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(string(v.Value))
}

// CacheBalance records a committed balance. The write is skipped when the
// cache already holds the same or a later wallet version, so writers that
// finish out of order cannot leave an older balance behind.
func (l *Ledger) CacheBalance(ctx context.Context, w *store.Wallet) {
	if _, err := cache.SetIfNewer(ctx, l.cache, BalanceCacheKey(w.ID), BalanceCacheEntry(w), l.opts.BalanceCacheTTL); err != nil {
		l.log.Warn().Err(err).Str("wallet_id", w.ID).Msg("balance cache write failed")
	}
}

// movement describes one idempotent balance change for execute.
type movement struct {
	op       string
	strategy Strategy
	walletID string
	// userID, when set, must own the wallet.
	userID   string
	key      string
	resource string

	// prepare runs once, before any transaction, after the fast idempotency
	// check missed.
	prepare func(ctx context.Context) error
	// mutate builds the mutation from the wallet state. It runs once per
	// attempt and is where funds checks belong.
	mutate func(w *store.Wallet) (Mutation, error)
	// respond builds the response value and the produced resource id.
	respond func(w *store.Wallet, e *store.LedgerEntry, m Mutation) (any, string)
}

type outcome struct {
	response []byte
	wallet   *store.Wallet
	replayed bool
}

func (l *Ledger) execute(ctx context.Context, mv movement) (*outcome, error) {
	start := time.Now()

	out, err := l.run(ctx, mv)

	result := metrics.ResultOK
	switch {
	case err == nil && out.replayed:
		result = metrics.ResultReplay
	case errors.Is(err, ErrInsufficientCredit):
		result = metrics.ResultInsufficient
	case errors.Is(err, ErrConcurrencyConflict):
		result = metrics.ResultConflict
	case err != nil:
		result = metrics.ResultError
	}
	l.metrics.Operation(mv.op, mv.strategy.String(), result, time.Since(start))

	if err != nil {
		return nil, err
	}

	l.log.Debug().
		Str("operation", mv.op).
		Str("strategy", mv.strategy.String()).
		Str("wallet_id", mv.walletID).
		Bool("replayed", out.replayed).
		Dur("duration_ms", time.Since(start)).
		Msg("ledger operation completed")

	return out, nil
}

// idempotencyKey scopes a caller key to the wallet and the operation. The
// ledger's unique (wallet, key) index still rejects the same key on a second
// operation, which surfaces as ErrDuplicateRequest instead of a replay of the
// other operation's response.
func idempotencyKey(walletID, op, key string) string {
	return idempotency.ScopedKey(walletID+":"+op, key)
}

func (l *Ledger) run(ctx context.Context, mv movement) (*outcome, error) {
	var scoped string
	if mv.key != "" {
		scoped = idempotencyKey(mv.walletID, mv.op, mv.key)
		if b, ok := l.idem.Check(ctx, scoped); ok {
			if err := l.checkOwner(ctx, mv); err != nil {
				return nil, err
			}
			return &outcome{response: b, replayed: true}, nil
		}
	}

	if mv.prepare != nil {
		if err := mv.prepare(ctx); err != nil {
			return nil, err
		}
	}

	var (
		out *outcome
		err error
	)
	if mv.strategy == Optimistic {
		out, err = l.runOptimistic(ctx, mv, scoped)
	} else {
		out, err = l.runPessimistic(ctx, mv, scoped)
	}

	if errors.Is(err, store.ErrDuplicate) && scoped != "" {
		// Another writer committed the same key between our check and our
		// insert. Answer with its response.
		return l.replayPersisted(ctx, scoped)
	}
	if err != nil {
		return nil, err
	}

	if !out.replayed {
		l.CacheBalance(ctx, out.wallet)
	}
	if scoped != "" {
		l.idem.Commit(ctx, scoped, out.response, l.opts.IdempotencyTTL)
	}
	return out, nil
}

func (l *Ledger) runPessimistic(ctx context.Context, mv movement, scoped string) (*outcome, error) {
	var out *outcome
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWallet(ctx, mv.walletID)
		if err != nil {
			return walletErr(err)
		}
		if mv.userID != "" && w.UserID != mv.userID {
			return ErrWalletNotFound
		}

		if scoped != "" {
			b, ok, err := l.idem.Lookup(ctx, tx, scoped)
			if err != nil {
				return err
			}
			if ok {
				out = &outcome{response: b, replayed: true}
				return nil
			}
		}

		out, err = l.write(ctx, tx, w, mv, scoped)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (l *Ledger) runOptimistic(ctx context.Context, mv movement, scoped string) (*outcome, error) {
	for attempt := 1; attempt <= l.opts.MaxAttempts; attempt++ {
		var (
			w      *store.Wallet
			replay *outcome
		)
		err := l.store.View(ctx, func(tx store.Tx) error {
			var err error
			w, err = tx.GetWallet(ctx, mv.walletID)
			if err != nil {
				return walletErr(err)
			}
			if mv.userID != "" && w.UserID != mv.userID {
				return ErrWalletNotFound
			}
			if scoped != "" {
				b, ok, err := l.idem.Lookup(ctx, tx, scoped)
				if err != nil {
					return err
				}
				if ok {
					replay = &outcome{response: b, replayed: true}
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		if replay != nil {
			return replay, nil
		}

		var out *outcome
		err = l.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			out, err = l.write(ctx, tx, w, mv, scoped)
			return err
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, errVersionConflict) {
			return nil, err
		}

		l.metrics.VersionRetry(mv.op)
		l.log.Warn().
			Str("operation", mv.op).
			Str("wallet_id", mv.walletID).
			Int("attempt", attempt).
			Int64("read_version", w.Version).
			Msg("wallet version conflict")

		if attempt < l.opts.MaxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(l.opts.Backoff):
			}
		}
	}

	l.log.Warn().
		Str("operation", mv.op).
		Str("wallet_id", mv.walletID).
		Int("attempts", l.opts.MaxAttempts).
		Msg("optimistic retries exhausted")
	return nil, ErrConcurrencyConflict
}

// write applies the movement and persists its response inside tx.
func (l *Ledger) write(ctx context.Context, tx store.Tx, w *store.Wallet, mv movement, scoped string) (*outcome, error) {
	m, err := mv.mutate(w)
	if err != nil {
		return nil, err
	}
	m.IdempotencyKey = mv.key

	entry, err := l.Apply(ctx, tx, w, m)
	if err != nil {
		return nil, err
	}

	value, resourceID := mv.respond(w, entry, m)
	b, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode response failed: %w", err)
	}

	if scoped != "" {
		err := l.idem.Record(ctx, tx, &store.IdempotencyRecord{
			Key:          scoped,
			UserID:       w.UserID,
			ResourceType: mv.resource,
			ResourceID:   resourceID,
			Response:     b,
			ExpiresAt:    l.clock.Now().Add(l.opts.IdempotencyTTL),
		})
		if err != nil {
			return nil, err
		}
	}

	return &outcome{response: b, wallet: w}, nil
}

func (l *Ledger) replayPersisted(ctx context.Context, scoped string) (*outcome, error) {
	var out *outcome
	err := l.store.View(ctx, func(tx store.Tx) error {
		b, ok, err := l.idem.Lookup(ctx, tx, scoped)
		if err != nil {
			return err
		}
		if ok {
			out = &outcome{response: b, replayed: true}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrDuplicateRequest
	}
	return out, nil
}

// checkOwner applies the ownership rule of the locked paths to a replay
// answered from the cache.
func (l *Ledger) checkOwner(ctx context.Context, mv movement) error {
	if mv.userID == "" {
		return nil
	}
	w, err := l.GetWallet(ctx, mv.walletID)
	if err != nil {
		return err
	}
	if w.UserID != mv.userID {
		return ErrWalletNotFound
	}
	return nil
}

func walletErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrWalletNotFound
	}
	return fmt.Errorf("wallet query failed: %w", err)
}

// checkFunds applies the debit rule: the wallet must hold a positive balance
// that covers the full cost. Debits are never clamped.
func checkFunds(w *store.Wallet, cost decimal.Decimal) error {
	if w.Balance.Sign() <= 0 || w.Balance.LessThan(cost) {
		return ErrInsufficientCredit
	}
	return nil
}

func decode(out *outcome, v any) error {
	if err := json.Unmarshal(out.response, v); err != nil {
		return fmt.Errorf("decode response failed: %w", err)
	}
	return nil
}
