// Package store defines the relational persistence contract for wallets,
// the ledger, usage events, prices, plans, subscriptions and idempotency
// records.
//
// Every money movement happens inside WithTx. Implementations must give
// LockWallet and LockSubscription row-lock semantics (SELECT ... FOR UPDATE
// on Postgres) and must make UpdateWalletBalance a compare-and-swap on the
// wallet version so optimistic writers detect concurrent commits.
//
// Two implementations ship with the repository:
//   - postgres: sqlx over lib/pq, the production store
//   - memory: a single-process store used by tests and local development
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint rejects an insert,
	// e.g. a reused (wallet_id, idempotency_key) pair.
	ErrDuplicate = errors.New("store: duplicate key")

	// ErrLockTimeout is returned when a row lock could not be acquired within
	// the store's lock or statement timeout. Callers may retry.
	ErrLockTimeout = errors.New("store: lock timeout")
)

// Store opens transactions. View runs read-only work and must not be used to
// write.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is the set of queries available inside a transaction.
type Tx interface {
	WalletQueries
	LedgerQueries
	UsageQueries
	PriceQueries
	PlanQueries
	SubscriptionQueries
	IdempotencyQueries
	RefillQueries
}

type WalletQueries interface {
	GetWallet(ctx context.Context, id string) (*Wallet, error)
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	// LockWallet reads a wallet and holds its row lock until the transaction ends.
	LockWallet(ctx context.Context, id string) (*Wallet, error)
	LockWalletByUser(ctx context.Context, userID string) (*Wallet, error)
	// CreateWalletIfAbsent inserts w unless the user already owns a wallet.
	CreateWalletIfAbsent(ctx context.Context, w *Wallet) error
	// UpdateWalletBalance sets the balance and bumps the version only if the
	// stored version still equals expectedVersion. It reports whether a row
	// was updated.
	UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64, now time.Time) (bool, error)
	// ListWallets pages through wallets ordered by id, starting after afterID.
	ListWallets(ctx context.Context, afterID string, limit int) ([]Wallet, error)
}

type LedgerQueries interface {
	InsertLedgerEntry(ctx context.Context, e *LedgerEntry) error
	FindLedgerEntryByKey(ctx context.Context, walletID, key string) (*LedgerEntry, error)
	ListLedgerEntries(ctx context.Context, walletID string, limit int) ([]LedgerEntry, error)
	// SumLedgerDeltas returns the sum of all deltas and the entry count.
	SumLedgerDeltas(ctx context.Context, walletID string) (decimal.Decimal, int64, error)
}

type UsageQueries interface {
	InsertUsageEvent(ctx context.Context, e *UsageEvent) error
	GetUsageEvent(ctx context.Context, id string) (*UsageEvent, error)
	ListUsageEvents(ctx context.Context, walletID string, limit int) ([]UsageEvent, error)
}

type PriceQueries interface {
	GetActivePrice(ctx context.Context, provider, model string) (*PriceRecord, error)
	UpsertPrice(ctx context.Context, p *PriceRecord) error
	SetPriceActive(ctx context.Context, provider, model string, active bool, now time.Time) error
	ListPrices(ctx context.Context) ([]PriceRecord, error)
}

type PlanQueries interface {
	GetPlan(ctx context.Context, id string) (*Plan, error)
	UpsertPlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context) ([]Plan, error)
}

type SubscriptionQueries interface {
	InsertSubscription(ctx context.Context, s *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	LockSubscription(ctx context.Context, id string) (*Subscription, error)
	GetActiveSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)
	LockActiveSubscriptionByUser(ctx context.Context, userID string) (*Subscription, error)
	UpdateSubscription(ctx context.Context, s *Subscription) error
	// ExpireSubscriptions moves canceled subscriptions whose period ended at
	// or before now to expired and returns how many changed.
	ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

type IdempotencyQueries interface {
	GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error)
	InsertIdempotencyRecord(ctx context.Context, r *IdempotencyRecord) error
	DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error)
}

type RefillQueries interface {
	InsertRefill(ctx context.Context, r *RefillRecord) error
	ListRefills(ctx context.Context, subscriptionID string, limit int) ([]RefillRecord, error)
}
