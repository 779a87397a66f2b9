package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is the per-user balance. Balance always equals the sum of the
// wallet's ledger deltas once the owning transaction has committed.
type Wallet struct {
	ID        string          `db:"id" json:"id"`
	UserID    string          `db:"user_id" json:"user_id"`
	Balance   decimal.Decimal `db:"balance" json:"balance"`
	Version   int64           `db:"version" json:"version"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// AmountScale is the number of decimal places every stored amount carries.
// It matches the NUMERIC(24, 8) money columns of the Postgres schema.
const AmountScale int32 = 8

// WithinScale reports whether d can be stored without rounding.
func WithinScale(d decimal.Decimal) bool {
	return d.Equal(d.Round(AmountScale))
}

// EntryKind tags a ledger entry. The set is closed.
type EntryKind string

const (
	KindPurchase           EntryKind = "purchase"
	KindGrant              EntryKind = "grant"
	KindDebit              EntryKind = "debit"
	KindRefund             EntryKind = "refund"
	KindAdjustment         EntryKind = "adjustment"
	KindSubscriptionGrant  EntryKind = "subscription_grant"
	KindSubscriptionReset  EntryKind = "subscription_reset"
	KindSubscriptionRefill EntryKind = "subscription_refill"
)

// Valid reports whether k is one of the known kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindPurchase, KindGrant, KindDebit, KindRefund, KindAdjustment,
		KindSubscriptionGrant, KindSubscriptionReset, KindSubscriptionRefill:
		return true
	}
	return false
}

// Credit reports whether entries of this kind may only add to a balance.
func (k EntryKind) Credit() bool {
	switch k {
	case KindPurchase, KindGrant, KindRefund, KindSubscriptionGrant, KindSubscriptionRefill:
		return true
	}
	return false
}

// LedgerEntry is one immutable balance change.
type LedgerEntry struct {
	ID             string          `db:"id" json:"id"`
	WalletID       string          `db:"wallet_id" json:"wallet_id"`
	Kind           EntryKind       `db:"kind" json:"kind"`
	Delta          decimal.Decimal `db:"delta" json:"delta"`
	BalanceAfter   decimal.Decimal `db:"balance_after" json:"balance_after"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	Reason         *string         `db:"reason" json:"reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// UsageEvent records one billed usage with the price snapshot used to bill it.
type UsageEvent struct {
	ID             string          `db:"id" json:"id"`
	WalletID       string          `db:"wallet_id" json:"wallet_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	LedgerEntryID  string          `db:"ledger_entry_id" json:"ledger_entry_id"`
	PriceID        string          `db:"price_id" json:"price_id"`
	Provider       string          `db:"provider" json:"provider"`
	Model          string          `db:"model" json:"model"`
	InputUnits     int64           `db:"input_units" json:"input_units"`
	OutputUnits    int64           `db:"output_units" json:"output_units"`
	CachedUnits    int64           `db:"cached_units" json:"cached_units"`
	CallCount      int64           `db:"call_count" json:"call_count"`
	InputRate      decimal.Decimal `db:"input_rate" json:"input_rate"`
	OutputRate     decimal.Decimal `db:"output_rate" json:"output_rate"`
	Markup         decimal.Decimal `db:"markup" json:"markup"`
	VendorCost     decimal.Decimal `db:"vendor_cost" json:"vendor_cost"`
	BillableCost   decimal.Decimal `db:"billable_cost" json:"billable_cost"`
	IdempotencyKey *string         `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// PriceRecord holds per-unit billing rates for one (provider, model).
type PriceRecord struct {
	ID         string          `db:"id" json:"id"`
	Provider   string          `db:"provider" json:"provider"`
	Model      string          `db:"model" json:"model"`
	InputRate  decimal.Decimal `db:"input_rate" json:"input_rate"`
	OutputRate decimal.Decimal `db:"output_rate" json:"output_rate"`
	Markup     decimal.Decimal `db:"markup" json:"markup"`
	Active     bool            `db:"active" json:"active"`
	UpdatedAt  time.Time       `db:"updated_at" json:"updated_at"`
}

// Plan configures a subscription's quota and refill behaviour.
type Plan struct {
	ID                  string          `db:"id" json:"id"`
	Name                string          `db:"name" json:"name"`
	MonthlyQuota        decimal.Decimal `db:"monthly_quota" json:"monthly_quota"`
	RefillAmount        decimal.Decimal `db:"refill_amount" json:"refill_amount"`
	RefillIntervalHours int             `db:"refill_interval_hours" json:"refill_interval_hours"`
	MaxRefillCount      int             `db:"max_refill_count" json:"max_refill_count"`
	MaxRefillBalance    decimal.Decimal `db:"max_refill_balance" json:"max_refill_balance"`
	Rollover            bool            `db:"rollover" json:"rollover"`
	Active              bool            `db:"active" json:"active"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// Subscription binds a user and one wallet to a plan for a billing period.
type Subscription struct {
	ID                 string             `db:"id" json:"id"`
	UserID             string             `db:"user_id" json:"user_id"`
	PlanID             string             `db:"plan_id" json:"plan_id"`
	WalletID           string             `db:"wallet_id" json:"wallet_id"`
	Status             SubscriptionStatus `db:"status" json:"status"`
	CurrentPeriodStart time.Time          `db:"current_period_start" json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `db:"current_period_end" json:"current_period_end"`
	LastRefillAt       *time.Time         `db:"last_refill_at" json:"last_refill_at,omitempty"`
	RefillCount        int                `db:"refill_count" json:"refill_count"`
	CanceledAt         *time.Time         `db:"canceled_at" json:"canceled_at,omitempty"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time          `db:"updated_at" json:"updated_at"`
}

// IdempotencyRecord is the persisted copy of a response produced for a key.
type IdempotencyRecord struct {
	Key          string    `db:"key"`
	UserID       string    `db:"user_id"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Response     []byte    `db:"response"`
	ExpiresAt    time.Time `db:"expires_at"`
	CreatedAt    time.Time `db:"created_at"`
}

// RefillRecord is the refill history row written next to every refill entry.
type RefillRecord struct {
	ID             string          `db:"id" json:"id"`
	SubscriptionID string          `db:"subscription_id" json:"subscription_id"`
	WalletID       string          `db:"wallet_id" json:"wallet_id"`
	UserID         string          `db:"user_id" json:"user_id"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore  decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter   decimal.Decimal `db:"balance_after" json:"balance_after"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}
