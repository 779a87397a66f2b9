package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

// UsageRequest bills one metered call against a wallet.
type UsageRequest struct {
	WalletID       string
	UserID         string
	Provider       string
	Model          string
	InputUnits     int64
	OutputUnits    int64
	CachedUnits    int64
	CallCount      int64
	IdempotencyKey string
	Strategy       Strategy
}

type UsageResult struct {
	UsageID       string          `json:"usage_id"`
	WalletID      string          `json:"wallet_id"`
	LedgerEntryID string          `json:"ledger_entry_id"`
	BillableCost  decimal.Decimal `json:"billable_cost"`
	NewBalance    decimal.Decimal `json:"new_balance"`
	Replayed      bool            `json:"-"`
}

// ConsumeUsage prices the usage, debits the wallet and records a UsageEvent
// carrying the rates in force at billing time. The price is resolved before
// the wallet lock is taken.
func (l *Ledger) ConsumeUsage(ctx context.Context, req UsageRequest) (*UsageResult, error) {
	if req.WalletID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: wallet_id and user_id are required", ErrInvalidRequest)
	}
	if req.Provider == "" || req.Model == "" {
		return nil, fmt.Errorf("%w: provider and model are required", ErrInvalidRequest)
	}
	if req.InputUnits < 0 || req.OutputUnits < 0 || req.CachedUnits < 0 || req.CallCount < 0 {
		return nil, fmt.Errorf("%w: unit counts must not be negative", ErrInvalidAmount)
	}
	if req.CallCount == 0 {
		req.CallCount = 1
	}

	var price *store.PriceRecord
	mv := movement{
		op:       "consume_usage",
		strategy: req.Strategy.or(Pessimistic),
		walletID: req.WalletID,
		userID:   req.UserID,
		key:      req.IdempotencyKey,
		resource: "usage_event",
		prepare: func(ctx context.Context) error {
			var err error
			price, err = l.prices.GetPrice(ctx, req.Provider, req.Model)
			return err
		},
		mutate: func(w *store.Wallet) (Mutation, error) {
			vendor, billable := pricing.Quote(price, req.InputUnits, req.OutputUnits)
			if err := checkFunds(w, billable); err != nil {
				return Mutation{}, err
			}
			return Mutation{
				Kind:   store.KindDebit,
				Delta:  billable.Neg(),
				Reason: fmt.Sprintf("usage:%s/%s", req.Provider, req.Model),
				Usage: &store.UsageEvent{
					ID:           uuid.NewString(),
					UserID:       req.UserID,
					PriceID:      price.ID,
					Provider:     price.Provider,
					Model:        price.Model,
					InputUnits:   req.InputUnits,
					OutputUnits:  req.OutputUnits,
					CachedUnits:  req.CachedUnits,
					CallCount:    req.CallCount,
					InputRate:    price.InputRate,
					OutputRate:   price.OutputRate,
					Markup:       price.Markup,
					VendorCost:   vendor,
					BillableCost: billable,
				},
			}, nil
		},
		respond: func(w *store.Wallet, e *store.LedgerEntry, m Mutation) (any, string) {
			return UsageResult{
				UsageID:       m.Usage.ID,
				WalletID:      w.ID,
				LedgerEntryID: e.ID,
				BillableCost:  m.Usage.BillableCost,
				NewBalance:    w.Balance,
			}, m.Usage.ID
		},
	}

	out, err := l.execute(ctx, mv)
	if err != nil {
		return nil, err
	}
	var res UsageResult
	if err := decode(out, &res); err != nil {
		return nil, err
	}
	res.Replayed = out.replayed
	return &res, nil
}

// CreditResult is returned by every additive operation.
type CreditResult struct {
	WalletID   string          `json:"wallet_id"`
	LedgerID   string          `json:"ledger_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Replayed   bool            `json:"-"`
}

type GrantRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	Strategy       Strategy
}

// GrantCredit adds credit to the user's wallet, creating the wallet if the
// user has none.
func (l *Ledger) GrantCredit(ctx context.Context, req GrantRequest) (*CreditResult, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: grant amount must be positive", ErrInvalidAmount)
	}
	w, err := l.EnsureWallet(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = "grant"
	}
	return l.credit(ctx, movement{
		op:       "grant_credit",
		strategy: req.Strategy.or(Pessimistic),
		walletID: w.ID,
		userID:   req.UserID,
		key:      req.IdempotencyKey,
		resource: "ledger_entry",
	}, store.KindGrant, req.Amount, reason)
}

type PurchaseRequest struct {
	WalletID       string
	UserID         string
	Amount         decimal.Decimal
	InvoiceID      string
	IdempotencyKey string
	Strategy       Strategy
}

// PurchaseCredit credits an invoice-confirmed purchase. The idempotency key
// is mandatory because payment webhooks are delivered at least once.
func (l *Ledger) PurchaseCredit(ctx context.Context, req PurchaseRequest) (*CreditResult, error) {
	if req.IdempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if req.WalletID == "" || req.UserID == "" || req.InvoiceID == "" {
		return nil, fmt.Errorf("%w: wallet_id, user_id and invoice_id are required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: purchase amount must be positive", ErrInvalidAmount)
	}

	return l.credit(ctx, movement{
		op:       "purchase_credit",
		strategy: req.Strategy.or(Pessimistic),
		walletID: req.WalletID,
		userID:   req.UserID,
		key:      req.IdempotencyKey,
		resource: "ledger_entry",
	}, store.KindPurchase, req.Amount, "invoice:"+req.InvoiceID)
}

type RefundRequest struct {
	WalletID       string
	UsageID        string
	// Amount defaults to the usage event's full billable cost.
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	Strategy       Strategy
}

// Refund credits back some or all of a billed usage event. Without an
// explicit key the refund is keyed by the usage id, so a usage event is
// refunded at most once.
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*CreditResult, error) {
	if req.WalletID == "" || req.UsageID == "" {
		return nil, fmt.Errorf("%w: wallet_id and usage_id are required", ErrInvalidRequest)
	}
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: refund amount must not be negative", ErrInvalidAmount)
	}
	key := req.IdempotencyKey
	if key == "" {
		key = "refund:" + req.UsageID
	}

	var ev *store.UsageEvent
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		ev, err = tx.GetUsageEvent(ctx, req.UsageID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("ledger: usage event %s not found: %w", req.UsageID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("usage query failed: %w", err)
	}
	if ev.WalletID != req.WalletID {
		return nil, fmt.Errorf("%w: usage %s does not belong to wallet %s", ErrInvalidRequest, req.UsageID, req.WalletID)
	}

	amount := req.Amount
	if amount.IsZero() {
		amount = ev.BillableCost
	}
	if amount.GreaterThan(ev.BillableCost) || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: refund must be positive and at most %s", ErrInvalidAmount, ev.BillableCost)
	}

	reason := "refund:" + req.UsageID
	if req.Reason != "" {
		reason += " " + req.Reason
	}
	return l.credit(ctx, movement{
		op:       "refund",
		strategy: req.Strategy.or(Pessimistic),
		walletID: req.WalletID,
		key:      key,
		resource: "ledger_entry",
	}, store.KindRefund, amount, reason)
}

func (l *Ledger) credit(ctx context.Context, mv movement, kind store.EntryKind, amount decimal.Decimal, reason string) (*CreditResult, error) {
	mv.mutate = func(*store.Wallet) (Mutation, error) {
		return Mutation{Kind: kind, Delta: amount, Reason: reason}, nil
	}
	mv.respond = func(w *store.Wallet, e *store.LedgerEntry, _ Mutation) (any, string) {
		return CreditResult{WalletID: w.ID, LedgerID: e.ID, NewBalance: w.Balance}, e.ID
	}

	out, err := l.execute(ctx, mv)
	if err != nil {
		return nil, err
	}
	var res CreditResult
	if err := decode(out, &res); err != nil {
		return nil, err
	}
	res.Replayed = out.replayed

	l.log.Info().
		Str("operation", mv.op).
		Str("wallet_id", res.WalletID).
		Str("amount", amount.String()).
		Str("new_balance", res.NewBalance.String()).
		Bool("replayed", res.Replayed).
		Msg("credit applied")

	return &res, nil
}

type DeductRequest struct {
	WalletID       string
	UserID         string
	Amount         decimal.Decimal
	Reason         string
	IdempotencyKey string
	Strategy       Strategy
}

// DebitResult is returned by subtractive operations without a usage event.
type DebitResult struct {
	WalletID   string          `json:"wallet_id"`
	LedgerID   string          `json:"ledger_id"`
	NewBalance decimal.Decimal `json:"new_balance"`
	Replayed   bool            `json:"-"`
}

// Deduct is a straight debit with no usage event. It defaults to the
// optimistic strategy.
func (l *Ledger) Deduct(ctx context.Context, req DeductRequest) (*DebitResult, error) {
	if req.WalletID == "" {
		return nil, fmt.Errorf("%w: wallet_id is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: deduction must be positive", ErrInvalidAmount)
	}
	reason := req.Reason
	if reason == "" {
		reason = "deduction"
	}

	return l.debit(ctx, movement{
		op:       "deduct",
		strategy: req.Strategy.or(Optimistic),
		walletID: req.WalletID,
		userID:   req.UserID,
		key:      req.IdempotencyKey,
		resource: "ledger_entry",
		mutate: func(w *store.Wallet) (Mutation, error) {
			if err := checkFunds(w, req.Amount); err != nil {
				return Mutation{}, err
			}
			return Mutation{Kind: store.KindDebit, Delta: req.Amount.Neg(), Reason: reason}, nil
		},
	})
}

type AdjustRequest struct {
	WalletID       string
	Delta          decimal.Decimal
	Reason         string
	IdempotencyKey string
	Strategy       Strategy
}

// Adjust applies a signed admin correction. It fails with
// ErrInsufficientCredit if the balance would go negative.
func (l *Ledger) Adjust(ctx context.Context, req AdjustRequest) (*DebitResult, error) {
	if req.WalletID == "" {
		return nil, fmt.Errorf("%w: wallet_id is required", ErrInvalidRequest)
	}
	if req.Delta.IsZero() {
		return nil, fmt.Errorf("%w: adjustment must not be zero", ErrInvalidAmount)
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%w: adjustments require a reason", ErrInvalidRequest)
	}

	return l.debit(ctx, movement{
		op:       "adjust",
		strategy: req.Strategy.or(Pessimistic),
		walletID: req.WalletID,
		key:      req.IdempotencyKey,
		resource: "ledger_entry",
		mutate: func(*store.Wallet) (Mutation, error) {
			return Mutation{Kind: store.KindAdjustment, Delta: req.Delta, Reason: req.Reason}, nil
		},
	})
}

func (l *Ledger) debit(ctx context.Context, mv movement) (*DebitResult, error) {
	mv.respond = func(w *store.Wallet, e *store.LedgerEntry, _ Mutation) (any, string) {
		return DebitResult{WalletID: w.ID, LedgerID: e.ID, NewBalance: w.Balance}, e.ID
	}

	out, err := l.execute(ctx, mv)
	if err != nil {
		return nil, err
	}
	var res DebitResult
	if err := decode(out, &res); err != nil {
		return nil, err
	}
	res.Replayed = out.replayed
	return &res, nil
}
