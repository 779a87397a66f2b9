// Package api is the HTTP/JSON adapter over the ledger, the price catalog
// and the subscription engine.
//
// This layer owns three things:
//  1. Request decoding and the translation of wire bodies into engine
//     requests (strategy names, Idempotency-Key header).
//  2. Error translation from the engines' sentinel errors to status codes.
//  3. Routing and middleware (handler.go).
//
// It holds no business state. Every rule lives in the engines, so the CLI
// and the HTTP server behave the same way.
package api

import (
	"errors"
	"net/http"

	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/store"
	"github.com/kelpejol/tally/internal/subscription"
	"github.com/shopspring/decimal"
)

// errBadRequest marks body and parameter problems found before an engine
// is called.
var errBadRequest = errors.New("bad request")

type usageBody struct {
	WalletID       string `json:"wallet_id"`
	UserID         string `json:"user_id"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	InputUnits     int64  `json:"input_units"`
	OutputUnits    int64  `json:"output_units"`
	CachedUnits    int64  `json:"cached_units"`
	CallCount      int64  `json:"call_count"`
	IdempotencyKey string `json:"idempotency_key"`
	Strategy       string `json:"strategy"`
}

func (b usageBody) request() (ledger.UsageRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	if err != nil {
		return ledger.UsageRequest{}, err
	}
	return ledger.UsageRequest{
		WalletID:       b.WalletID,
		UserID:         b.UserID,
		Provider:       b.Provider,
		Model:          b.Model,
		InputUnits:     b.InputUnits,
		OutputUnits:    b.OutputUnits,
		CachedUnits:    b.CachedUnits,
		CallCount:      b.CallCount,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, nil
}

type grantBody struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Strategy       string          `json:"strategy"`
}

func (b grantBody) request() (ledger.GrantRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	return ledger.GrantRequest{
		UserID:         b.UserID,
		Amount:         b.Amount,
		Reason:         b.Reason,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, err
}

type purchaseBody struct {
	WalletID       string          `json:"wallet_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	InvoiceID      string          `json:"invoice_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Strategy       string          `json:"strategy"`
}

func (b purchaseBody) request() (ledger.PurchaseRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	return ledger.PurchaseRequest{
		WalletID:       b.WalletID,
		UserID:         b.UserID,
		Amount:         b.Amount,
		InvoiceID:      b.InvoiceID,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, err
}

type deductBody struct {
	WalletID       string          `json:"wallet_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Strategy       string          `json:"strategy"`
}

func (b deductBody) request() (ledger.DeductRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	return ledger.DeductRequest{
		WalletID:       b.WalletID,
		UserID:         b.UserID,
		Amount:         b.Amount,
		Reason:         b.Reason,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, err
}

type refundBody struct {
	WalletID       string          `json:"wallet_id"`
	UsageID        string          `json:"usage_id"`
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Strategy       string          `json:"strategy"`
}

func (b refundBody) request() (ledger.RefundRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	return ledger.RefundRequest{
		WalletID:       b.WalletID,
		UsageID:        b.UsageID,
		Amount:         b.Amount,
		Reason:         b.Reason,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, err
}

type adjustBody struct {
	WalletID       string          `json:"wallet_id"`
	Delta          decimal.Decimal `json:"delta"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
	Strategy       string          `json:"strategy"`
}

func (b adjustBody) request() (ledger.AdjustRequest, error) {
	s, err := ledger.ParseStrategy(b.Strategy)
	return ledger.AdjustRequest{
		WalletID:       b.WalletID,
		Delta:          b.Delta,
		Reason:         b.Reason,
		IdempotencyKey: b.IdempotencyKey,
		Strategy:       s,
	}, err
}

type priceActiveBody struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Active   *bool  `json:"active"`
}

type createSubscriptionBody struct {
	UserID string `json:"user_id"`
	PlanID string `json:"plan_id"`
}

type upgradeBody struct {
	PlanID string `json:"plan_id"`
}

// Error codes carried in the error body next to the HTTP status.
const (
	codeBadRequest          = "invalid_request"
	codeNotFound            = "not_found"
	codeInsufficientCredit  = "insufficient_credit"
	codeConcurrencyConflict = "concurrency_conflict"
	codeInvalidState        = "invalid_state"
	codeRefillInProgress    = "refill_in_progress"
	codeDuplicateRequest    = "duplicate_request"
	codeUnavailable         = "unavailable"
	codeInternal            = "internal"
)

// translateError maps engine errors to a status, a stable code and whether
// the message is safe to show the caller.
func translateError(err error) (status int, code string, public bool) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientCredit):
		return http.StatusPaymentRequired, codeInsufficientCredit, true
	case errors.Is(err, ledger.ErrConcurrencyConflict):
		return http.StatusConflict, codeConcurrencyConflict, true
	case errors.Is(err, ledger.ErrDuplicateRequest):
		return http.StatusConflict, codeDuplicateRequest, true
	case errors.Is(err, subscription.ErrRefillInProgress):
		return http.StatusConflict, codeRefillInProgress, true
	case errors.Is(err, subscription.ErrInvalidPlanState),
		errors.Is(err, subscription.ErrActiveSubscriptionExists):
		return http.StatusConflict, codeInvalidState, true
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, codeNotFound, true
	case errors.Is(err, errBadRequest),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidRequest),
		errors.Is(err, ledger.ErrIdempotencyKeyRequired),
		errors.Is(err, pricing.ErrInvalidPrice),
		errors.Is(err, subscription.ErrInvalidPlan):
		return http.StatusBadRequest, codeBadRequest, true
	case errors.Is(err, store.ErrLockTimeout):
		return http.StatusServiceUnavailable, codeUnavailable, true
	}
	return http.StatusInternalServerError, codeInternal, false
}
