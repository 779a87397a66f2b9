// Package subscription runs plan subscriptions on top of the ledger:
// creation, monthly renewal, interval refills, cancellation, plan changes
// with day-based proration and the expiry sweep.
//
// State machine per subscription:
//
//	active -> active    (renewal, period extended from the previous end)
//	active -> canceled  (wallet stays usable until the period ends)
//	canceled -> expired (sweep, once the period has ended)
//
// There is no way back to active; a new subscription must be created.
//
// Every mutation locks the subscription row, then the wallet row, and writes
// through ledger.Apply so the wallet's balance stays equal to the sum of its
// entries.
package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var (
	ErrSubscriptionNotFound = fmt.Errorf("subscription: not found: %w", store.ErrNotFound)
	ErrPlanNotFound         = fmt.Errorf("subscription: plan not found: %w", store.ErrNotFound)

	// ErrInvalidPlanState covers transitions the state machine forbids, such
	// as renewing a canceled subscription.
	ErrInvalidPlanState = errors.New("subscription: invalid plan state")

	ErrActiveSubscriptionExists = errors.New("subscription: user already has an active subscription")

	// ErrRefillInProgress means another caller holds the user's refill lock.
	ErrRefillInProgress = errors.New("subscription: refill in progress")

	ErrInvalidPlan = errors.New("subscription: invalid plan")
)

const (
	DefaultPlanCacheTTL  = time.Hour
	DefaultRefillLockTTL = 60 * time.Second
)

type Options struct {
	PlanCacheTTL  time.Duration
	RefillLockTTL time.Duration
	Clock         clock.Clock
	Metrics       *metrics.Metrics
}

// Engine is safe for concurrent use.
type Engine struct {
	store   store.Store
	ledger  *ledger.Ledger
	cache   cache.Cache
	locker  cache.Locker
	opts    Options
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

// New wires the engine. A nil locker disables the distributed refill lock;
// the subscription row lock still serializes refills in that case.
func New(st store.Store, l *ledger.Ledger, c cache.Cache, locker cache.Locker, opts Options, logger zerolog.Logger) *Engine {
	if c == nil {
		c = cache.Nop{}
	}
	if opts.PlanCacheTTL <= 0 {
		opts.PlanCacheTTL = DefaultPlanCacheTTL
	}
	if opts.RefillLockTTL <= 0 {
		opts.RefillLockTTL = DefaultRefillLockTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	return &Engine{
		store:   st,
		ledger:  l,
		cache:   c,
		locker:  locker,
		opts:    opts,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     logger.With().Str("component", "subscription_engine").Logger(),
	}
}

func planCacheKey(id string) string {
	return "plan:" + id
}

// GetPlan reads through the plan cache.
func (e *Engine) GetPlan(ctx context.Context, planID string) (*store.Plan, error) {
	key := planCacheKey(planID)

	if b, err := e.cache.Get(ctx, key); err == nil {
		var p store.Plan
		if json.Unmarshal(b, &p) == nil {
			e.metrics.Cache("plan", metrics.ResultHit)
			return &p, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		e.log.Warn().Err(err).Str("plan_id", planID).Msg("plan cache read failed")
	}
	e.metrics.Cache("plan", metrics.ResultMiss)

	var p *store.Plan
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		p, err = tx.GetPlan(ctx, planID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plan query failed: %w", err)
	}

	if b, err := json.Marshal(p); err == nil {
		if err := e.cache.Set(ctx, key, b, e.opts.PlanCacheTTL); err != nil {
			e.log.Warn().Err(err).Str("plan_id", planID).Msg("plan cache write failed")
		}
	}
	return p, nil
}

// PlanInput is an admin plan definition.
type PlanInput struct {
	ID                  string          `json:"id"`
	Name                string          `json:"name"`
	MonthlyQuota        decimal.Decimal `json:"monthly_quota"`
	RefillAmount        decimal.Decimal `json:"refill_amount"`
	RefillIntervalHours int             `json:"refill_interval_hours"`
	MaxRefillCount      int             `json:"max_refill_count"`
	MaxRefillBalance    decimal.Decimal `json:"max_refill_balance"`
	Rollover            bool            `json:"rollover"`
	Active              *bool           `json:"active,omitempty"`
}

func (in PlanInput) validate() error {
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrInvalidPlan)
	}
	if in.MonthlyQuota.IsNegative() || in.RefillAmount.IsNegative() || in.MaxRefillBalance.IsNegative() {
		return fmt.Errorf("%w: amounts must not be negative", ErrInvalidPlan)
	}
	if !store.WithinScale(in.MonthlyQuota) || !store.WithinScale(in.RefillAmount) || !store.WithinScale(in.MaxRefillBalance) {
		return fmt.Errorf("%w: amounts carry at most %d decimal places", ErrInvalidPlan, store.AmountScale)
	}
	if in.RefillIntervalHours < 0 || in.MaxRefillCount < 0 {
		return fmt.Errorf("%w: refill interval and count must not be negative", ErrInvalidPlan)
	}
	if in.RefillAmount.IsPositive() && in.RefillIntervalHours == 0 {
		return fmt.Errorf("%w: refills need an interval", ErrInvalidPlan)
	}
	return nil
}

// UpsertPlan writes the plan and evicts its cache entry. Existing
// subscriptions pick the change up on their next operation.
func (e *Engine) UpsertPlan(ctx context.Context, in PlanInput) (*store.Plan, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}

	p := &store.Plan{
		ID:                  in.ID,
		Name:                in.Name,
		MonthlyQuota:        in.MonthlyQuota,
		RefillAmount:        in.RefillAmount,
		RefillIntervalHours: in.RefillIntervalHours,
		MaxRefillCount:      in.MaxRefillCount,
		MaxRefillBalance:    in.MaxRefillBalance,
		Rollover:            in.Rollover,
		Active:              active,
		UpdatedAt:           e.clock.Now(),
	}
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertPlan(ctx, p)
	})
	if err != nil {
		return nil, fmt.Errorf("upsert plan failed: %w", err)
	}

	if err := e.cache.Delete(ctx, planCacheKey(p.ID)); err != nil {
		e.log.Error().Err(err).Str("plan_id", p.ID).Msg("plan cache eviction failed")
	}
	e.log.Info().Str("plan_id", p.ID).Str("monthly_quota", p.MonthlyQuota.String()).Bool("active", p.Active).Msg("plan upserted")
	return p, nil
}

func (e *Engine) ListPlans(ctx context.Context) ([]store.Plan, error) {
	var out []store.Plan
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.ListPlans(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list plans failed: %w", err)
	}
	return out, nil
}

func (e *Engine) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	var s *store.Subscription
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.GetSubscription(ctx, id)
		return err
	})
	if err != nil {
		return nil, subscriptionErr(err)
	}
	return s, nil
}

func (e *Engine) GetActiveByUser(ctx context.Context, userID string) (*store.Subscription, error) {
	var s *store.Subscription
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		s, err = tx.GetActiveSubscriptionByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, subscriptionErr(err)
	}
	return s, nil
}

// ListRefills returns the refill history of a subscription, newest first.
func (e *Engine) ListRefills(ctx context.Context, subscriptionID string, limit int) ([]store.RefillRecord, error) {
	var out []store.RefillRecord
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetSubscription(ctx, subscriptionID); err != nil {
			return subscriptionErr(err)
		}
		var err error
		out, err = tx.ListRefills(ctx, subscriptionID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func subscriptionErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrSubscriptionNotFound
	}
	return fmt.Errorf("subscription query failed: %w", err)
}

// planTx reads a plan inside an open transaction, bypassing the cache.
func planTx(ctx context.Context, tx store.Tx, id string) (*store.Plan, error) {
	p, err := tx.GetPlan(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("plan query failed: %w", err)
	}
	return p, nil
}

func (e *Engine) observe(op string, start time.Time, errp *error) {
	result := metrics.ResultOK
	switch {
	case *errp == nil:
	case errors.Is(*errp, ledger.ErrInsufficientCredit):
		result = metrics.ResultInsufficient
	default:
		result = metrics.ResultError
	}
	e.metrics.Operation(op, ledger.Pessimistic.String(), result, time.Since(start))
}
