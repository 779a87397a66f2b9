package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

// RefillResult reports whether a refill happened. NextRefillAt is set when
// the subscription is waiting on its interval or its per-period cap.
type RefillResult struct {
	Refilled     bool             `json:"refilled"`
	NewBalance   *decimal.Decimal `json:"new_balance,omitempty"`
	NextRefillAt *time.Time       `json:"next_refill_at,omitempty"`
	Reason       string           `json:"reason,omitempty"`
}

// Skip reasons reported in RefillResult.Reason.
const (
	SkipNotDue       = "not_due"
	SkipCountCap     = "refill_count_cap"
	SkipBalanceCap   = "balance_cap"
	SkipNoRefillPlan = "plan_has_no_refill"
)

func refillLockKey(userID string) string {
	return "lock:refill:" + userID
}

// CheckAndRefill tops up the user's wallet if the plan's refill interval has
// elapsed. Concurrent callers for the same user are kept apart by a
// short-lived distributed lock; when the cache is unreachable the refill
// goes ahead under the subscription row lock alone.
func (e *Engine) CheckAndRefill(ctx context.Context, userID string) (*RefillResult, error) {
	start := time.Now()

	if e.locker != nil {
		lock, err := e.locker.Acquire(ctx, refillLockKey(userID), e.opts.RefillLockTTL)
		switch {
		case errors.Is(err, cache.ErrLockHeld):
			e.metrics.Refill(metrics.ResultConflict)
			return nil, ErrRefillInProgress
		case err != nil:
			e.log.Warn().Err(err).Str("user_id", userID).Msg("refill lock unavailable, relying on row lock")
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					e.log.Warn().Err(err).Str("user_id", userID).Msg("refill lock release failed")
				}
			}()
		}
	}

	var (
		res *RefillResult
		w   *store.Wallet
	)
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.LockActiveSubscriptionByUser(ctx, userID)
		if err != nil {
			return subscriptionErr(err)
		}
		plan, err := planTx(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}

		if !plan.RefillAmount.IsPositive() || plan.RefillIntervalHours <= 0 {
			res = &RefillResult{Reason: SkipNoRefillPlan}
			return nil
		}

		now := e.clock.Now()
		interval := time.Duration(plan.RefillIntervalHours) * time.Hour
		if sub.LastRefillAt != nil && now.Sub(*sub.LastRefillAt) < interval {
			next := sub.LastRefillAt.Add(interval)
			res = &RefillResult{NextRefillAt: &next, Reason: SkipNotDue}
			return nil
		}
		if plan.MaxRefillCount > 0 && sub.RefillCount >= plan.MaxRefillCount {
			next := sub.CurrentPeriodEnd
			res = &RefillResult{NextRefillAt: &next, Reason: SkipCountCap}
			return nil
		}

		w, err = tx.LockWallet(ctx, sub.WalletID)
		if err != nil {
			return fmt.Errorf("lock wallet failed: %w", err)
		}
		if plan.MaxRefillBalance.IsPositive() && w.Balance.GreaterThanOrEqual(plan.MaxRefillBalance) {
			bal := w.Balance
			res = &RefillResult{NewBalance: &bal, Reason: SkipBalanceCap}
			return nil
		}

		before := w.Balance
		if _, err := e.ledger.Apply(ctx, tx, w, ledger.Mutation{
			Kind:   store.KindSubscriptionRefill,
			Delta:  plan.RefillAmount,
			Reason: "subscription:" + sub.ID + " refill",
		}); err != nil {
			return err
		}

		if err := tx.InsertRefill(ctx, &store.RefillRecord{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			WalletID:       w.ID,
			UserID:         userID,
			Amount:         plan.RefillAmount,
			BalanceBefore:  before,
			BalanceAfter:   w.Balance,
			CreatedAt:      now,
		}); err != nil {
			return fmt.Errorf("insert refill history failed: %w", err)
		}

		sub.LastRefillAt = &now
		sub.RefillCount++
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription failed: %w", err)
		}

		bal := w.Balance
		next := now.Add(interval)
		res = &RefillResult{Refilled: true, NewBalance: &bal, NextRefillAt: &next}
		return nil
	})
	if err != nil {
		e.metrics.Refill(metrics.ResultError)
		return nil, err
	}

	if !res.Refilled {
		e.metrics.Refill(metrics.ResultSkipped)
		e.log.Debug().Str("user_id", userID).Str("reason", res.Reason).Msg("refill skipped")
		return res, nil
	}

	e.metrics.Refill(metrics.ResultOK)
	e.ledger.CacheBalance(ctx, w)
	e.log.Info().
		Str("user_id", userID).
		Str("wallet_id", w.ID).
		Str("new_balance", w.Balance.String()).
		Dur("duration_ms", time.Since(start)).
		Msg("subscription refilled")
	return res, nil
}
