package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kelpejol/tally/internal/ledger"
	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

type CreateResult struct {
	SubscriptionID     string          `json:"subscription_id"`
	WalletID           string          `json:"wallet_id"`
	InitialCredits     decimal.Decimal `json:"initial_credits"`
	NewBalance         decimal.Decimal `json:"new_balance"`
	CurrentPeriodStart time.Time       `json:"current_period_start"`
	CurrentPeriodEnd   time.Time       `json:"current_period_end"`
}

// Create starts a one-month subscription and grants the plan's monthly quota
// to the user's wallet, creating the wallet if needed.
func (e *Engine) Create(ctx context.Context, userID, planID string) (res *CreateResult, err error) {
	defer e.observe("create_subscription", time.Now(), &err)

	if userID == "" || planID == "" {
		return nil, fmt.Errorf("%w: user_id and plan_id are required", ledger.ErrInvalidRequest)
	}
	plan, err := e.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, fmt.Errorf("%w: plan %s is not active", ErrInvalidPlanState, planID)
	}

	now := e.clock.Now()
	var w *store.Wallet
	sub := &store.Subscription{
		ID:                 uuid.NewString(),
		UserID:             userID,
		PlanID:             plan.ID,
		Status:             store.StatusActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		LastRefillAt:       &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetActiveSubscriptionByUser(ctx, userID); err == nil {
			return ErrActiveSubscriptionExists
		} else if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("subscription query failed: %w", err)
		}

		var err error
		w, err = e.ledger.LockOrCreateWallet(ctx, tx, userID)
		if err != nil {
			return err
		}
		sub.WalletID = w.ID

		if err := tx.InsertSubscription(ctx, sub); err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				return ErrActiveSubscriptionExists
			}
			return fmt.Errorf("insert subscription failed: %w", err)
		}

		if plan.MonthlyQuota.IsPositive() {
			_, err = e.ledger.Apply(ctx, tx, w, ledger.Mutation{
				Kind:   store.KindSubscriptionGrant,
				Delta:  plan.MonthlyQuota,
				Reason: "subscription:" + sub.ID + " initial quota",
			})
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	e.ledger.CacheBalance(ctx, w)
	e.log.Info().
		Str("subscription_id", sub.ID).
		Str("user_id", userID).
		Str("plan_id", plan.ID).
		Str("initial_credits", plan.MonthlyQuota.String()).
		Msg("subscription created")

	return &CreateResult{
		SubscriptionID:     sub.ID,
		WalletID:           w.ID,
		InitialCredits:     plan.MonthlyQuota,
		NewBalance:         w.Balance,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
	}, nil
}

type RenewResult struct {
	SubscriptionID string          `json:"subscription_id"`
	NewPeriodStart time.Time       `json:"new_period_start"`
	NewPeriodEnd   time.Time       `json:"new_period_end"`
	CreditsGranted decimal.Decimal `json:"credits_granted"`
	NewBalance     decimal.Decimal `json:"new_balance"`
}

// Renew starts the next period. The new period begins at the previous end,
// not at now, so late renewals do not shift the billing anchor. Without
// rollover the leftover balance is zeroed by a reset entry before the fresh
// quota is granted.
func (e *Engine) Renew(ctx context.Context, subscriptionID string) (res *RenewResult, err error) {
	defer e.observe("renew_subscription", time.Now(), &err)

	var w *store.Wallet
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return subscriptionErr(err)
		}
		if sub.Status != store.StatusActive {
			return fmt.Errorf("%w: cannot renew a %s subscription", ErrInvalidPlanState, sub.Status)
		}
		plan, err := planTx(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		w, err = tx.LockWallet(ctx, sub.WalletID)
		if err != nil {
			return fmt.Errorf("lock wallet failed: %w", err)
		}

		newStart := sub.CurrentPeriodEnd
		newEnd := newStart.AddDate(0, 1, 0)
		tag := fmt.Sprintf("subscription:%s period %s", sub.ID, newStart.UTC().Format("2006-01-02"))

		if !plan.Rollover && w.Balance.IsPositive() {
			if _, err := e.ledger.Apply(ctx, tx, w, ledger.Mutation{
				Kind:   store.KindSubscriptionReset,
				Delta:  w.Balance.Neg(),
				Reason: tag + " reset",
			}); err != nil {
				return err
			}
		}
		if plan.MonthlyQuota.IsPositive() {
			if _, err := e.ledger.Apply(ctx, tx, w, ledger.Mutation{
				Kind:   store.KindSubscriptionGrant,
				Delta:  plan.MonthlyQuota,
				Reason: tag + " grant",
			}); err != nil {
				return err
			}
		}

		sub.CurrentPeriodStart = newStart
		sub.CurrentPeriodEnd = newEnd
		sub.RefillCount = 0
		sub.UpdatedAt = e.clock.Now()
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription failed: %w", err)
		}

		res = &RenewResult{
			SubscriptionID: sub.ID,
			NewPeriodStart: newStart,
			NewPeriodEnd:   newEnd,
			CreditsGranted: plan.MonthlyQuota,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.NewBalance = w.Balance
	e.ledger.CacheBalance(ctx, w)
	e.log.Info().
		Str("subscription_id", subscriptionID).
		Time("period_end", res.NewPeriodEnd).
		Str("new_balance", res.NewBalance.String()).
		Msg("subscription renewed")
	return res, nil
}

type CancelResult struct {
	SubscriptionID string    `json:"subscription_id"`
	CanceledAt     time.Time `json:"canceled_at"`
	ValidUntil     time.Time `json:"valid_until"`
}

// Cancel marks an active subscription canceled. The balance is left alone;
// the expiry sweep retires the subscription once its period ends.
func (e *Engine) Cancel(ctx context.Context, subscriptionID string) (res *CancelResult, err error) {
	defer e.observe("cancel_subscription", time.Now(), &err)

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return subscriptionErr(err)
		}
		if sub.Status != store.StatusActive {
			return fmt.Errorf("%w: cannot cancel a %s subscription", ErrInvalidPlanState, sub.Status)
		}

		now := e.clock.Now()
		sub.Status = store.StatusCanceled
		sub.CanceledAt = &now
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription failed: %w", err)
		}

		res = &CancelResult{SubscriptionID: sub.ID, CanceledAt: now, ValidUntil: sub.CurrentPeriodEnd}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("subscription_id", subscriptionID).Time("valid_until", res.ValidUntil).Msg("subscription canceled")
	return res, nil
}

type UpgradeResult struct {
	SubscriptionID   string          `json:"subscription_id"`
	OldPlanID        string          `json:"old_plan_id"`
	NewPlanID        string          `json:"new_plan_id"`
	CreditAdjustment decimal.Decimal `json:"credit_adjustment"`
	NewBalance       decimal.Decimal `json:"new_balance"`
}

// Upgrade moves the user's active subscription to another plan and prorates
// the quota difference over the remaining calendar days of the period.
// Downgrades take credit back, but never below a zero balance.
func (e *Engine) Upgrade(ctx context.Context, userID, newPlanID string) (res *UpgradeResult, err error) {
	defer e.observe("upgrade_subscription", time.Now(), &err)

	newPlan, err := e.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, err
	}
	if !newPlan.Active {
		return nil, fmt.Errorf("%w: plan %s is not active", ErrInvalidPlanState, newPlanID)
	}

	var w *store.Wallet
	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.LockActiveSubscriptionByUser(ctx, userID)
		if err != nil {
			return subscriptionErr(err)
		}
		if sub.PlanID == newPlanID {
			return fmt.Errorf("%w: already on plan %s", ErrInvalidPlanState, newPlanID)
		}
		oldPlan, err := planTx(ctx, tx, sub.PlanID)
		if err != nil {
			return err
		}
		w, err = tx.LockWallet(ctx, sub.WalletID)
		if err != nil {
			return fmt.Errorf("lock wallet failed: %w", err)
		}

		now := e.clock.Now()
		adj := Prorate(oldPlan.MonthlyQuota, newPlan.MonthlyQuota, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
		if w.Balance.Add(adj).IsNegative() {
			adj = w.Balance.Neg()
		}

		if !adj.IsZero() {
			if _, err := e.ledger.Apply(ctx, tx, w, ledger.Mutation{
				Kind:   store.KindAdjustment,
				Delta:  adj,
				Reason: fmt.Sprintf("subscription:%s plan change %s -> %s", sub.ID, oldPlan.ID, newPlan.ID),
			}); err != nil {
				return err
			}
		}

		sub.PlanID = newPlan.ID
		sub.UpdatedAt = now
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return fmt.Errorf("update subscription failed: %w", err)
		}

		res = &UpgradeResult{
			SubscriptionID:   sub.ID,
			OldPlanID:        oldPlan.ID,
			NewPlanID:        newPlan.ID,
			CreditAdjustment: adj,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.NewBalance = w.Balance
	e.ledger.CacheBalance(ctx, w)
	e.log.Info().
		Str("subscription_id", res.SubscriptionID).
		Str("old_plan_id", res.OldPlanID).
		Str("new_plan_id", res.NewPlanID).
		Str("credit_adjustment", res.CreditAdjustment.String()).
		Msg("subscription plan changed")
	return res, nil
}

// ExpireSubscriptions retires canceled subscriptions whose period has ended.
func (e *Engine) ExpireSubscriptions(ctx context.Context) (int64, error) {
	now := e.clock.Now()
	var n int64
	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ExpireSubscriptions(ctx, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions failed: %w", err)
	}

	e.metrics.Sweep("expire_subscriptions", n)
	if n > 0 {
		e.log.Info().Int64("expired", n).Msg("subscriptions expired")
	}
	return n, nil
}
