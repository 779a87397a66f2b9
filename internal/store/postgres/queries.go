package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

// queries runs against either the pool (View) or a transaction (WithTx).
type queries struct {
	ext sqlx.ExtContext
}

const walletColumns = `id, user_id, balance, version, created_at, updated_at`

func (q *queries) getWallet(ctx context.Context, query string, arg string) (*store.Wallet, error) {
	var w store.Wallet
	if err := sqlx.GetContext(ctx, q.ext, &w, query, arg); err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (q *queries) GetWallet(ctx context.Context, id string) (*store.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
}

func (q *queries) GetWalletByUser(ctx context.Context, userID string) (*store.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1`, userID)
}

func (q *queries) LockWallet(ctx context.Context, id string) (*store.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) LockWalletByUser(ctx context.Context, userID string) (*store.Wallet, error) {
	return q.getWallet(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 FOR UPDATE`, userID)
}

func (q *queries) CreateWalletIfAbsent(ctx context.Context, w *store.Wallet) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO wallets (id, user_id, balance, version, created_at, updated_at)
		VALUES (:id, :user_id, :balance, :version, :created_at, :updated_at)
		ON CONFLICT (user_id) DO NOTHING
	`, w)
	if err != nil {
		return fmt.Errorf("insert wallet failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) UpdateWalletBalance(ctx context.Context, id string, balance decimal.Decimal, expectedVersion int64, now time.Time) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE wallets
		SET balance = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`, balance, now, id, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("update wallet failed: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected failed: %w", err)
	}
	return n == 1, nil
}

func (q *queries) ListWallets(ctx context.Context, afterID string, limit int) ([]store.Wallet, error) {
	var out []store.Wallet
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+walletColumns+` FROM wallets
		WHERE id > $1
		ORDER BY id
		LIMIT NULLIF($2, 0)
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallets failed: %w", mapErr(err))
	}
	return out, nil
}

const entryColumns = `id, wallet_id, kind, delta, balance_after, idempotency_key, reason, created_at`

func (q *queries) InsertLedgerEntry(ctx context.Context, e *store.LedgerEntry) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("invalid ledger entry kind %q", e.Kind)
	}
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (:id, :wallet_id, :kind, :delta, :balance_after, :idempotency_key, :reason, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("insert ledger entry failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) FindLedgerEntryByKey(ctx context.Context, walletID, key string) (*store.LedgerEntry, error) {
	var e store.LedgerEntry
	err := sqlx.GetContext(ctx, q.ext, &e, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE wallet_id = $1 AND idempotency_key = $2
	`, walletID, key)
	if err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (q *queries) ListLedgerEntries(ctx context.Context, walletID string, limit int) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)
	`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list ledger entries failed: %w", mapErr(err))
	}
	return out, nil
}

func (q *queries) SumLedgerDeltas(ctx context.Context, walletID string) (decimal.Decimal, int64, error) {
	var row struct {
		Sum   decimal.Decimal `db:"sum"`
		Count int64           `db:"count"`
	}
	err := sqlx.GetContext(ctx, q.ext, &row, `
		SELECT COALESCE(SUM(delta), 0) AS sum, COUNT(*) AS count
		FROM ledger_entries
		WHERE wallet_id = $1
	`, walletID)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("sum ledger deltas failed: %w", mapErr(err))
	}
	return row.Sum, row.Count, nil
}

const usageColumns = `id, wallet_id, user_id, ledger_entry_id, price_id, provider, model,
	input_units, output_units, cached_units, call_count,
	input_rate, output_rate, markup, vendor_cost, billable_cost,
	idempotency_key, created_at`

func (q *queries) InsertUsageEvent(ctx context.Context, e *store.UsageEvent) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO usage_events (`+usageColumns+`)
		VALUES (:id, :wallet_id, :user_id, :ledger_entry_id, :price_id, :provider, :model,
			:input_units, :output_units, :cached_units, :call_count,
			:input_rate, :output_rate, :markup, :vendor_cost, :billable_cost,
			:idempotency_key, :created_at)
	`, e)
	if err != nil {
		return fmt.Errorf("insert usage event failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) GetUsageEvent(ctx context.Context, id string) (*store.UsageEvent, error) {
	var e store.UsageEvent
	if err := sqlx.GetContext(ctx, q.ext, &e, `SELECT `+usageColumns+` FROM usage_events WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &e, nil
}

func (q *queries) ListUsageEvents(ctx context.Context, walletID string, limit int) ([]store.UsageEvent, error) {
	var out []store.UsageEvent
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+usageColumns+` FROM usage_events
		WHERE wallet_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT NULLIF($2, 0)
	`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage events failed: %w", mapErr(err))
	}
	return out, nil
}

const priceColumns = `id, provider, model, input_rate, output_rate, markup, active, updated_at`

func (q *queries) GetActivePrice(ctx context.Context, provider, model string) (*store.PriceRecord, error) {
	var p store.PriceRecord
	err := sqlx.GetContext(ctx, q.ext, &p, `
		SELECT `+priceColumns+` FROM prices
		WHERE provider = $1 AND model = $2 AND active
	`, provider, model)
	if err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (q *queries) UpsertPrice(ctx context.Context, p *store.PriceRecord) error {
	rows, err := sqlx.NamedQueryContext(ctx, q.ext, `
		INSERT INTO prices (`+priceColumns+`)
		VALUES (:id, :provider, :model, :input_rate, :output_rate, :markup, :active, :updated_at)
		ON CONFLICT (provider, model) DO UPDATE SET
			input_rate = EXCLUDED.input_rate,
			output_rate = EXCLUDED.output_rate,
			markup = EXCLUDED.markup,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`, p)
	if err != nil {
		return fmt.Errorf("upsert price failed: %w", mapErr(err))
	}
	defer rows.Close()
	if rows.Next() {
		if err := rows.Scan(&p.ID); err != nil {
			return fmt.Errorf("upsert price scan failed: %w", err)
		}
	}
	return rows.Err()
}

func (q *queries) SetPriceActive(ctx context.Context, provider, model string, active bool, now time.Time) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE prices SET active = $1, updated_at = $2
		WHERE provider = $3 AND model = $4
	`, active, now, provider, model)
	if err != nil {
		return fmt.Errorf("set price active failed: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ListPrices(ctx context.Context) ([]store.PriceRecord, error) {
	var out []store.PriceRecord
	if err := sqlx.SelectContext(ctx, q.ext, &out, `SELECT `+priceColumns+` FROM prices ORDER BY provider, model`); err != nil {
		return nil, fmt.Errorf("list prices failed: %w", mapErr(err))
	}
	return out, nil
}

const planColumns = `id, name, monthly_quota, refill_amount, refill_interval_hours,
	max_refill_count, max_refill_balance, rollover, active, updated_at`

func (q *queries) GetPlan(ctx context.Context, id string) (*store.Plan, error) {
	var p store.Plan
	if err := sqlx.GetContext(ctx, q.ext, &p, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &p, nil
}

func (q *queries) UpsertPlan(ctx context.Context, p *store.Plan) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO plans (`+planColumns+`)
		VALUES (:id, :name, :monthly_quota, :refill_amount, :refill_interval_hours,
			:max_refill_count, :max_refill_balance, :rollover, :active, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			monthly_quota = EXCLUDED.monthly_quota,
			refill_amount = EXCLUDED.refill_amount,
			refill_interval_hours = EXCLUDED.refill_interval_hours,
			max_refill_count = EXCLUDED.max_refill_count,
			max_refill_balance = EXCLUDED.max_refill_balance,
			rollover = EXCLUDED.rollover,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`, p)
	if err != nil {
		return fmt.Errorf("upsert plan failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) ListPlans(ctx context.Context) ([]store.Plan, error) {
	var out []store.Plan
	if err := sqlx.SelectContext(ctx, q.ext, &out, `SELECT `+planColumns+` FROM plans ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list plans failed: %w", mapErr(err))
	}
	return out, nil
}

const subscriptionColumns = `id, user_id, plan_id, wallet_id, status,
	current_period_start, current_period_end, last_refill_at, refill_count,
	canceled_at, created_at, updated_at`

func (q *queries) getSubscription(ctx context.Context, query, arg string) (*store.Subscription, error) {
	var s store.Subscription
	if err := sqlx.GetContext(ctx, q.ext, &s, query, arg); err != nil {
		return nil, mapErr(err)
	}
	return &s, nil
}

func (q *queries) InsertSubscription(ctx context.Context, s *store.Subscription) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (:id, :user_id, :plan_id, :wallet_id, :status,
			:current_period_start, :current_period_end, :last_refill_at, :refill_count,
			:canceled_at, :created_at, :updated_at)
	`, s)
	if err != nil {
		return fmt.Errorf("insert subscription failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return q.getSubscription(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
}

func (q *queries) LockSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return q.getSubscription(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
}

func (q *queries) GetActiveSubscriptionByUser(ctx context.Context, userID string) (*store.Subscription, error) {
	return q.getSubscription(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
	`, userID)
}

func (q *queries) LockActiveSubscriptionByUser(ctx context.Context, userID string) (*store.Subscription, error) {
	return q.getSubscription(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = $1 AND status = 'active'
		FOR UPDATE
	`, userID)
}

func (q *queries) UpdateSubscription(ctx context.Context, s *store.Subscription) error {
	res, err := sqlx.NamedExecContext(ctx, q.ext, `
		UPDATE subscriptions SET
			plan_id = :plan_id,
			status = :status,
			current_period_start = :current_period_start,
			current_period_end = :current_period_end,
			last_refill_at = :last_refill_at,
			refill_count = :refill_count,
			canceled_at = :canceled_at,
			updated_at = :updated_at
		WHERE id = :id
	`, s)
	if err != nil {
		return fmt.Errorf("update subscription failed: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (q *queries) ExpireSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'expired', updated_at = $1
		WHERE status = 'canceled' AND current_period_end <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("expire subscriptions failed: %w", mapErr(err))
	}
	return res.RowsAffected()
}

const idempotencyColumns = `key, user_id, resource_type, resource_id, response, expires_at, created_at`

func (q *queries) GetIdempotencyRecord(ctx context.Context, key string) (*store.IdempotencyRecord, error) {
	var r store.IdempotencyRecord
	if err := sqlx.GetContext(ctx, q.ext, &r, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return nil, mapErr(err)
	}
	return &r, nil
}

func (q *queries) InsertIdempotencyRecord(ctx context.Context, r *store.IdempotencyRecord) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO idempotency_keys (`+idempotencyColumns+`)
		VALUES (:key, :user_id, :resource_type, :resource_id, :response, :expires_at, :created_at)
	`, r)
	if err != nil {
		return fmt.Errorf("insert idempotency record failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.ext.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency records failed: %w", mapErr(err))
	}
	return res.RowsAffected()
}

const refillColumns = `id, subscription_id, wallet_id, user_id, amount, balance_before, balance_after, created_at`

func (q *queries) InsertRefill(ctx context.Context, r *store.RefillRecord) error {
	_, err := sqlx.NamedExecContext(ctx, q.ext, `
		INSERT INTO refill_history (`+refillColumns+`)
		VALUES (:id, :subscription_id, :wallet_id, :user_id, :amount, :balance_before, :balance_after, :created_at)
	`, r)
	if err != nil {
		return fmt.Errorf("insert refill failed: %w", mapErr(err))
	}
	return nil
}

func (q *queries) ListRefills(ctx context.Context, subscriptionID string, limit int) ([]store.RefillRecord, error) {
	var out []store.RefillRecord
	err := sqlx.SelectContext(ctx, q.ext, &out, `
		SELECT `+refillColumns+` FROM refill_history
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	`, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list refills failed: %w", mapErr(err))
	}
	return out, nil
}
