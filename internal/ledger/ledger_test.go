package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/idempotency"
	"github.com/kelpejol/tally/internal/pricing"
	"github.com/kelpejol/tally/internal/store"
	"github.com/kelpejol/tally/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	ledger  *Ledger
	mem     *memory.Store
	catalog *pricing.Catalog
	cache   *cache.Local
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := memory.New()
	return newFixtureOn(t, mem, mem)
}

// newFixtureOn builds the engine on st while keeping direct access to the
// memory store underneath it.
func newFixtureOn(t *testing.T, st store.Store, mem *memory.Store) *fixture {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC))
	c := cache.NewLocal(1000)
	log := zerolog.Nop()

	catalog := pricing.NewCatalog(st, c, pricing.Options{Clock: clk}, log)
	idem := idempotency.New(st, c, clk, nil, log)
	l := New(st, catalog, idem, c, Options{Backoff: time.Millisecond, Clock: clk}, log)

	_, err := catalog.UpsertPrice(context.Background(), pricing.PriceInput{
		Provider:   "openai",
		Model:      "gpt-4o",
		InputRate:  decimal.RequireFromString("0.001"),
		OutputRate: decimal.RequireFromString("0.003"),
		Markup:     decimal.RequireFromString("1.5"),
	})
	require.NoError(t, err)

	return &fixture{ledger: l, mem: mem, catalog: catalog, cache: c, clock: clk}
}

func (f *fixture) fund(t *testing.T, userID string, amount string) string {
	t.Helper()
	res, err := f.ledger.GrantCredit(context.Background(), GrantRequest{
		UserID: userID,
		Amount: decimal.RequireFromString(amount),
		Reason: "test funding",
	})
	require.NoError(t, err)
	return res.WalletID
}

func usage(walletID, key string) UsageRequest {
	return UsageRequest{
		WalletID:       walletID,
		UserID:         "u1",
		Provider:       "openai",
		Model:          "gpt-4o",
		InputUnits:     1000,
		OutputUnits:    500,
		IdempotencyKey: key,
	}
}

func TestConsumeUsage_DebitsAndRecordsPriceSnapshot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	res, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "3.75", res.BillableCost.String())
	assert.Equal(t, "6.25", res.NewBalance.String())

	events, err := f.ledger.ListUsage(ctx, walletID, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, res.UsageID, ev.ID)
	assert.Equal(t, res.LedgerEntryID, ev.LedgerEntryID)
	assert.Equal(t, "2.5", ev.VendorCost.String())
	assert.Equal(t, "0.001", ev.InputRate.String())
	assert.Equal(t, int64(1), ev.CallCount)

	entries, err := f.ledger.ListEntries(ctx, walletID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.KindDebit, entries[0].Kind)
	assert.Equal(t, "-3.75", entries[0].Delta.String())
	assert.True(t, entries[0].BalanceAfter.Equal(res.NewBalance))
}

func TestConsumeUsage_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	first, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)

	second, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.UsageID, second.UsageID)
	assert.True(t, first.NewBalance.Equal(second.NewBalance))

	// Lose the cache entirely: the persisted record still answers.
	f.cache.Delete(ctx, "idem:"+idempotencyKey(walletID, "consume_usage", "req-1"))
	third, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)
	assert.True(t, third.Replayed)
	assert.Equal(t, first.UsageID, third.UsageID)

	entries, err := f.ledger.ListEntries(ctx, walletID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	bal, err := f.ledger.GetBalance(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "6.25", bal.String())
}

func TestConsumeUsage_SameKeyDifferentWallets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w1 := f.fund(t, "u1", "10")
	w2 := f.fund(t, "u2", "10")

	a, err := f.ledger.ConsumeUsage(ctx, usage(w1, "req-1"))
	require.NoError(t, err)

	req := usage(w2, "req-1")
	req.UserID = "u2"
	b, err := f.ledger.ConsumeUsage(ctx, req)
	require.NoError(t, err)
	assert.False(t, b.Replayed)
	assert.NotEqual(t, a.UsageID, b.UsageID)
}

func TestConsumeUsage_KeyReusedByAnotherOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	_, err := f.ledger.PurchaseCredit(ctx, PurchaseRequest{
		WalletID:       walletID,
		UserID:         "u1",
		Amount:         decimal.NewFromInt(5),
		InvoiceID:      "inv-1",
		IdempotencyKey: "k",
	})
	require.NoError(t, err)

	_, err = f.ledger.ConsumeUsage(ctx, usage(walletID, "k"))
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	_, err = f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.NewFromInt(1), IdempotencyKey: "k"})
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	events, err := f.ledger.ListUsage(ctx, walletID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	bal, err := f.ledger.GetBalance(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "15", bal.String())

	// The purchase itself still replays.
	again, err := f.ledger.PurchaseCredit(ctx, PurchaseRequest{
		WalletID:       walletID,
		UserID:         "u1",
		Amount:         decimal.NewFromInt(5),
		InvoiceID:      "inv-1",
		IdempotencyKey: "k",
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
}

func TestConsumeUsage_CachedReplayChecksOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	_, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)

	req := usage(walletID, "req-1")
	req.UserID = "u2"
	_, err = f.ledger.ConsumeUsage(ctx, req)
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestConsumeUsage_RoundsToStoredScale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	_, err := f.catalog.UpsertPrice(ctx, pricing.PriceInput{
		Provider:   "openai",
		Model:      "gpt-4o-mini",
		InputRate:  decimal.RequireFromString("0.0000025"),
		OutputRate: decimal.RequireFromString("0.00001"),
		Markup:     decimal.RequireFromString("1.15"),
	})
	require.NoError(t, err)

	req := usage(walletID, "req-1")
	req.Model = "gpt-4o-mini"
	req.InputUnits, req.OutputUnits = 1, 0
	res, err := f.ledger.ConsumeUsage(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "0.00000288", res.BillableCost.String())
	assert.Equal(t, "9.99999712", res.NewBalance.String())

	entries, err := f.ledger.ListEntries(ctx, walletID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "-0.00000288", entries[0].Delta.String())
	assert.Equal(t, "9.99999712", entries[0].BalanceAfter.String())

	rep, err := f.ledger.VerifyWallet(ctx, walletID)
	require.NoError(t, err)
	assert.True(t, rep.Consistent)

	_, err = f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.RequireFromString("0.000000001")})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConsumeUsage_InsufficientCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "1")

	_, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	bal, err := f.ledger.GetBalance(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "1", bal.String())

	entries, err := f.ledger.ListEntries(ctx, walletID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The failed attempt did not burn the key.
	_, err = f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	res, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestConsumeUsage_ZeroBalanceRejectsFreeUsage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	w, err := f.ledger.EnsureWallet(ctx, "u1")
	require.NoError(t, err)

	req := usage(w.ID, "")
	req.InputUnits, req.OutputUnits = 0, 0
	_, err = f.ledger.ConsumeUsage(ctx, req)
	assert.ErrorIs(t, err, ErrInsufficientCredit)
}

func TestConsumeUsage_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	req := usage(walletID, "")
	req.Model = "unknown"
	_, err := f.ledger.ConsumeUsage(ctx, req)
	assert.ErrorIs(t, err, pricing.ErrPriceNotFound)

	req = usage(walletID, "")
	req.UserID = "someone-else"
	_, err = f.ledger.ConsumeUsage(ctx, req)
	assert.ErrorIs(t, err, ErrWalletNotFound)

	_, err = f.ledger.ConsumeUsage(ctx, usage("missing", ""))
	assert.ErrorIs(t, err, ErrWalletNotFound)
	assert.ErrorIs(t, err, store.ErrNotFound)

	req = usage(walletID, "")
	req.OutputUnits = -1
	_, err = f.ledger.ConsumeUsage(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConsumeUsage_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.catalog.UpsertPrice(ctx, pricing.PriceInput{
		Provider: "acme", Model: "flat", InputRate: decimal.NewFromInt(1), Markup: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	walletID := f.fund(t, "u1", "10")

	const calls = 10
	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.ledger.ConsumeUsage(ctx, UsageRequest{
				WalletID: walletID, UserID: "u1", Provider: "acme", Model: "flat", InputUnits: 3,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientCredit):
				insufficient.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), ok.Load())
	assert.Equal(t, int32(calls-3), insufficient.Load())

	w, err := f.ledger.GetWallet(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "1", w.Balance.String())
}

func TestConsumeUsage_PriceChangeDoesNotRewriteHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	res, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)

	_, err = f.catalog.UpsertPrice(ctx, pricing.PriceInput{
		Provider:   "openai",
		Model:      "gpt-4o",
		InputRate:  decimal.RequireFromString("0.01"),
		OutputRate: decimal.RequireFromString("0.03"),
		Markup:     decimal.NewFromInt(2),
	})
	require.NoError(t, err)

	events, err := f.ledger.ListUsage(ctx, walletID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, res.UsageID, events[0].ID)
	assert.Equal(t, "3.75", events[0].BillableCost.String())
	assert.Equal(t, "0.001", events[0].InputRate.String())
}

func TestBalanceIsSumOfLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	_, err := f.ledger.PurchaseCredit(ctx, PurchaseRequest{
		WalletID: walletID, UserID: "u1", Amount: decimal.NewFromInt(20), InvoiceID: "inv-1", IdempotencyKey: "inv-1",
	})
	require.NoError(t, err)
	used, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)
	_, err = f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.RequireFromString("2.5")})
	require.NoError(t, err)
	_, err = f.ledger.Refund(ctx, RefundRequest{WalletID: walletID, UsageID: used.UsageID})
	require.NoError(t, err)
	_, err = f.ledger.Adjust(ctx, AdjustRequest{WalletID: walletID, Delta: decimal.NewFromInt(-1), Reason: "support correction"})
	require.NoError(t, err)

	rep, err := f.ledger.VerifyWallet(ctx, walletID)
	require.NoError(t, err)
	assert.True(t, rep.Consistent)
	assert.Equal(t, int64(6), rep.Entries)
	assert.Equal(t, "26.5", rep.Balance.String())

	// Each entry's running balance chains onto the previous one.
	entries, err := f.ledger.ListEntries(ctx, walletID, 0)
	require.NoError(t, err)
	running := decimal.Zero
	for i := len(entries) - 1; i >= 0; i-- {
		running = running.Add(entries[i].Delta)
		assert.True(t, running.Equal(entries[i].BalanceAfter), "entry %d", i)
		assert.False(t, entries[i].BalanceAfter.IsNegative())
	}
}

// racingStore commits a concurrent version bump right before each of the
// next `races` transactions.
type racingStore struct {
	store.Store
	mem      *memory.Store
	walletID string
	races    int
}

func (r *racingStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if r.races > 0 {
		r.races--
		err := r.mem.WithTx(ctx, func(tx store.Tx) error {
			w, err := tx.GetWallet(ctx, r.walletID)
			if err != nil {
				return err
			}
			_, err = tx.UpdateWalletBalance(ctx, w.ID, w.Balance, w.Version, time.Now())
			return err
		})
		if err != nil {
			return err
		}
	}
	return r.Store.WithTx(ctx, fn)
}

func TestDeduct_OptimisticRetriesAfterConflict(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rs := &racingStore{Store: mem, mem: mem}
	f := newFixtureOn(t, rs, mem)
	rs.walletID = f.fund(t, "u1", "10")

	rs.races = 1
	res, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: rs.walletID, Amount: decimal.NewFromInt(4)})
	require.NoError(t, err)
	assert.Equal(t, "6", res.NewBalance.String())

	entries, err := f.ledger.ListEntries(ctx, rs.walletID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDeduct_OptimisticGivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rs := &racingStore{Store: mem, mem: mem}
	f := newFixtureOn(t, rs, mem)
	rs.walletID = f.fund(t, "u1", "10")

	rs.races = 3
	_, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: rs.walletID, Amount: decimal.NewFromInt(4), IdempotencyKey: "d-1"})
	assert.ErrorIs(t, err, ErrConcurrencyConflict)

	w, err := f.ledger.GetWallet(ctx, rs.walletID)
	require.NoError(t, err)
	assert.Equal(t, "10", w.Balance.String())

	entries, err := f.ledger.ListEntries(ctx, rs.walletID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// The same key succeeds once the contention is gone.
	res, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: rs.walletID, Amount: decimal.NewFromInt(4), IdempotencyKey: "d-1"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, "6", res.NewBalance.String())
}

func TestDeduct_PessimisticIgnoresVersionRaces(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	rs := &racingStore{Store: mem, mem: mem}
	f := newFixtureOn(t, rs, mem)
	rs.walletID = f.fund(t, "u1", "10")

	rs.races = 3
	res, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: rs.walletID, Amount: decimal.NewFromInt(4), Strategy: Pessimistic})
	require.NoError(t, err)
	assert.Equal(t, "6", res.NewBalance.String())
}

func TestDeduct_InsufficientCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "3")

	_, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.NewFromInt(4)})
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	_, err = f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.Zero})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestGrantCredit_CreatesWalletOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(5), IdempotencyKey: "g-1"})
	require.NoError(t, err)
	b, err := f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(5), IdempotencyKey: "g-2"})
	require.NoError(t, err)
	assert.Equal(t, a.WalletID, b.WalletID)
	assert.Equal(t, "10", b.NewBalance.String())

	replay, err := f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(5), IdempotencyKey: "g-1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, a.LedgerID, replay.LedgerID)
	assert.Equal(t, "5", replay.NewBalance.String())

	_, err = f.ledger.GrantCredit(ctx, GrantRequest{UserID: "u1", Amount: decimal.NewFromInt(-5)})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPurchaseCredit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "1")

	_, err := f.ledger.PurchaseCredit(ctx, PurchaseRequest{WalletID: walletID, UserID: "u1", Amount: decimal.NewFromInt(10), InvoiceID: "inv-1"})
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	req := PurchaseRequest{WalletID: walletID, UserID: "u1", Amount: decimal.NewFromInt(10), InvoiceID: "inv-1", IdempotencyKey: "evt-1"}
	first, err := f.ledger.PurchaseCredit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "11", first.NewBalance.String())

	again, err := f.ledger.PurchaseCredit(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.LedgerID, again.LedgerID)

	entries, err := f.ledger.ListEntries(ctx, walletID, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.KindPurchase, entries[0].Kind)
	require.NotNil(t, entries[0].Reason)
	assert.Equal(t, "invoice:inv-1", *entries[0].Reason)
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")
	used, err := f.ledger.ConsumeUsage(ctx, usage(walletID, "req-1"))
	require.NoError(t, err)

	_, err = f.ledger.Refund(ctx, RefundRequest{WalletID: walletID, UsageID: used.UsageID, Amount: decimal.NewFromInt(100)})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	res, err := f.ledger.Refund(ctx, RefundRequest{WalletID: walletID, UsageID: used.UsageID})
	require.NoError(t, err)
	assert.Equal(t, "10", res.NewBalance.String())

	// Refunding the same usage again replays instead of paying twice.
	again, err := f.ledger.Refund(ctx, RefundRequest{WalletID: walletID, UsageID: used.UsageID})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, res.LedgerID, again.LedgerID)

	_, err = f.ledger.Refund(ctx, RefundRequest{WalletID: walletID, UsageID: "nope"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "5")

	_, err := f.ledger.Adjust(ctx, AdjustRequest{WalletID: walletID, Delta: decimal.NewFromInt(-6), Reason: "chargeback"})
	assert.ErrorIs(t, err, ErrInsufficientCredit)

	_, err = f.ledger.Adjust(ctx, AdjustRequest{WalletID: walletID, Delta: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	res, err := f.ledger.Adjust(ctx, AdjustRequest{WalletID: walletID, Delta: decimal.NewFromInt(-5), Reason: "chargeback"})
	require.NoError(t, err)
	assert.True(t, res.NewBalance.IsZero())
}

func TestGetBalance_ReadThroughCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "7")

	b, err := f.cache.Get(ctx, BalanceCacheKey(walletID))
	require.NoError(t, err)
	cached, err := DecodeCachedBalance(b)
	require.NoError(t, err)
	assert.Equal(t, "7", cached.String())

	require.NoError(t, f.cache.Delete(ctx, BalanceCacheKey(walletID)))
	bal, err := f.ledger.GetBalance(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "7", bal.String())

	_, err = f.cache.Get(ctx, BalanceCacheKey(walletID))
	assert.NoError(t, err)

	_, err = f.ledger.GetBalance(ctx, "missing")
	assert.ErrorIs(t, err, ErrWalletNotFound)
}

func TestCacheBalance_LateWriterDoesNotRegress(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	walletID := f.fund(t, "u1", "10")

	_, err := f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.NewFromInt(1), Strategy: Pessimistic})
	require.NoError(t, err)
	first, err := f.ledger.GetWallet(ctx, walletID)
	require.NoError(t, err)

	_, err = f.ledger.Deduct(ctx, DeductRequest{WalletID: walletID, Amount: decimal.NewFromInt(1), Strategy: Pessimistic})
	require.NoError(t, err)

	// The first writer's cache refresh lands after the second one's.
	f.ledger.CacheBalance(ctx, first)

	bal, err := f.ledger.GetBalance(ctx, walletID)
	require.NoError(t, err)
	assert.Equal(t, "8", bal.String())
}

func TestApply_RejectsNegativeCreditAndUnknownKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fund(t, "u1", "5")

	err := f.mem.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.LockWalletByUser(ctx, "u1")
		require.NoError(t, err)

		_, err = f.ledger.Apply(ctx, tx, w, Mutation{Kind: store.KindGrant, Delta: decimal.NewFromInt(-1)})
		assert.ErrorIs(t, err, ErrInvalidAmount)

		_, err = f.ledger.Apply(ctx, tx, w, Mutation{Kind: "bonus", Delta: decimal.NewFromInt(1)})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.ledger.Apply(ctx, tx, w, Mutation{Kind: store.KindDebit, Delta: decimal.RequireFromString("-0.000000005")})
		assert.ErrorIs(t, err, ErrInvalidAmount)
		return nil
	})
	require.NoError(t, err)
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("Optimistic")
	require.NoError(t, err)
	assert.Equal(t, Optimistic, s)

	s, err = ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, Default, s)

	_, err = ParseStrategy("eventual")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
