package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func seedWallet(t *testing.T, s *Store, id, user string) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateWalletIfAbsent(context.Background(), &store.Wallet{ID: id, UserID: user, Balance: decimal.Zero})
	})
	require.NoError(t, err)
}

func TestWithTx_RollbackRestoresState(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "w1", "u1")

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.UpdateWalletBalance(ctx, "w1", decimal.NewFromInt(10), 0, time.Now())
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, tx.InsertLedgerEntry(ctx, &store.LedgerEntry{
			ID: "e1", WalletID: "w1", Kind: store.KindGrant,
			Delta: decimal.NewFromInt(10), BalanceAfter: decimal.NewFromInt(10),
			IdempotencyKey: strPtr("k1"),
		}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, w.Balance.IsZero())
		assert.Equal(t, int64(0), w.Version)

		_, err = tx.FindLedgerEntryByKey(ctx, "w1", "k1")
		assert.ErrorIs(t, err, store.ErrNotFound)

		sum, n, err := tx.SumLedgerDeltas(ctx, "w1")
		require.NoError(t, err)
		assert.True(t, sum.IsZero())
		assert.Equal(t, int64(0), n)
		return nil
	})
	require.NoError(t, err)
}

func TestUpdateWalletBalance_VersionMismatch(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "w1", "u1")

	err := s.WithTx(ctx, func(tx store.Tx) error {
		ok, err := tx.UpdateWalletBalance(ctx, "w1", decimal.NewFromInt(5), 7, time.Now())
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestInsertLedgerEntry_DuplicateKeyPerWallet(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "w1", "u1")
	seedWallet(t, s, "w2", "u2")

	insert := func(id, wallet string) error {
		return s.WithTx(ctx, func(tx store.Tx) error {
			return tx.InsertLedgerEntry(ctx, &store.LedgerEntry{
				ID: id, WalletID: wallet, Kind: store.KindDebit,
				Delta: decimal.NewFromInt(-1), IdempotencyKey: strPtr("same"),
			})
		})
	}

	require.NoError(t, insert("e1", "w1"))
	assert.ErrorIs(t, insert("e2", "w1"), store.ErrDuplicate)
	assert.NoError(t, insert("e3", "w2"), "keys are scoped per wallet")
}

func TestCreateWalletIfAbsent_OneWalletPerUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	seedWallet(t, s, "w1", "u1")
	seedWallet(t, s, "w2", "u1")

	err := s.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWalletByUser(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, "w1", w.ID)
		_, err = tx.GetWallet(ctx, "w2")
		assert.ErrorIs(t, err, store.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestView_RejectsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.CreateWalletIfAbsent(ctx, &store.Wallet{ID: "w1", UserID: "u1"})
	})
	assert.Error(t, err)
}

func TestExpireSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	subs := []store.Subscription{
		{ID: "s1", UserID: "u1", Status: store.StatusCanceled, CurrentPeriodEnd: now.Add(-time.Hour)},
		{ID: "s2", UserID: "u2", Status: store.StatusCanceled, CurrentPeriodEnd: now.Add(time.Hour)},
		{ID: "s3", UserID: "u3", Status: store.StatusActive, CurrentPeriodEnd: now.Add(-time.Hour)},
		{ID: "s4", UserID: "u4", Status: store.StatusCanceled, CurrentPeriodEnd: now},
	}
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		for i := range subs {
			if err := tx.InsertSubscription(ctx, &subs[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	var n int64
	require.NoError(t, s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ExpireSubscriptions(ctx, now)
		return err
	}))
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		for id, want := range map[string]store.SubscriptionStatus{
			"s1": store.StatusExpired,
			"s2": store.StatusCanceled,
			"s3": store.StatusActive,
			"s4": store.StatusExpired,
		} {
			sub, err := tx.GetSubscription(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, want, sub.Status, id)
		}
		return nil
	}))
}

func TestInsertSubscription_SingleActivePerUser(t *testing.T) {
	ctx := context.Background()
	s := New()
	err := s.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.InsertSubscription(ctx, &store.Subscription{ID: "s1", UserID: "u1", Status: store.StatusActive}))
		return tx.InsertSubscription(ctx, &store.Subscription{ID: "s2", UserID: "u1", Status: store.StatusActive})
	})
	assert.ErrorIs(t, err, store.ErrDuplicate)
}
