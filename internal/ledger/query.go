package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/metrics"
	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

// GetBalance reads through the balance cache. Every commit writes its
// balance with the wallet version, and an older version never replaces a
// newer one, so a hit is the latest committed balance the cache has seen.
func (l *Ledger) GetBalance(ctx context.Context, walletID string) (decimal.Decimal, error) {
	key := BalanceCacheKey(walletID)

	b, err := l.cache.Get(ctx, key)
	if err == nil {
		if bal, perr := DecodeCachedBalance(b); perr == nil {
			l.metrics.Cache("balance", metrics.ResultHit)
			return bal, nil
		}
	} else if !errors.Is(err, cache.ErrMiss) {
		l.log.Warn().Err(err).Str("wallet_id", walletID).Msg("balance cache read failed")
	}
	l.metrics.Cache("balance", metrics.ResultMiss)

	w, err := l.GetWallet(ctx, walletID)
	if err != nil {
		return decimal.Zero, err
	}
	l.CacheBalance(ctx, w)
	return w.Balance, nil
}

// GetWallet always reads the store.
func (l *Ledger) GetWallet(ctx context.Context, walletID string) (*store.Wallet, error) {
	var w *store.Wallet
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWallet(ctx, walletID)
		return err
	})
	if err != nil {
		return nil, walletErr(err)
	}
	return w, nil
}

func (l *Ledger) GetWalletByUser(ctx context.Context, userID string) (*store.Wallet, error) {
	var w *store.Wallet
	err := l.store.View(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.GetWalletByUser(ctx, userID)
		return err
	})
	if err != nil {
		return nil, walletErr(err)
	}
	return w, nil
}

// ListEntries returns the wallet's ledger, newest first. A limit of 0 returns
// everything.
func (l *Ledger) ListEntries(ctx context.Context, walletID string, limit int) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	err := l.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWallet(ctx, walletID); err != nil {
			return walletErr(err)
		}
		var err error
		out, err = tx.ListLedgerEntries(ctx, walletID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListUsage returns the wallet's usage events, newest first.
func (l *Ledger) ListUsage(ctx context.Context, walletID string, limit int) ([]store.UsageEvent, error) {
	var out []store.UsageEvent
	err := l.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetWallet(ctx, walletID); err != nil {
			return walletErr(err)
		}
		var err error
		out, err = tx.ListUsageEvents(ctx, walletID, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IntegrityReport compares a wallet's balance with the sum of its entries.
type IntegrityReport struct {
	WalletID   string          `json:"wallet_id"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Entries    int64           `json:"entries"`
	Consistent bool            `json:"consistent"`
}

// VerifyWallet rebuilds the balance from the ledger. An inconsistent report
// means money moved outside a ledger entry and needs investigation.
func (l *Ledger) VerifyWallet(ctx context.Context, walletID string) (*IntegrityReport, error) {
	var rep *IntegrityReport
	err := l.store.View(ctx, func(tx store.Tx) error {
		w, err := tx.GetWallet(ctx, walletID)
		if err != nil {
			return walletErr(err)
		}
		sum, n, err := tx.SumLedgerDeltas(ctx, walletID)
		if err != nil {
			return fmt.Errorf("sum ledger failed: %w", err)
		}
		rep = &IntegrityReport{
			WalletID:   w.ID,
			Balance:    w.Balance,
			LedgerSum:  sum,
			Entries:    n,
			Consistent: w.Balance.Equal(sum),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !rep.Consistent {
		l.log.Error().
			Str("wallet_id", walletID).
			Str("balance", rep.Balance.String()).
			Str("ledger_sum", rep.LedgerSum.String()).
			Msg("wallet balance does not match ledger")
	}
	return rep, nil
}
