// Package memory is an in-process implementation of store.Store.
//
// A single mutex serializes transactions, which gives every transaction the
// isolation a row lock would. Writes are recorded in an undo log and reverted
// when the transaction function returns an error. Optimistic writers still see
// real version conflicts because their read (View) and their write (WithTx)
// are separate critical sections.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kelpejol/tally/internal/store"
	"github.com/shopspring/decimal"
)

var errReadOnly = errors.New("memory: write attempted in read-only view")

var _ store.Store = (*Store)(nil)

// Store keeps all rows in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	wallets      map[string]store.Wallet
	walletByUser map[string]string
	entries      []store.LedgerEntry
	entryKeys    map[string]int
	usage        []store.UsageEvent
	usageKeys    map[string]int
	prices       map[string]store.PriceRecord
	plans        map[string]store.Plan
	subs         map[string]store.Subscription
	idem         map[string]store.IdempotencyRecord
	refills      []store.RefillRecord
}

// New returns an empty store.
func New() *Store {
	return &Store{
		wallets:      make(map[string]store.Wallet),
		walletByUser: make(map[string]string),
		entryKeys:    make(map[string]int),
		usageKeys:    make(map[string]int),
		prices:       make(map[string]store.PriceRecord),
		plans:        make(map[string]store.Plan),
		subs:         make(map[string]store.Subscription),
		idem:         make(map[string]store.IdempotencyRecord),
	}
}

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s}
	if err := fn(t); err != nil {
		t.rollback()
		return err
	}
	return nil
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&tx{s: s, readOnly: true})
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

// tx operates directly on the store's maps while the store mutex is held.
type tx struct {
	s        *Store
	readOnly bool
	undo     []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) write(undo func()) error {
	if t.readOnly {
		return errReadOnly
	}
	t.undo = append(t.undo, undo)
	return nil
}

func scopedKey(walletID, key string) string {
	return walletID + "\x00" + key
}

// Wallets

func (t *tx) GetWallet(_ context.Context, id string) (*store.Wallet, error) {
	w, ok := t.s.wallets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &w, nil
}

func (t *tx) GetWalletByUser(ctx context.Context, userID string) (*store.Wallet, error) {
	id, ok := t.s.walletByUser[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t.GetWallet(ctx, id)
}

func (t *tx) LockWallet(ctx context.Context, id string) (*store.Wallet, error) {
	return t.GetWallet(ctx, id)
}

func (t *tx) LockWalletByUser(ctx context.Context, userID string) (*store.Wallet, error) {
	return t.GetWalletByUser(ctx, userID)
}

func (t *tx) CreateWalletIfAbsent(_ context.Context, w *store.Wallet) error {
	if _, ok := t.s.walletByUser[w.UserID]; ok {
		return nil
	}
	if _, ok := t.s.wallets[w.ID]; ok {
		return store.ErrDuplicate
	}
	id, userID := w.ID, w.UserID
	if err := t.write(func() {
		delete(t.s.wallets, id)
		delete(t.s.walletByUser, userID)
	}); err != nil {
		return err
	}
	t.s.wallets[id] = *w
	t.s.walletByUser[userID] = id
	return nil
}

func (t *tx) UpdateWalletBalance(_ context.Context, id string, balance decimal.Decimal, expectedVersion int64, now time.Time) (bool, error) {
	w, ok := t.s.wallets[id]
	if !ok || w.Version != expectedVersion {
		return false, nil
	}
	prev := w
	if err := t.write(func() { t.s.wallets[id] = prev }); err != nil {
		return false, err
	}
	w.Balance = balance
	w.Version++
	w.UpdatedAt = now
	t.s.wallets[id] = w
	return true, nil
}

func (t *tx) ListWallets(_ context.Context, afterID string, limit int) ([]store.Wallet, error) {
	ids := make([]string, 0, len(t.s.wallets))
	for id := range t.s.wallets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]store.Wallet, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.s.wallets[id])
	}
	return out, nil
}

// Ledger

func (t *tx) InsertLedgerEntry(_ context.Context, e *store.LedgerEntry) error {
	if !e.Kind.Valid() {
		return errors.New("memory: invalid ledger entry kind " + string(e.Kind))
	}
	if _, ok := t.s.wallets[e.WalletID]; !ok {
		return store.ErrNotFound
	}
	var key string
	if e.IdempotencyKey != nil {
		key = scopedKey(e.WalletID, *e.IdempotencyKey)
		if _, dup := t.s.entryKeys[key]; dup {
			return store.ErrDuplicate
		}
	}
	n := len(t.s.entries)
	if err := t.write(func() {
		t.s.entries = t.s.entries[:n]
		if key != "" {
			delete(t.s.entryKeys, key)
		}
	}); err != nil {
		return err
	}
	t.s.entries = append(t.s.entries, *e)
	if key != "" {
		t.s.entryKeys[key] = n
	}
	return nil
}

func (t *tx) FindLedgerEntryByKey(_ context.Context, walletID, key string) (*store.LedgerEntry, error) {
	i, ok := t.s.entryKeys[scopedKey(walletID, key)]
	if !ok {
		return nil, store.ErrNotFound
	}
	e := t.s.entries[i]
	return &e, nil
}

func (t *tx) ListLedgerEntries(_ context.Context, walletID string, limit int) ([]store.LedgerEntry, error) {
	var out []store.LedgerEntry
	for i := len(t.s.entries) - 1; i >= 0; i-- {
		if t.s.entries[i].WalletID != walletID {
			continue
		}
		out = append(out, t.s.entries[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *tx) SumLedgerDeltas(_ context.Context, walletID string) (decimal.Decimal, int64, error) {
	sum := decimal.Zero
	var n int64
	for _, e := range t.s.entries {
		if e.WalletID == walletID {
			sum = sum.Add(e.Delta)
			n++
		}
	}
	return sum, n, nil
}

// Usage

func (t *tx) InsertUsageEvent(_ context.Context, e *store.UsageEvent) error {
	var key string
	if e.IdempotencyKey != nil {
		key = scopedKey(e.WalletID, *e.IdempotencyKey)
		if _, dup := t.s.usageKeys[key]; dup {
			return store.ErrDuplicate
		}
	}
	n := len(t.s.usage)
	if err := t.write(func() {
		t.s.usage = t.s.usage[:n]
		if key != "" {
			delete(t.s.usageKeys, key)
		}
	}); err != nil {
		return err
	}
	t.s.usage = append(t.s.usage, *e)
	if key != "" {
		t.s.usageKeys[key] = n
	}
	return nil
}

func (t *tx) GetUsageEvent(_ context.Context, id string) (*store.UsageEvent, error) {
	for _, e := range t.s.usage {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) ListUsageEvents(_ context.Context, walletID string, limit int) ([]store.UsageEvent, error) {
	var out []store.UsageEvent
	for i := len(t.s.usage) - 1; i >= 0; i-- {
		if t.s.usage[i].WalletID != walletID {
			continue
		}
		out = append(out, t.s.usage[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Prices

func priceKey(provider, model string) string {
	return provider + "\x00" + model
}

func (t *tx) GetActivePrice(_ context.Context, provider, model string) (*store.PriceRecord, error) {
	p, ok := t.s.prices[priceKey(provider, model)]
	if !ok || !p.Active {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *tx) UpsertPrice(_ context.Context, p *store.PriceRecord) error {
	k := priceKey(p.Provider, p.Model)
	prev, existed := t.s.prices[k]
	if err := t.write(func() {
		if existed {
			t.s.prices[k] = prev
		} else {
			delete(t.s.prices, k)
		}
	}); err != nil {
		return err
	}
	if existed {
		p.ID = prev.ID
	}
	t.s.prices[k] = *p
	return nil
}

func (t *tx) SetPriceActive(_ context.Context, provider, model string, active bool, now time.Time) error {
	k := priceKey(provider, model)
	p, ok := t.s.prices[k]
	if !ok {
		return store.ErrNotFound
	}
	prev := p
	if err := t.write(func() { t.s.prices[k] = prev }); err != nil {
		return err
	}
	p.Active = active
	p.UpdatedAt = now
	t.s.prices[k] = p
	return nil
}

func (t *tx) ListPrices(_ context.Context) ([]store.PriceRecord, error) {
	out := make([]store.PriceRecord, 0, len(t.s.prices))
	for _, p := range t.s.prices {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// Plans

func (t *tx) GetPlan(_ context.Context, id string) (*store.Plan, error) {
	p, ok := t.s.plans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (t *tx) UpsertPlan(_ context.Context, p *store.Plan) error {
	prev, existed := t.s.plans[p.ID]
	if err := t.write(func() {
		if existed {
			t.s.plans[p.ID] = prev
		} else {
			delete(t.s.plans, p.ID)
		}
	}); err != nil {
		return err
	}
	t.s.plans[p.ID] = *p
	return nil
}

func (t *tx) ListPlans(_ context.Context) ([]store.Plan, error) {
	out := make([]store.Plan, 0, len(t.s.plans))
	for _, p := range t.s.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Subscriptions

func (t *tx) activeFor(userID string) (store.Subscription, bool) {
	for _, s := range t.s.subs {
		if s.UserID == userID && s.Status == store.StatusActive {
			return s, true
		}
	}
	return store.Subscription{}, false
}

func (t *tx) InsertSubscription(_ context.Context, s *store.Subscription) error {
	if _, ok := t.s.subs[s.ID]; ok {
		return store.ErrDuplicate
	}
	if s.Status == store.StatusActive {
		if _, ok := t.activeFor(s.UserID); ok {
			return store.ErrDuplicate
		}
	}
	id := s.ID
	if err := t.write(func() { delete(t.s.subs, id) }); err != nil {
		return err
	}
	t.s.subs[id] = *s
	return nil
}

func (t *tx) GetSubscription(_ context.Context, id string) (*store.Subscription, error) {
	s, ok := t.s.subs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (t *tx) LockSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return t.GetSubscription(ctx, id)
}

func (t *tx) GetActiveSubscriptionByUser(_ context.Context, userID string) (*store.Subscription, error) {
	s, ok := t.activeFor(userID)
	if !ok {
		return nil, store.ErrNotFound
	}
	return &s, nil
}

func (t *tx) LockActiveSubscriptionByUser(ctx context.Context, userID string) (*store.Subscription, error) {
	return t.GetActiveSubscriptionByUser(ctx, userID)
}

func (t *tx) UpdateSubscription(_ context.Context, s *store.Subscription) error {
	prev, ok := t.s.subs[s.ID]
	if !ok {
		return store.ErrNotFound
	}
	if err := t.write(func() { t.s.subs[prev.ID] = prev }); err != nil {
		return err
	}
	t.s.subs[s.ID] = *s
	return nil
}

func (t *tx) ExpireSubscriptions(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, s := range t.s.subs {
		if s.Status != store.StatusCanceled || s.CurrentPeriodEnd.After(now) {
			continue
		}
		prev := s
		if err := t.write(func() { t.s.subs[prev.ID] = prev }); err != nil {
			return n, err
		}
		s.Status = store.StatusExpired
		s.UpdatedAt = now
		t.s.subs[id] = s
		n++
	}
	return n, nil
}

// Idempotency

func (t *tx) GetIdempotencyRecord(_ context.Context, key string) (*store.IdempotencyRecord, error) {
	r, ok := t.s.idem[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

func (t *tx) InsertIdempotencyRecord(_ context.Context, r *store.IdempotencyRecord) error {
	if _, ok := t.s.idem[r.Key]; ok {
		return store.ErrDuplicate
	}
	key := r.Key
	if err := t.write(func() { delete(t.s.idem, key) }); err != nil {
		return err
	}
	t.s.idem[key] = *r
	return nil
}

func (t *tx) DeleteExpiredIdempotencyRecords(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for k, r := range t.s.idem {
		if r.ExpiresAt.After(now) {
			continue
		}
		prev := r
		if err := t.write(func() { t.s.idem[prev.Key] = prev }); err != nil {
			return n, err
		}
		delete(t.s.idem, k)
		n++
	}
	return n, nil
}

// Refills

func (t *tx) InsertRefill(_ context.Context, r *store.RefillRecord) error {
	n := len(t.s.refills)
	if err := t.write(func() { t.s.refills = t.s.refills[:n] }); err != nil {
		return err
	}
	t.s.refills = append(t.s.refills, *r)
	return nil
}

func (t *tx) ListRefills(_ context.Context, subscriptionID string, limit int) ([]store.RefillRecord, error) {
	var out []store.RefillRecord
	for i := len(t.s.refills) - 1; i >= 0; i-- {
		if t.s.refills[i].SubscriptionID != subscriptionID {
			continue
		}
		out = append(out, t.s.refills[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
