package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/kelpejol/tally/internal/cache"
	"github.com/kelpejol/tally/internal/clock"
	"github.com/kelpejol/tally/internal/store"
	"github.com/kelpejol/tally/internal/store/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Store, *memory.Store, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	st := memory.New()
	clk := clock.NewFake(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(st, cache.NewRedis(client, ""), clk, nil, zerolog.Nop()), st, mr, clk
}

func TestCheckAndCommit(t *testing.T) {
	ctx := context.Background()
	s, _, mr, _ := setup(t)
	key := ScopedKey("w1", "req-1")
	assert.Equal(t, "w1:req-1", key)

	_, ok := s.Check(ctx, key)
	assert.False(t, ok)

	s.Commit(ctx, key, []byte(`{"usage_id":"u1"}`), time.Minute)
	got, ok := s.Check(ctx, key)
	require.True(t, ok)
	assert.Equal(t, `{"usage_id":"u1"}`, string(got))

	mr.FastForward(2 * time.Minute)
	_, ok = s.Check(ctx, key)
	assert.False(t, ok)
}

func TestCheck_CacheDownIsMiss(t *testing.T) {
	s, _, mr, _ := setup(t)
	mr.Close()

	_, ok := s.Check(context.Background(), "w1:req-1")
	assert.False(t, ok)
}

func TestRecordAndLookup_SurvivesCacheLoss(t *testing.T) {
	ctx := context.Background()
	s, st, mr, clk := setup(t)
	key := ScopedKey("w1", "req-1")

	err := st.WithTx(ctx, func(tx store.Tx) error {
		return s.Record(ctx, tx, &store.IdempotencyRecord{
			Key: key, UserID: "u1", ResourceType: "usage", ResourceID: "ue1",
			Response: []byte(`{"usage_id":"ue1"}`),
		})
	})
	require.NoError(t, err)
	mr.FlushAll()

	err = st.View(ctx, func(tx store.Tx) error {
		resp, ok, err := s.Lookup(ctx, tx, key)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, `{"usage_id":"ue1"}`, string(resp))
		return nil
	})
	require.NoError(t, err)

	// Past the default TTL the record no longer replays.
	clk.Advance(DefaultTTL + time.Second)
	err = st.View(ctx, func(tx store.Tx) error {
		_, ok, err := s.Lookup(ctx, tx, key)
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestRecord_RolledBackWithBusinessTx(t *testing.T) {
	ctx := context.Background()
	s, st, _, _ := setup(t)

	boom := errors.New("insufficient")
	err := st.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, s.Record(ctx, tx, &store.IdempotencyRecord{Key: "w1:k", Response: []byte("{}")}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = st.View(ctx, func(tx store.Tx) error {
		_, ok, err := s.Lookup(ctx, tx, "w1:k")
		require.NoError(t, err)
		assert.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	s, st, _, clk := setup(t)

	err := st.WithTx(ctx, func(tx store.Tx) error {
		require.NoError(t, s.Record(ctx, tx, &store.IdempotencyRecord{Key: "a", Response: []byte("{}"), ExpiresAt: clk.Now().Add(time.Hour)}))
		return s.Record(ctx, tx, &store.IdempotencyRecord{Key: "b", Response: []byte("{}"), ExpiresAt: clk.Now().Add(48 * time.Hour)})
	})
	require.NoError(t, err)

	n, err := s.Cleanup(ctx, clk.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Cleanup(ctx, clk.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}
