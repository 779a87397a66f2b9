package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedis_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	c := NewRedis(client, "tally:")

	_, err := c.Get(ctx, "price:openai:gpt-4o")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "price:openai:gpt-4o", []byte(`{"id":"p1"}`), time.Hour))
	assert.True(t, mr.Exists("tally:price:openai:gpt-4o"))

	got, err := c.Get(ctx, "price:openai:gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, `{"id":"p1"}`, string(got))

	mr.FastForward(2 * time.Hour)
	_, err = c.Get(ctx, "price:openai:gpt-4o")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, c.Delete(ctx, "k"))
	_, err = c.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_ErrorWhenServerDown(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	c := NewRedis(client, "")
	mr.Close()

	_, err := c.Get(ctx, "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}

func TestRedis_SetIfNewer(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	c := NewRedis(client, "p:")

	ok, err := c.SetIfNewer(ctx, "bal", Versioned{Version: 2, Value: []byte("8")}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// An older writer finishing late must not overwrite the newer value.
	ok, err = c.SetIfNewer(ctx, "bal", Versioned{Version: 1, Value: []byte("9")}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := mr.Get("p:bal")
	require.NoError(t, err)
	assert.Equal(t, "2:8", got)
	assert.Equal(t, time.Minute, mr.TTL("p:bal"))

	// Unversioned values are replaced.
	require.NoError(t, mr.Set("p:bal", "999"))
	ok, err = c.SetIfNewer(ctx, "bal", Versioned{Version: 1, Value: []byte("9")}, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = mr.Get("p:bal")
	assert.Equal(t, "1:9", got)
}

func TestRedis_SetManyIfNewer(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	c := NewRedis(client, "p:")

	require.NoError(t, mr.Set("p:a", "5:new"))

	entries := map[string]Versioned{}
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		entries[k] = Versioned{Version: 3, Value: []byte(k + k)}
	}
	require.NoError(t, c.SetManyIfNewer(ctx, entries, time.Minute, 2))

	got, _ := mr.Get("p:a")
	assert.Equal(t, "5:new", got)
	for _, k := range []string{"b", "c", "d", "e"} {
		got, err := mr.Get("p:" + k)
		require.NoError(t, err)
		assert.Equal(t, "3:"+k+k, got)
	}
}

func TestLocal_SetIfNewer(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(10)

	ok, err := SetIfNewer(ctx, c, "bal", Versioned{Version: 4, Value: []byte("1")}, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = SetIfNewer(ctx, c, "bal", Versioned{Version: 3, Value: []byte("2")}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	b, err := c.Get(ctx, "bal")
	require.NoError(t, err)
	v, err := SplitVersioned(b)
	require.NoError(t, err)
	assert.Equal(t, int64(4), v.Version)
	assert.Equal(t, "1", string(v.Value))
}

func TestSetIfNewer_FallbackDeletes(t *testing.T) {
	ctx := context.Background()
	c := deleteOnly{Local: NewLocal(10)}
	require.NoError(t, c.Set(ctx, "bal", []byte("1:5"), 0))

	ok, err := SetIfNewer(ctx, c, "bal", Versioned{Version: 2, Value: []byte("6")}, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = c.Get(ctx, "bal")
	assert.ErrorIs(t, err, ErrMiss)
}

// deleteOnly hides Local's SetIfNewer.
type deleteOnly struct{ Local *Local }

func (d deleteOnly) Get(ctx context.Context, key string) ([]byte, error) { return d.Local.Get(ctx, key) }
func (d deleteOnly) Set(ctx context.Context, key string, v []byte, ttl time.Duration) error {
	return d.Local.Set(ctx, key, v, ttl)
}
func (d deleteOnly) Delete(ctx context.Context, key string) error { return d.Local.Delete(ctx, key) }

func TestSplitVersioned(t *testing.T) {
	v, err := SplitVersioned([]byte("12:3.5"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), v.Version)
	assert.Equal(t, "3.5", string(v.Value))

	for _, raw := range []string{"3.5", ":3.5", "x:3.5"} {
		_, err := SplitVersioned([]byte(raw))
		assert.ErrorIs(t, err, ErrNotVersioned, raw)
	}
}

func TestLocal_TTLAndEviction(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(2)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	// "b" is now least recently used.
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))
	_, err = c.Get(ctx, "b")
	assert.ErrorIs(t, err, ErrMiss)

	now = now.Add(2 * time.Minute)
	_, err = c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss)
	assert.Equal(t, 1, c.CleanupExpired())
	assert.Equal(t, 0, c.Len())
}

func TestLocal_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewLocal(10)
	v := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", v, 0))
	v[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestRedisLocker_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "lock:")

	l1, err := locker.Acquire(ctx, "refill:u1", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "refill:u1", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l1.Release(ctx))
	require.NoError(t, l1.Release(ctx))
	assert.False(t, mr.Exists("lock:refill:u1"))

	l2, err := locker.Acquire(ctx, "refill:u1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestRedisLocker_ExpiredHolderDoesNotReleaseNewOwner(t *testing.T) {
	ctx := context.Background()
	mr, client := newMiniredis(t)
	locker := NewRedisLocker(client, "")

	stale, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	assert.True(t, mr.Exists("k"))
	require.NoError(t, fresh.Release(ctx))
	assert.False(t, mr.Exists("k"))
}

func TestLocalLocker(t *testing.T) {
	ctx := context.Background()
	locker := NewLocalLocker()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }

	l1, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld)

	now = now.Add(2 * time.Minute)
	l2, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err, "ttl lapsed")

	require.NoError(t, l1.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLockHeld, "stale release must not free the new holder")

	require.NoError(t, l2.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}
