package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ErrLockHeld is returned by Acquire when another holder owns the key.
var ErrLockHeld = errors.New("cache: lock held")

// Locker hands out short-lived mutexes keyed by string. The TTL bounds how
// long a crashed holder can block others.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error)
}

// Lock is a held mutex. Release is safe to call more than once.
type Lock struct {
	key     string
	token   string
	release func(ctx context.Context, key, token string) error
	once    sync.Once
}

// Key returns the locked key.
func (l *Lock) Key() string { return l.key }

func (l *Lock) Release(ctx context.Context) error {
	var err error
	l.once.Do(func() {
		err = l.release(ctx, l.key, l.token)
	})
	return err
}

// Deleting only when the token still matches keeps a holder whose TTL lapsed
// from releasing a lock someone else has since acquired.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix}
}

func (r *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{key: key, token: token, release: r.release}, nil
}

func (r *RedisLocker) release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis lock release failed: %w", err)
	}
	return nil
}

// LocalLocker is an in-process Locker for single-instance deployments.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localHold
	now  func() time.Time
}

type localHold struct {
	token     string
	expiresAt time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localHold), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, key string, ttl time.Duration) (*Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expiresAt) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.held[key] = localHold{token: token, expiresAt: now.Add(ttl)}
	return &Lock{key: key, token: token, release: l.release}, nil
}

func (l *LocalLocker) release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[key]; ok && h.token == token {
		delete(l.held, key)
	}
	return nil
}
