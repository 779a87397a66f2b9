package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type localEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// Local is a thread-safe in-process LRU cache with per-key TTL. It backs a
// single-instance deployment when no Redis is configured.
type Local struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List
	now      func() time.Time
}

// NewLocal creates a cache holding at most capacity entries.
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = 10000
	}
	return &Local{
		capacity: capacity,
		items:    make(map[string]*list.Element, capacity),
		order:    list.New(),
		now:      time.Now,
	}
}

func (c *Local) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		return nil, ErrMiss
	}
	entry := elem.Value.(*localEntry)
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, ErrMiss
	}
	c.order.MoveToFront(elem)

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

func (c *Local) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, value, ttl)
	return nil
}

func (c *Local) setLocked(key string, value []byte, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	v := make([]byte, len(value))
	copy(v, value)

	if elem, ok := c.items[key]; ok {
		entry := elem.Value.(*localEntry)
		entry.value = v
		entry.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return
	}

	c.items[key] = c.order.PushFront(&localEntry{key: key, value: v, expiresAt: expiresAt})
	if c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.remove(oldest)
		}
	}
}

func (c *Local) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	return nil
}

// CleanupExpired drops expired entries and returns how many were removed.
func (c *Local) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	var prev *list.Element
	for elem := c.order.Back(); elem != nil; elem = prev {
		prev = elem.Prev()
		entry := elem.Value.(*localEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			c.remove(elem)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, expired ones included.
func (c *Local) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Local) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*localEntry).key)
}
