// Package cache provides a small in-memory TTL cache used to front
// document store reads.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// DefaultMaxEntries is the capacity used when none is configured.
const DefaultMaxEntries = 1024

// Entry is a cached value and the time it was stored.
type Entry[K comparable, V any] struct {
	Key      K
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

func (e *Entry[K, V]) fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Option configures an Expiring cache.
type Option func(*config)

type config struct {
	now        func() time.Time
	maxEntries int
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(c *config) { c.now = now }
}

// WithMaxEntries caps the number of stored entries.
func WithMaxEntries(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// Expiring is a fixed-TTL cache with a maximum entry count.
//
// Expired entries are not removed on read; Get simply reports them absent
// and they are replaced or evicted later. At capacity, Set evicts the single
// oldest-inserted entry. Reads do not change insertion order.
type Expiring[K comparable, V any] struct {
	ttl time.Duration
	cfg config

	mu      sync.Mutex
	entries map[K]*list.Element
	order   *list.List // front is oldest
}

// New creates a cache whose entries live for ttl.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *Expiring[K, V] {
	cfg := config{now: time.Now, maxEntries: DefaultMaxEntries}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Expiring[K, V]{
		ttl:     ttl,
		cfg:     cfg,
		entries: make(map[K]*list.Element),
		order:   list.New(),
	}
}

// TTL returns the cache's default time to live.
func (c *Expiring[K, V]) TTL() time.Duration { return c.ttl }

// Get returns the value for key if it was stored less than its TTL ago.
func (c *Expiring[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	e := el.Value.(*Entry[K, V])
	if !e.fresh(c.cfg.now()) {
		var zero V
		return zero, false
	}
	return e.Value, true
}

// Set stores value under key with the cache TTL.
func (c *Expiring[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

// SetWithTTL stores value under key with a TTL other than the cache
// default. Overwriting a key moves it to the back of the insertion order.
func (c *Expiring[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	} else if len(c.entries) >= c.cfg.maxEntries {
		if oldest := c.order.Front(); oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*Entry[K, V]).Key)
		}
	}

	e := &Entry[K, V]{Key: key, Value: value, StoredAt: c.cfg.now(), TTL: ttl}
	c.entries[key] = c.order.PushBack(e)
}

// Delete removes key.
func (c *Expiring[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Expiring[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
