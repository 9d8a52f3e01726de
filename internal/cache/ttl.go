// Package cache provides a bounded in-process cache with per-entry expiry.
package cache

import (
	"sync"
	"time"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 10000
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
	Now        func() time.Time
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
}

// TTL holds at most MaxEntries values. When full, the oldest entry is evicted
// to make room.
type TTL[K comparable, V any] struct {
	mu         sync.Mutex
	entries    map[K]entry[V]
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
}

func NewTTL[K comparable, V any](cfg Config) *TTL[K, V] {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &TTL[K, V]{
		entries:    make(map[K]entry[V]),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        cfg.Now,
	}
}

func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if !c.now().Before(item.expiresAt) {
		delete(c.entries, key)
		var zero V
		return zero, false
	}
	return item.value, true
}

func (c *TTL[K, V]) Set(key K, value V) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[key] = entry[V]{value: value, createdAt: now, expiresAt: now.Add(c.ttl)}
}

func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictLocked drops expired entries, or the oldest one when none expired.
func (c *TTL[K, V]) evictLocked(now time.Time) {
	var (
		oldestKey K
		oldestAt  time.Time
		found     bool
		expired   bool
	)
	for key, item := range c.entries {
		if !now.Before(item.expiresAt) {
			delete(c.entries, key)
			expired = true
			continue
		}
		if !found || item.createdAt.Before(oldestAt) {
			oldestKey, oldestAt, found = key, item.createdAt, true
		}
	}
	if !expired && found {
		delete(c.entries, oldestKey)
	}
}
