// Package cache is a process-wide read-through memoizer with per-entry TTL and
// explicit invalidation. Entries never survive a restart.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"quotedesk.org/internal/obs"
)

const defaultSweepInterval = time.Minute

type entry struct {
	value     any
	expiresAt time.Time
}

// Cache is safe for concurrent use. Concurrent misses for the same key are
// coalesced into a single in-flight computation; all waiters share its result.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a cache and starts a janitor goroutine that sweeps expired
// entries. Call Close on shutdown to stop it.
func New() *Cache {
	c := &Cache{
		entries: make(map[string]entry),
		stop:    make(chan struct{}),
	}
	go c.janitor(defaultSweepInterval)
	return c
}

// GetOrCompute returns the live value for key, or invokes compute, stores the
// result for ttl and returns it. compute runs at most once per miss regardless
// of how many callers arrive concurrently; it should be time-bounded by the
// caller since every coalesced waiter blocks on it. Errors are not cached.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (any, error)) (any, error) {
	if v, ok := c.lookup(key); ok {
		obs.RecordCacheHit()
		return v, nil
	}
	obs.RecordCacheMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// A coalesced waiter may arrive after the flight that filled the key
		// finished; re-check before recomputing.
		if v, ok := c.lookup(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.store(key, v, ttl)
		return v, nil
	})
	return v, err
}

// Invalidate removes the entry for key immediately, independent of TTL.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	c.mu.Unlock()

	// Detach any in-flight computation so the next caller recomputes instead
	// of joining a flight started before the invalidation.
	c.group.Forget(key)
	if existed {
		obs.RecordCacheInvalidation(1)
	}
}

// InvalidateByPrefix removes every live entry whose key starts with prefix.
func (c *Cache) InvalidateByPrefix(prefix string) {
	c.mu.Lock()
	var removed []string
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			removed = append(removed, k)
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	for _, k := range removed {
		c.group.Forget(k)
	}
	if len(removed) > 0 {
		obs.RecordCacheInvalidation(len(removed))
	}
}

// Len reports the number of stored entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Close stops the janitor goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Cache) lookup(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) store(key string, v any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.entries[key] = entry{value: v, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
}

func (c *Cache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, e := range c.entries {
				if now.After(e.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		}
	}
}
