// Package cache is a keyed, time-to-live store used by the manager client's
// read-through caching and by any other component that needs an in-memory value
// with an expiry. Generalized from the ad hoc per-feature TTL caches this kind
// of repo tends to hand-roll per feed (XMLTV cache, smoketest result cache):
// one mutex-guarded map, checked lazily on Get and swept periodically.
package cache

import (
	"strings"
	"sync"
	"time"
)

// entry is one cached value with its absolute expiry.
type entry struct {
	value   any
	expires time.Time
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Size    int // total entries currently stored, including expired-but-not-swept
	Active  int // entries not yet expired
	Expired int // entries past their expiry but not yet swept
	Hits    int64
	Misses  int64
}

// Cache is a keyed TTL store safe for concurrent use. Values are treated as
// immutable snapshots: callers must not mutate a value obtained from Get.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	hits    int64
	misses  int64

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
}

// New creates a Cache and starts its background sweeper at sweepInterval
// (defaulting to 30s when <= 0). Call Close to stop the sweeper goroutine.
func New(sweepInterval time.Duration) *Cache {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	c := &Cache{
		entries:       make(map[string]entry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached value for key and whether it was a hit. A missing or
// expired key is not an error; it is reported as a miss.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expires) {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	return e.value, true
}

// Put stores value under key with the given ttl.
func (c *Cache) Put(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, expires: time.Now().Add(ttl)}
	c.mu.Unlock()
}

// Invalidate removes key, if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidatePrefix removes every key with the given prefix.
func (c *Cache) InvalidatePrefix(prefix string) {
	c.mu.Lock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

// Stats returns a snapshot of cache size and hit/miss counters.
func (c *Cache) Stats() Stats {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{Size: len(c.entries), Hits: c.hits, Misses: c.misses}
	for _, e := range c.entries {
		if now.After(e.expires) {
			s.Expired++
		} else {
			s.Active++
		}
	}
	return s
}

// Sweep removes all expired entries immediately. Called automatically on a
// timer; exported so tests and callers can force a deterministic sweep.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.stopSweep:
			return
		}
	}
}

// Close stops the background sweeper. Safe to call more than once.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stopSweep)
	})
}
