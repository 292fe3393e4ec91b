package network

import (
	"sync"
	"time"
)

// RecentCache is a bounded mapping fingerprint -> timestamp with a
// TTL (§4.2). Callers hold a mutex around the logical operation
// sequence they care about; the cache itself is safe for concurrent
// use.
type RecentCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[MessageHash]time.Time
	order    []MessageHash // insertion order, for oldest-eviction
	now      func() time.Time
}

// NewRecentCache creates a cache bounded by capacity with the given TTL.
func NewRecentCache(capacity int, ttl time.Duration) *RecentCache {
	return &RecentCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[MessageHash]time.Time, capacity),
		now:      time.Now,
	}
}

// Contains opportunistically purges the entry if expired, then
// reports whether the hash is still present.
func (c *RecentCache) Contains(h MessageHash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.entries[h]
	if !ok {
		return false
	}
	if c.now().Sub(ts) > c.ttl {
		delete(c.entries, h)
		return false
	}
	return true
}

// Insert records h as seen now. If the hash is already present (and
// unexpired) this is a no-op, satisfying dedup idempotence (§8.2). On
// a full cache with no expired candidates, the oldest entry is
// evicted to make room.
func (c *RecentCache) Insert(h MessageHash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if ts, ok := c.entries[h]; ok && now.Sub(ts) <= c.ttl {
		return
	}

	c.purgeExpiredLocked(now)

	if len(c.entries) >= c.capacity {
		c.evictOldestLocked()
	}

	if _, exists := c.entries[h]; !exists {
		c.order = append(c.order, h)
	}
	c.entries[h] = now
}

// Len reports the number of live (possibly not-yet-purged) entries.
func (c *RecentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *RecentCache) purgeExpiredLocked(now time.Time) {
	if len(c.order) == 0 {
		return
	}
	kept := c.order[:0]
	for _, h := range c.order {
		ts, ok := c.entries[h]
		if !ok {
			continue
		}
		if now.Sub(ts) > c.ttl {
			delete(c.entries, h)
			continue
		}
		kept = append(kept, h)
	}
	c.order = kept
}

func (c *RecentCache) evictOldestLocked() {
	for len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			return
		}
	}
}
