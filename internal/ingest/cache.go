package ingest

import (
	"sync"
	"time"
)

// recentKeys is a bounded, time-windowed set of idempotency keys seen by
// this process. It suppresses accidental double-submits from client
// retries; it does not survive restarts and is not shared across
// instances.
type recentKeys struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	entries  map[string]time.Time
}

func newRecentKeys(capacity int, ttl time.Duration) *recentKeys {
	if capacity <= 0 {
		capacity = 1024
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &recentKeys{
		ttl:      ttl,
		capacity: capacity,
		entries:  map[string]time.Time{},
	}
}

// Seen reports whether the key was recorded within the TTL window.
func (c *recentKeys) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seenAt, ok := c.entries[key]
	if !ok {
		return false
	}
	if now.Sub(seenAt) > c.ttl {
		delete(c.entries, key)
		return false
	}
	return true
}

// Add records a key, evicting expired entries first and the oldest entry
// when still at capacity.
func (c *recentKeys) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, seenAt := range c.entries {
		if now.Sub(seenAt) > c.ttl {
			delete(c.entries, k)
		}
	}
	if len(c.entries) >= c.capacity {
		var oldestKey string
		var oldestAt time.Time
		for k, seenAt := range c.entries {
			if oldestKey == "" || seenAt.Before(oldestAt) {
				oldestKey = k
				oldestAt = seenAt
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[key] = now
}

func (c *recentKeys) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
