package fmp

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type cacheEntry struct {
	body    []byte
	expires time.Time
}

// cache holds raw response bodies until their TTL elapses
type cache struct {
	clock clock.Clock
	ttl   time.Duration

	mu        sync.Mutex
	entries   map[string]cacheEntry
	nextSweep time.Time
}

func newCache(clk clock.Clock, ttl time.Duration) *cache {
	return &cache{
		clock:   clk,
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *cache) get(key string) ([]byte, bool) {
	if c.ttl <= 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.body, true
}

func (c *cache) set(key string, body []byte) {
	if c.ttl <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if !now.Before(c.nextSweep) {
		c.sweepLocked(now)
		c.nextSweep = now.Add(c.ttl)
	}
	c.entries[key] = cacheEntry{body: body, expires: now.Add(c.ttl)}
}

// sweepLocked drops every expired entry, including keys never read again
func (c *cache) sweepLocked(now time.Time) {
	for key, entry := range c.entries {
		if !now.Before(entry.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *cache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
