package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	v   []byte
	exp time.Time
}

// TTLCache is the in-process BytesCache used when Redis is not configured.
type TTLCache struct {
	mu  sync.RWMutex
	m   map[string]entry
	max int
	now func() time.Time
}

// NewTTLCache bounds the cache to max entries; max <= 0 means unbounded.
func NewTTLCache(max int) *TTLCache {
	return &TTLCache{m: make(map[string]entry), max: max, now: time.Now}
}

func (c *TTLCache) GetBytes(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.exp.IsZero() && c.now().After(e.exp) {
		c.mu.Lock()
		delete(c.m, key)
		c.mu.Unlock()
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *TTLCache) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.max > 0 && len(c.m) >= c.max {
		if _, exists := c.m[key]; !exists {
			c.evictLocked()
		}
	}
	c.m[key] = entry{v: value, exp: exp}
	return nil
}

func (c *TTLCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.m)
}

// evictLocked drops expired entries, or an arbitrary one when none expired.
func (c *TTLCache) evictLocked() {
	now := c.now()
	removed := false
	for k, e := range c.m {
		if !e.exp.IsZero() && now.After(e.exp) {
			delete(c.m, k)
			removed = true
		}
	}
	if removed {
		return
	}
	for k := range c.m {
		delete(c.m, k)
		return
	}
}
