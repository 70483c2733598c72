package cache

import (
	"context"
	"time"
)

// LayeredCache fronts a shared cache (L2, Redis) with an in-process TTLCache (L1).
type LayeredCache struct {
	l1    *TTLCache
	l2    BytesCache
	l1TTL time.Duration
}

// NewLayeredCache keeps promoted L2 hits in memory for at most l1TTL.
func NewLayeredCache(l2 BytesCache, l1Max int, l1TTL time.Duration) *LayeredCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Second
	}
	return &LayeredCache{l1: NewTTLCache(l1Max), l2: l2, l1TTL: l1TTL}
}

func (lc *LayeredCache) GetBytes(ctx context.Context, key string) ([]byte, bool, error) {
	if b, ok, _ := lc.l1.GetBytes(ctx, key); ok {
		return b, true, nil
	}
	b, ok, err := lc.l2.GetBytes(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = lc.l1.SetBytes(ctx, key, b, lc.l1TTL)
	return b, true, nil
}

// SetBytes writes through: L2 first, then memory.
func (lc *LayeredCache) SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := lc.l2.SetBytes(ctx, key, value, ttl); err != nil {
		return err
	}
	l1ttl := lc.l1TTL
	if ttl > 0 && ttl < l1ttl {
		l1ttl = ttl
	}
	return lc.l1.SetBytes(ctx, key, value, l1ttl)
}

// Close closes L2 when it holds a connection.
func (lc *LayeredCache) Close() error {
	if c, ok := lc.l2.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}
