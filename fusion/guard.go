package fusion

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ReleaseGuard admits at most one secret release per order at a time.
// Acquire returns false when the order is already held.
type ReleaseGuard interface {
	Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, orderID string) error
}

// MemoryReleaseGuard guards releases within a single node
type MemoryReleaseGuard struct {
	cache *gocache.Cache
}

func NewMemoryReleaseGuard() *MemoryReleaseGuard {
	return &MemoryReleaseGuard{cache: gocache.New(gocache.NoExpiration, time.Minute)}
}

func (g *MemoryReleaseGuard) Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	// Add fails when a live item exists
	if err := g.cache.Add(orderID, struct{}{}, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (g *MemoryReleaseGuard) Release(ctx context.Context, orderID string) error {
	g.cache.Delete(orderID)
	return nil
}
