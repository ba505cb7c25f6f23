// Package redis provides an adapter to redis client
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReleaseGuard holds one key per order while its secret is being released, so that nodes sharing
// the redis instance release a secret at most once
type ReleaseGuard struct {
	client    *redis.Client
	keyPrefix string
}

func NewReleaseGuard(client *redis.Client, keyPrefix string) *ReleaseGuard {
	return &ReleaseGuard{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

func (g *ReleaseGuard) Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, g.keyPrefix+orderID, time.Now().Unix(), ttl).Result()
}

func (g *ReleaseGuard) Release(ctx context.Context, orderID string) error {
	return g.client.Del(ctx, g.keyPrefix+orderID).Err()
}
