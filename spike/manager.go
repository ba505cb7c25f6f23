// Package spike coalesces concurrent lookups of the same key and caches the results.
//
// Callers asking for a key that is already being fetched wait for that fetch instead of
// starting another one. Successful results are kept for the cache time, errors are not cached.
package spike

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const defaultCleanupInterval = time.Minute

type call[T any] struct {
	done chan struct{}
	v    T
	err  error
}

type Manager[T any] struct {
	mu        sync.Mutex
	fetch     func(ctx context.Context, key string) (T, error)
	cache     *gocache.Cache
	cacheTime time.Duration
	inflight  map[string]*call[T]
}

func NewManager[T any](fetch func(ctx context.Context, key string) (T, error), cacheTime time.Duration) *Manager[T] {
	return &Manager[T]{
		fetch:     fetch,
		cache:     gocache.New(cacheTime, defaultCleanupInterval),
		cacheTime: cacheTime,
		inflight:  make(map[string]*call[T]),
	}
}

func (m *Manager[T]) cached(key string) (T, bool) {
	v, ok := m.cache.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	//nolint:forcetypeassert
	return v.(T), true
}

// GetResult returns the cached value of key or waits for a shared fetch of it.
// A caller whose ctx is done stops waiting, the fetch itself keeps running for the others.
func (m *Manager[T]) GetResult(ctx context.Context, key string) (T, error) { //nolint:ireturn
	if v, ok := m.cached(key); ok {
		return v, nil
	}

	m.mu.Lock()
	if v, ok := m.cached(key); ok {
		m.mu.Unlock()
		return v, nil
	}
	c, ok := m.inflight[key]
	if !ok {
		c = &call[T]{done: make(chan struct{})}
		m.inflight[key] = c
		go m.run(context.WithoutCancel(ctx), key, c)
	}
	m.mu.Unlock()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-c.done:
		return c.v, c.err
	}
}

func (m *Manager[T]) run(ctx context.Context, key string, c *call[T]) {
	c.v, c.err = m.fetch(ctx, key)

	m.mu.Lock()
	if c.err == nil {
		m.cache.Set(key, c.v, m.cacheTime)
	}
	delete(m.inflight, key)
	m.mu.Unlock()
	close(c.done)
}

// Set caches a value the caller already has, e.g. a record it just created
func (m *Manager[T]) Set(key string, v T) {
	m.cache.Set(key, v, m.cacheTime)
}

// Forget drops the cached value so the next lookup fetches again
func (m *Manager[T]) Forget(key string) {
	m.cache.Delete(key)
}
