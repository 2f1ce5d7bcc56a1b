// Package cache holds the dashboard's cached read-side state. Each logical
// query key ("products", "sales-today") is populated on first read and marked
// stale when the sale pipeline or a direct edit commits a change, forcing the
// next read through to the store.
package cache

import (
	"sync"
	"time"
)

const (
	KeyProducts   = "products"
	KeySalesToday = "sales-today"
)

type entry struct {
	value       interface{}
	populatedAt time.Time
	stale       bool
	gen         uint64
}

type QueryCache struct {
	mu      sync.Mutex
	entries map[string]*entry
}

func New() *QueryCache {
	return &QueryCache{entries: make(map[string]*entry)}
}

// GetOrPopulate returns the cached value for key, calling populate only when
// the key is missing or has been invalidated. A failed populate leaves the
// key stale so the next read retries. The populate call runs outside the
// lock, so reads of other keys and invalidations never block behind a store
// fetch; an invalidation that lands while populate is in flight wins, and the
// fetched value is returned to the caller but not cached.
func (c *QueryCache) GetOrPopulate(key string, populate func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && !e.stale {
		value := e.value
		c.mu.Unlock()
		return value, nil
	}
	if !ok {
		e = &entry{stale: true}
		c.entries[key] = e
	}
	gen := e.gen
	c.mu.Unlock()

	value, err := populate()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if e.gen == gen {
		e.value = value
		e.populatedAt = time.Now()
		e.stale = false
	}
	c.mu.Unlock()
	return value, nil
}

// Peek returns the cached value without populating.
func (c *QueryCache) Peek(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.stale {
		return nil, false
	}
	return e.value, true
}

// Invalidate marks keys stale. Missing keys are ignored.
func (c *QueryCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if e, ok := c.entries[key]; ok {
			e.stale = true
			e.gen++
		}
	}
}

// InvalidateAll marks every cached key stale.
func (c *QueryCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		e.stale = true
		e.gen++
	}
}
