package cache

import (
	"sync"
)

// Cache defines a generic interface for memoized lookups.
type Cache[K comparable, V any] interface {
	// Get retrieves a value from the cache.
	Get(key K) (V, bool)
	// Put stores a value in the cache.
	Put(key K, val V)
	// Size returns the number of items in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of Cache.
type MapCache[K comparable, V any] struct {
	data map[K]V
	mu   sync.RWMutex
}

func NewMapCache[K comparable, V any]() *MapCache[K, V] {
	return &MapCache[K, V]{
		data: make(map[K]V),
	}
}

func (c *MapCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *MapCache[K, V]) Put(key K, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = val
}

// GetOrCompute returns the cached value for key, computing and storing it on a
// miss. fn runs outside the lock; concurrent misses may compute twice.
func (c *MapCache[K, V]) GetOrCompute(key K, fn func() V) V {
	if v, ok := c.Get(key); ok {
		return v
	}
	v := fn()
	c.Put(key, v)
	return v
}

func (c *MapCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
