package cache

import (
	"time"

	"github.com/maypok86/otter"
)

// MemoryCache is a bounded, TTL-based L1 cache backed by otter (S3-FIFO).
type MemoryCache[V any] struct {
	store otter.Cache[string, V]
}

// NewMemoryCache builds a cache holding at most capacity items for ttl each.
func NewMemoryCache[V any](capacity int, ttl time.Duration) (*MemoryCache[V], error) {
	store, err := otter.MustBuilder[string, V](capacity).
		WithTTL(ttl).
		Build()
	if err != nil {
		return nil, err
	}
	return &MemoryCache[V]{store: store}, nil
}

func (c *MemoryCache[V]) Get(key string) (V, bool) {
	return c.store.Get(key)
}

func (c *MemoryCache[V]) Set(key string, value V) {
	c.store.Set(key, value)
}

func (c *MemoryCache[V]) Del(key string) {
	c.store.Delete(key)
}

// Len is the current number of live entries.
func (c *MemoryCache[V]) Len() int {
	return c.store.Size()
}

// Close stops the background cleanup goroutines.
func (c *MemoryCache[V]) Close() {
	c.store.Close()
}
