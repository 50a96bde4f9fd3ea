package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const minCleanupInterval = time.Second

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (it *item[V]) expired(now time.Time) bool {
	return now.After(it.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support
type Cache[V any] struct {
	items       map[string]*item[V]
	mu          sync.RWMutex
	defaultTTL  time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewCache creates a cache and starts its background cleanup.
func NewCache[V any](defaultTTL time.Duration) *Cache[V] {
	c := &Cache[V]{
		items:       make(map[string]*item[V]),
		defaultTTL:  defaultTTL,
		stopCleanup: make(chan struct{}),
	}

	interval := defaultTTL / 2
	if interval < minCleanupInterval {
		interval = minCleanupInterval
	}
	go c.cleanup(interval)

	return c
}

// Get retrieves a live value from cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	it, exists := c.items[key]
	if !exists || it.expired(time.Now()) {
		return zero, false
	}
	return it.value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value in cache with custom TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &item[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Invalidate removes every key starting with prefix. An empty prefix only
// removes expired items.
func (c *Cache[V]) Invalidate(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, it := range c.items {
		if prefix == "" {
			if it.expired(now) {
				delete(c.items, key)
			}
			continue
		}
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
		}
	}
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Stats returns cache statistics
type Stats struct {
	Size      int
	Expired   int
	TotalKeys int
}

// GetStats returns cache statistics
func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{TotalKeys: len(c.items)}
	now := time.Now()
	for _, it := range c.items {
		if it.expired(now) {
			stats.Expired++
		}
	}
	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}

// CacheWithFallback loads missing keys through a fallback. Concurrent
// misses on one key share a single fallback call.
type CacheWithFallback[V any] struct {
	cache *Cache[V]
	group singleflight.Group
}

// NewCacheWithFallback creates a cache with fallback function support
func NewCacheWithFallback[V any](defaultTTL time.Duration) *CacheWithFallback[V] {
	return &CacheWithFallback[V]{cache: NewCache[V](defaultTTL)}
}

// GetOrSet returns the cached value or loads, caches and returns it.
// Fallback errors are not cached. ttl <= 0 uses the default TTL.
func (c *CacheWithFallback[V]) GetOrSet(ctx context.Context, key string, fallback func(context.Context) (V, error), ttl time.Duration) (V, error) {
	if value, found := c.cache.Get(key); found {
		return value, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		value, err := fallback(ctx)
		if err != nil {
			return nil, err
		}
		if ttl > 0 {
			c.cache.SetWithTTL(key, value, ttl)
		} else {
			c.cache.Set(key, value)
		}
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Delete removes one key
func (c *CacheWithFallback[V]) Delete(key string) {
	c.cache.Delete(key)
}

// Invalidate invalidates cache entries matching prefix
func (c *CacheWithFallback[V]) Invalidate(prefix string) {
	c.cache.Invalidate(prefix)
}

// Stop stops the cache cleanup
func (c *CacheWithFallback[V]) Stop() {
	c.cache.Stop()
}
