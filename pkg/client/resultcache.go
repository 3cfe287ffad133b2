package client

import (
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result cache keys for read-mostly queries.
const (
	cacheKeyTargets       = "iscsi.target.list"
	cacheKeyExtents       = "iscsi.extent.list"
	cacheKeyTargetExtents = "iscsi.targetextent.list"
	cacheKeyGlobalConfig  = "iscsi.global.config"
	cacheKeyMethods       = "core.methods"
)

type cacheEntry struct {
	value   any
	expires time.Time
}

// ResultCache is a TTL cache for appliance queries. Invalidate bumps a
// per-key generation so a fetch that started earlier cannot store its
// now-stale result.
type ResultCache struct {
	ttl     time.Duration
	now     func() time.Time
	metrics *callMetrics

	mu      sync.Mutex
	entries map[string]cacheEntry
	gens    map[string]uint64

	fetches singleflight.Group
}

func NewResultCache(ttl time.Duration, metrics *callMetrics) *ResultCache {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &ResultCache{
		ttl:     ttl,
		now:     time.Now,
		metrics: metrics,
		entries: make(map[string]cacheEntry),
		gens:    make(map[string]uint64),
	}
}

// GetOrFetch returns the cached value for key, or calls fetch and caches its
// result for ttl (the cache default when ttl <= 0). Errors are not cached.
func (c *ResultCache) GetOrFetch(key string, ttl time.Duration, fetch func() (any, error)) (any, error) {
	if ttl <= 0 {
		ttl = c.ttl
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		c.metrics.cacheLookup(key, true)
		return e.value, nil
	}
	gen := c.gens[key]
	c.mu.Unlock()
	c.metrics.cacheLookup(key, false)

	v, err, _ := c.fetches.Do(key, func() (any, error) {
		v, err := fetch()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gens[key] == gen {
			c.entries[key] = cacheEntry{value: v, expires: c.now().Add(ttl)}
		}
		c.mu.Unlock()
		return v, nil
	})
	return v, err
}

// Invalidate drops keys and prevents in-flight fetches from repopulating them.
func (c *ResultCache) Invalidate(keys ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		c.invalidateLocked(key)
	}
}

func (c *ResultCache) invalidateLocked(key string) {
	delete(c.entries, key)
	c.gens[key]++
	c.fetches.Forget(key)
}

// cached is the typed form of GetOrFetch using the default TTL.
func cached[T any](c *ResultCache, key string, fetch func() (T, error)) (T, error) {
	v, err := c.GetOrFetch(key, 0, func() (any, error) {
		return fetch()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
