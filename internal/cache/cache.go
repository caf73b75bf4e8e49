// Package cache implements the store's bounded generational cache (see
// spec §4.B): a best-effort, never-authoritative cache where the newest
// generation absorbs writes and is rotated out once it grows past a
// configured size, discarding whatever was the oldest generation.
package cache

import (
	lru "github.com/hashicorp/golang-lru/v2/simplelru"
)

// unbounded is large enough that our own rotation logic (triggered by
// Len() against genLimit) always fires before the backing LRU would ever
// evict an entry on its own; we want rotation, not per-entry eviction,
// inside a generation.
const unbounded = 1 << 30

// Cache is a two-generation, best-effort cache from K to V. Reads from
// the older generation promote the entry into the newest one. It is safe
// for a single owner to use from multiple goroutines only if the owner
// serializes calls (the store does this via its history-access mutex);
// Cache itself holds no lock, matching its "pure best-effort" contract.
type Cache[K comparable, V any] struct {
	genLimit int
	newest   *lru.LRU[K, V]
	older    *lru.LRU[K, V]
}

// New builds a cache that rotates its newest generation once it holds
// more than genLimit entries.
func New[K comparable, V any](genLimit int) *Cache[K, V] {
	if genLimit <= 0 {
		genLimit = 1
	}
	newest, _ := lru.NewLRU[K, V](unbounded, nil)
	older, _ := lru.NewLRU[K, V](unbounded, nil)
	return &Cache[K, V]{genLimit: genLimit, newest: newest, older: older}
}

// Get looks up key, promoting it to the newest generation if it was only
// found in the older one.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	if v, ok := c.newest.Get(key); ok {
		return v, true
	}
	if v, ok := c.older.Get(key); ok {
		c.put(key, v)
		return v, true
	}
	var zero V
	return zero, false
}

// Put inserts or overwrites key in the newest generation, rotating
// generations if the newest one has grown past its limit.
func (c *Cache[K, V]) Put(key K, value V) {
	c.put(key, value)
}

func (c *Cache[K, V]) put(key K, value V) {
	c.newest.Add(key, value)
	if c.newest.Len() > c.genLimit {
		c.older = c.newest
		newest, _ := lru.NewLRU[K, V](unbounded, nil)
		c.newest = newest
	}
}

// Invalidate removes key from both generations, used when a writer knows
// a cached entry is now stale (e.g. a zone key that's about to be
// rewritten — which should never happen under the Zone contract, but
// Invalidate exists for callers layering their own mutation semantics).
func (c *Cache[K, V]) Invalidate(key K) {
	c.newest.Remove(key)
	c.older.Remove(key)
}

// Len reports the number of entries across both generations (may
// double-count a key present in both momentarily after a promotion race;
// callers should treat this as approximate, matching the cache's
// best-effort contract).
func (c *Cache[K, V]) Len() int {
	return c.newest.Len() + c.older.Len()
}
