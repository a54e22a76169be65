package cache

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"photofs/internal/storage"
)

// RecordCache fronts the index for hot record lookups with TTL-based
// expiration. Supports fine-grained invalidation by path.
//
// Thread-safe: the underlying LRU locks internally.
type RecordCache struct {
	lru *expirable.LRU[string, *storage.Record]
}

// NewRecordCache creates a record cache.
// ttl: time-to-live for cached entries (0 for no expiration)
// maxSize: maximum number of entries (0 for unlimited)
func NewRecordCache(ttl time.Duration, maxSize int) *RecordCache {
	return &RecordCache{
		lru: expirable.NewLRU[string, *storage.Record](maxSize, nil, ttl),
	}
}

// Get retrieves the cached record for a path.
// Returns nil if not found, expired, or caching is disabled (PHOTOFS_CACHE=0).
func (c *RecordCache) Get(path string) *storage.Record {
	if Disabled {
		return nil
	}
	rec, ok := c.lru.Get(path)
	if !ok {
		return nil
	}
	return rec
}

// Set stores a record under its path.
// No-op if caching is disabled (PHOTOFS_CACHE=0).
func (c *RecordCache) Set(path string, rec *storage.Record) {
	if Disabled {
		return
	}
	c.lru.Add(path, rec)
}

// Invalidate clears all entries from the cache.
func (c *RecordCache) Invalidate() {
	c.lru.Purge()
}

// InvalidatePath removes a specific path from the cache.
func (c *RecordCache) InvalidatePath(path string) {
	c.lru.Remove(path)
}

// InvalidatePrefix removes all paths under a directory. Used when an
// album is renamed or purged.
func (c *RecordCache) InvalidatePrefix(prefix string) {
	if !strings.HasSuffix(prefix, "/") {
		prefix = prefix + "/"
	}
	for _, path := range c.lru.Keys() {
		if strings.HasPrefix(path, prefix) {
			c.lru.Remove(path)
		}
	}
}

// Size returns the current number of entries in the cache.
func (c *RecordCache) Size() int {
	return c.lru.Len()
}
