package embeddings

import (
	"context"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"
)

// timeNow is a variable for testing purposes (allows mocking time).
var timeNow = time.Now

// cacheEntry holds one cached query embedding.
type cacheEntry struct {
	embedding []float32
	createdAt time.Time
	ttl       time.Duration
}

// expired reports whether the entry has outlived its TTL.
func (e cacheEntry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Cache is a thread-safe in-memory map from query-text hash to embedding.
//
// Entries expire lazily on read. When the entry count exceeds maxEntries,
// already-expired entries are purged in one pass; this is a leak guard, not
// an LRU policy, and it does not guarantee staying under the bound while
// entries remain fresh. Last-write-wins on concurrent Set is acceptable:
// embeddings for identical text are deterministic.
type Cache struct {
	mu         sync.RWMutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int
}

// NewCache creates a cache with the given default TTL and entry bound.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &Cache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
	}
}

// Key derives a stable cache key from query text. Identical trimmed text
// always yields the same key within a process; case is preserved.
func Key(text string) string {
	h := fnv.New64a()
	h.Write([]byte(strings.TrimSpace(text)))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Get returns the cached embedding for key, or nil. An expired entry is
// treated identically to a missing one and evicted.
func (c *Cache) Get(key string) []float32 {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil
	}
	if entry.expired(timeNow()) {
		c.mu.Lock()
		// Re-check under the write lock: a concurrent Set may have refreshed it.
		if e, ok := c.entries[key]; ok && e.expired(timeNow()) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil
	}
	return entry.embedding
}

// Set stores an embedding under key with the default TTL.
func (c *Cache) Set(key string, embedding []float32) {
	c.SetWithTTL(key, embedding, c.ttl)
}

// SetWithTTL stores an embedding under key with an explicit TTL.
func (c *Cache) SetWithTTL(key string, embedding []float32, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.purgeExpiredLocked()
	}

	c.entries[key] = cacheEntry{
		embedding: embedding,
		createdAt: timeNow(),
		ttl:       ttl,
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// purgeExpiredLocked removes all expired entries. Caller holds the write lock.
func (c *Cache) purgeExpiredLocked() {
	now := timeNow()
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
		}
	}
}

// CachedEmbedder decorates an Embedder with the query cache. Document
// embedding is passed through uncached; document-side durability is the
// store's concern.
type CachedEmbedder struct {
	inner   Embedder
	cache   *Cache
	metrics *Metrics
}

// NewCachedEmbedder wraps inner with cache. A nil metrics disables recording.
func NewCachedEmbedder(inner Embedder, cache *Cache, metrics *Metrics) *CachedEmbedder {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &CachedEmbedder{inner: inner, cache: cache, metrics: metrics}
}

// EmbedQuery returns the cached vector for text when present, otherwise calls
// the inner embedder and caches the result.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	key := Key(text)
	if embedding := c.cache.Get(key); embedding != nil {
		c.metrics.RecordCacheHit(ctx)
		return embedding, nil
	}
	c.metrics.RecordCacheMiss(ctx)

	embedding, err := c.inner.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, embedding)
	return embedding, nil
}

// EmbedDocuments delegates to the inner embedder.
func (c *CachedEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.inner.EmbedDocuments(ctx, texts)
}

// Ensure CachedEmbedder implements Embedder.
var _ Embedder = (*CachedEmbedder)(nil)
