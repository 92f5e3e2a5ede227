package vector

import (
	"container/list"
	"sync"
)

// CachedVector is one sector vector held in the cache for a memory id.
type CachedVector struct {
	// Sector is the cognitive sector the vector was embedded for.
	Sector string

	// Vec is the float32 vector.
	Vec []float32

	// Dim is the declared dimension (== len(Vec)).
	Dim int

	// UserID is the owning tenant.
	UserID string

	// Metadata is the optional per-vector metadata.
	Metadata map[string]interface{}
}

// CacheStats exposes the hit/miss/evict counters of the cache.
type CacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Entries   int
	Bytes     int64
}

// Cache is a process-wide LRU over memory-id → sector vectors, bounded by
// both entry count and total payload bytes. All methods are safe for
// concurrent use; the cap is enforced on every Set.
type Cache struct {
	mu sync.Mutex

	maxEntries int
	maxBytes   int64

	order   *list.List // front = most recent
	entries map[string]*list.Element

	bytes     int64
	hits      int64
	misses    int64
	evictions int64
}

type cacheEntry struct {
	id      string
	vectors []CachedVector
	size    int64
}

// NewCache creates a cache bounded by maxEntries entries and maxBytes total
// vector bytes. Non-positive bounds fall back to defaults (4096 entries,
// 64 MiB).
func NewCache(maxEntries int, maxBytes int64) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	return &Cache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the cached vectors for a memory id, refreshing its recency.
func (c *Cache) Get(id string) ([]CachedVector, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[id]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.order.MoveToFront(el)
	return el.Value.(*cacheEntry).vectors, true
}

// Set replaces the cached vectors for a memory id and evicts from the LRU
// tail until both bounds hold again.
func (c *Cache) Set(id string, vectors []CachedVector) {
	size := int64(0)
	for _, v := range vectors {
		size += int64(4 * len(v.Vec))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[id]; ok {
		old := el.Value.(*cacheEntry)
		c.bytes += size - old.size
		old.vectors = vectors
		old.size = size
		c.order.MoveToFront(el)
	} else {
		el := c.order.PushFront(&cacheEntry{id: id, vectors: vectors, size: size})
		c.entries[id] = el
		c.bytes += size
	}

	for (len(c.entries) > c.maxEntries || c.bytes > c.maxBytes) && c.order.Len() > 1 {
		c.evictOldest()
	}
}

// Invalidate drops the entry for a memory id. Called on any write or delete
// touching that id.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[id]; ok {
		c.removeElement(el)
	}
}

// InvalidateUser drops every entry owned by userID.
func (c *Cache) InvalidateUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var drop []*list.Element
	for el := c.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*cacheEntry)
		for _, v := range entry.vectors {
			if v.UserID == userID {
				drop = append(drop, el)
				break
			}
		}
	}
	for _, el := range drop {
		c.removeElement(el)
	}
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	c.bytes = 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Entries:   len(c.entries),
		Bytes:     c.bytes,
	}
}

func (c *Cache) evictOldest() {
	el := c.order.Back()
	if el == nil {
		return
	}
	c.removeElement(el)
	c.evictions++
}

func (c *Cache) removeElement(el *list.Element) {
	entry := el.Value.(*cacheEntry)
	c.order.Remove(el)
	delete(c.entries, entry.id)
	c.bytes -= entry.size
}
