package dataset

import (
	"container/list"
	"fmt"
	"sync"
)

// DatumCache is a least-recently-used cache of decoded datums keyed by path
type DatumCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	// Statistics
	hits   int64
	misses int64
}

type cacheEntry struct {
	key   string
	datum *Datum
}

// NewDatumCache creates a cache holding at most maxSize datums
func NewDatumCache(maxSize int) *DatumCache {
	return &DatumCache{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get retrieves a datum and marks it most recently used
func (dc *DatumCache) Get(key string) (*Datum, bool) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if elem, ok := dc.entries[key]; ok {
		dc.lru.MoveToFront(elem)
		dc.hits++
		return elem.Value.(*cacheEntry).datum, true
	}
	dc.misses++
	return nil, false
}

// Put adds a datum, evicting the least recently used ones over capacity
func (dc *DatumCache) Put(key string, d *Datum) {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	if dc.maxSize <= 0 {
		return
	}
	if elem, ok := dc.entries[key]; ok {
		elem.Value.(*cacheEntry).datum = d
		dc.lru.MoveToFront(elem)
		return
	}

	dc.entries[key] = dc.lru.PushFront(&cacheEntry{key: key, datum: d})
	for dc.lru.Len() > dc.maxSize {
		oldest := dc.lru.Back()
		dc.lru.Remove(oldest)
		delete(dc.entries, oldest.Value.(*cacheEntry).key)
	}
}

// Stats returns cache statistics
func (dc *DatumCache) Stats() CacheStats {
	dc.mu.Lock()
	defer dc.mu.Unlock()

	stats := CacheStats{
		Size:    dc.lru.Len(),
		MaxSize: dc.maxSize,
		Hits:    dc.hits,
		Misses:  dc.misses,
	}
	if total := dc.hits + dc.misses; total > 0 {
		stats.HitRate = float64(dc.hits) / float64(total) * 100
	}
	return stats
}

// CacheStats holds cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    int64
	Misses  int64
	HitRate float64
}

// String returns a string representation of cache stats
func (cs CacheStats) String() string {
	return fmt.Sprintf("Cache: %d/%d items, Hits: %d, Misses: %d, Hit Rate: %.1f%%",
		cs.Size, cs.MaxSize, cs.Hits, cs.Misses, cs.HitRate)
}
