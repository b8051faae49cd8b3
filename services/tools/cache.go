package tools

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"
)

// resultEntry is one cached tool result
type resultEntry struct {
	key        string
	result     string
	insertedAt time.Time
	element    *list.Element
}

// ResultCache is an in-memory LRU cache with TTL for encoded tool results.
// A model often repeats the same call within one tool loop; the cache keeps
// those repeats off the database.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*resultEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	hits    uint64
	misses  uint64
	now     func() time.Time
}

// CacheStats represents cache statistics
type CacheStats struct {
	Size    int
	MaxSize int
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// NewResultCache creates a cache holding at most maxSize results for ttl
func NewResultCache(maxSize int, ttl time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &ResultCache{
		entries: make(map[string]*resultEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// cacheKey identifies a call by tool name and its arguments with keys sorted
func cacheKey(tool string, arguments json.RawMessage) (string, bool) {
	var args map[string]interface{}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", false
	}
	canonical, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return tool + ":" + string(canonical), true
}

// Get returns a cached result that has not expired
func (c *ResultCache) Get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[key]
	if !exists || c.expired(entry) {
		c.misses++
		if exists {
			c.removeEntry(key)
		}
		return "", false
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++
	return entry.result, true
}

// Set stores result under key, evicting the least recently used entry when full
func (c *ResultCache) Set(key, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[key]; exists {
		entry.result = result
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &resultEntry{
		key:        key,
		result:     result,
		insertedAt: c.now(),
	}
	entry.element = c.lruList.PushFront(key)
	c.entries[key] = entry
}

// Stats returns cache statistics
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := CacheStats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// Counters returns the lifetime hit and miss counts
func (c *ResultCache) Counters() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *ResultCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if c.expired(entry) {
			c.removeEntry(key)
			removed++
		}
	}
	return removed
}

func (c *ResultCache) expired(entry *resultEntry) bool {
	return c.now().Sub(entry.insertedAt) > c.ttl
}

// removeEntry must be called with the lock held
func (c *ResultCache) removeEntry(key string) {
	if entry, exists := c.entries[key]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, key)
	}
}

// evictLRU must be called with the lock held
func (c *ResultCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	c.removeEntry(back.Value.(string))
}
