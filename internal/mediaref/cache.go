package mediaref

import "sync"

// cacheEntry pairs resolved HTML with the filenames it referenced, so a
// cache hit can still account each file's access.
type cacheEntry struct {
	resolved  string
	filenames []string
}

// fifoCache is a bounded cache evicting in insertion order. The
// resolved-HTML cache is keyed by "deckID:contentHash", so deck cleanup can
// purge by key prefix. Safe for concurrent use.
type fifoCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	max     int
}

func newFIFOCache(max int) *fifoCache {
	return &fifoCache{
		entries: make(map[string]cacheEntry, max),
		max:     max,
	}
}

func (c *fifoCache) Get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *fifoCache) Set(key string, value cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = value
}

// PurgePrefix removes every entry whose key starts with prefix and returns
// how many were dropped.
func (c *fifoCache) PurgePrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	dropped := 0
	for _, key := range c.order {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(c.entries, key)
			dropped++
			continue
		}
		kept = append(kept, key)
	}
	c.order = kept
	return dropped
}

func (c *fifoCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
