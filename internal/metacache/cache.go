// Package metacache remembers remote stat results for a short time,
// including the fact that a path does not exist.
package metacache

import (
	"io/fs"
	"path"
	"sync"
	"time"
)

type entry struct {
	info    fs.FileInfo // nil for a negative entry
	expires time.Time
}

type Cache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, entries: make(map[string]entry)}
}

// Get reports whether p is cached. A cached path that does not exist
// returns (nil, true).
func (c *Cache) Get(p string) (fs.FileInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[p]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expires) {
		delete(c.entries, p)
		return nil, false
	}
	return e.info, true
}

// Set caches info for p. A nil info records that p does not exist.
func (c *Cache) Set(p string, info fs.FileInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[p] = entry{info: info, expires: time.Now().Add(c.ttl)}
}

// Invalidate drops p and its parent directory, whose listing changed with
// it.
func (c *Cache) Invalidate(p string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, p)
	delete(c.entries, path.Dir(p))
}

// Purge drops expired entries and returns how many remain.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for p, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, p)
		}
	}
	return len(c.entries)
}
