// ABOUTME: Thread-safe marker set for once-per-lifetime work such as history loads
// ABOUTME: Forget releases one key for retry; Reset drops every marker when the lifetime ends

package dedupe

import "sync"

// Cache tracks which keys have been claimed. Markers never expire; only
// Forget or Reset removes them, so a claim holds for the whole lifetime.
type Cache struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{seen: make(map[string]struct{})}
}

// CheckAndMark marks key and reports whether it was already marked.
// Callers that get false own the work the key stands for.
func (c *Cache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[key]; ok {
		return true
	}
	c.seen[key] = struct{}{}
	return false
}

// Forget removes key so the next CheckAndMark claims it again.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.seen, key)
}

// Reset removes every marker.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.seen)
}
