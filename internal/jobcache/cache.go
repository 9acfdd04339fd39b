// Package jobcache maps deterministic job keys to the handle of the task
// currently scheduled for that key.
package jobcache

import (
	"sync"

	"joinguard/internal/task/delay"
)

// Cache is safe for concurrent use. Keys are independent; for a single key
// the last Add wins.
type Cache struct {
	mu sync.RWMutex
	m  map[string]delay.Handle
}

func New() *Cache {
	return &Cache{m: map[string]delay.Handle{}}
}

// Add stores h under key, overwriting any previous handle. Callers that must
// not overwrite check Get first.
func (c *Cache) Add(key string, h delay.Handle) {
	c.mu.Lock()
	c.m[key] = h
	c.mu.Unlock()
}

func (c *Cache) Get(key string) (delay.Handle, bool) {
	c.mu.RLock()
	h, ok := c.m[key]
	c.mu.RUnlock()
	return h, ok
}

// Delete is idempotent.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	n := len(c.m)
	c.mu.RUnlock()
	return n
}
