// Package dedup tracks message identifiers that have already been processed.
package dedup

import (
	"sync"
)

// DefaultCapacity is the number of ids retained before eviction.
const DefaultCapacity = 1000

// Cache is a bounded set of message ids. When an insert pushes the size past
// capacity, the oldest half is dropped in a single pass.
type Cache struct {
	mu       sync.Mutex
	capacity int
	order    []string
	seen     map[string]struct{}
}

// New creates a cache holding at most capacity ids.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		order:    make([]string, 0, capacity+1),
		seen:     make(map[string]struct{}, capacity+1),
	}
}

// IsDuplicate reports whether id has been marked processed.
func (c *Cache) IsDuplicate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.seen[id]
	return ok
}

// MarkProcessed records id.
func (c *Cache) MarkProcessed(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(id)
}

// CheckAndMark records id and reports whether it was already present.
// Two concurrent calls with the same id never both return false.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.insertLocked(id)
	return false
}

// Len returns the number of ids currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// Capacity returns the configured cap.
func (c *Cache) Capacity() int {
	return c.capacity
}

func (c *Cache) insertLocked(id string) {
	if _, ok := c.seen[id]; ok {
		return
	}
	c.seen[id] = struct{}{}
	c.order = append(c.order, id)

	if len(c.order) <= c.capacity {
		return
	}

	evict := c.capacity / 2
	for _, old := range c.order[:evict] {
		delete(c.seen, old)
	}
	remaining := make([]string, len(c.order)-evict, c.capacity+1)
	copy(remaining, c.order[evict:])
	c.order = remaining
}
