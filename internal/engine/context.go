package engine

import (
	"maps"
	"sync"

	"github.com/rendis/control/internal/expressions"
)

// SharedContext is the mutable key/value store shared by every node of one
// graph run. Writes are last-write-wins.
type SharedContext struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewSharedContext returns a context seeded with a deep copy of initial.
func NewSharedContext(initial map[string]any) *SharedContext {
	data := expressions.DeepCopyMap(initial)
	if data == nil {
		data = make(map[string]any)
	}
	return &SharedContext{data: data}
}

// Get returns the value stored under key.
func (c *SharedContext) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

// Set stores value under key.
func (c *SharedContext) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

// Delete removes key.
func (c *SharedContext) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Update runs fn with exclusive access to the underlying map, for
// read-modify-write sequences.
func (c *SharedContext) Update(fn func(data map[string]any)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c.data)
}

// Snapshot returns a shallow copy of the current contents.
func (c *SharedContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.data)
}

// replace swaps the contents for a deep copy of data.
func (c *SharedContext) replace(data map[string]any) {
	cp := expressions.DeepCopyMap(data)
	if cp == nil {
		cp = make(map[string]any)
	}
	c.mu.Lock()
	c.data = cp
	c.mu.Unlock()
}
