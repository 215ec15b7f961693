// Package aggregate holds the shared emotion tally written by the sampling loop
// and read by the request path.
package aggregate

import (
	"sync"

	"github.com/andresmejia3/moodlens/internal/types"
)

// Counter is a category -> count mapping guarded by a single lock.
// Every operation takes the lock exactly once, so a reader never observes a
// partially applied update.
type Counter struct {
	mu     sync.RWMutex
	counts map[types.Category]int
}

// New returns a Counter with every category at zero.
func New() *Counter {
	return &Counter{counts: types.NewCounts()}
}

// Reset sets every category back to zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cat := range types.AllCategories {
		c.counts[cat] = 0
	}
}

// Increment adds one occurrence of cat. Unknown categories are ignored.
func (c *Counter) Increment(cat types.Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.counts[cat]; ok {
		c.counts[cat]++
	}
}

// Add folds all detections of one frame in a single critical section and
// returns how many were counted.
func (c *Counter) Add(dets []types.Detection) int {
	if len(dets) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, d := range dets {
		if _, ok := c.counts[d.Category]; ok {
			c.counts[d.Category]++
			n++
		}
	}
	return n
}

// Snapshot returns a copy of the current counts. The copy is never mutated by
// later increments.
func (c *Counter) Snapshot() types.Counts {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(types.Counts, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Total returns the sum over all categories.
func (c *Counter) Total() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}
