package metrics

import (
	"context"
	"sync"
)

// MemoryCounters implements Counters in-process. Used by tests and the
// single-process dev mode.
type MemoryCounters struct {
	mu     sync.Mutex
	counts map[string]map[string]int64
}

// NewMemoryCounters creates an empty MemoryCounters.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counts: make(map[string]map[string]int64)}
}

func (c *MemoryCounters) Inc(_ context.Context, queue, kind string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts[queue] == nil {
		c.counts[queue] = make(map[string]int64)
	}
	c.counts[queue][kind]++
	return nil
}

func (c *MemoryCounters) Snapshot(context.Context) (map[string]map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]int64, len(c.counts))
	for queue, kinds := range c.counts {
		out[queue] = make(map[string]int64, len(kinds))
		for kind, n := range kinds {
			out[queue][kind] = n
		}
	}
	return out, nil
}
