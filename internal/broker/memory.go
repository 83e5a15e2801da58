package broker

import (
	"context"
	"sync"
)

const memoryQueueBuffer = 256

// MemoryBroker implements Broker with in-process channels. Used by tests and
// the single-process dev mode.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan WorkItem
}

// NewMemoryBroker creates an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan WorkItem)}
}

func (b *MemoryBroker) queue(name string) chan WorkItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan WorkItem, memoryQueueBuffer)
		b.queues[name] = q
	}
	return q
}

func (b *MemoryBroker) Enqueue(ctx context.Context, queue string, item WorkItem) error {
	select {
	case b.queue(queue) <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Dequeue(ctx context.Context, queue string) (*WorkItem, error) {
	select {
	case item := <-b.queue(queue):
		return &item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
