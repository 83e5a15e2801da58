package broker

import (
	"context"

	"github.com/rendis/chispa/pkg/schema"
)

// Work item kinds.
const (
	KindCommand  = "COMMAND"
	KindWorkflow = "WORKFLOW"
)

// WorkItem is the unit of work published to a named queue.
type WorkItem struct {
	RunID        int64  `json:"run_id"`
	Kind         string `json:"kind"`
	Command      string `json:"command,omitempty"`
	WorkflowYAML string `json:"workflow_yaml,omitempty"`
}

// Broker is the work queue contract. Queues are named channels; items are
// delivered in arrival order to whichever worker dequeues first.
type Broker interface {
	// Enqueue publishes a work item to the named queue.
	Enqueue(ctx context.Context, queue string, item WorkItem) error
	// Dequeue blocks until an item is available on the named queue or the
	// context is cancelled.
	Dequeue(ctx context.Context, queue string) (*WorkItem, error)
}

// QueueKey returns the broker key for a queue, namespaced so queue, metrics
// and room keys never collide.
func QueueKey(queue string) string {
	return "queue:" + queue
}

func brokerError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeBroker, "%s failed", op).WithCause(err)
}
