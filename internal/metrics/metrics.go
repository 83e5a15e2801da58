package metrics

import (
	"context"
	"fmt"
)

// Counter kinds tracked per queue.
const (
	KindSubmitted = "submitted"
	KindProcessed = "processed"
	KindSucceeded = "succeeded"
	KindFailed    = "failed"
)

// Counters is the per-queue counter contract. Increments are atomic;
// counters are monotonically non-decreasing.
type Counters interface {
	// Inc atomically increments the (queue, kind) counter.
	Inc(ctx context.Context, queue, kind string) error
	// Snapshot returns the nested queue -> kind -> count mapping.
	Snapshot(ctx context.Context) (map[string]map[string]int64, error)
}

// Key returns the counter key for a (queue, kind) pair.
func Key(queue, kind string) string {
	return fmt.Sprintf("metrics:queue:%s:%s", queue, kind)
}
