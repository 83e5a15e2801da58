package metrics

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "metrics:queue:shell:submitted", Key("shell", KindSubmitted))
}

func TestMemoryCounters_IncAndSnapshot(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	require.NoError(t, c.Inc(ctx, "shell", KindSubmitted))
	require.NoError(t, c.Inc(ctx, "shell", KindSubmitted))
	require.NoError(t, c.Inc(ctx, "shell", KindProcessed))
	require.NoError(t, c.Inc(ctx, "git", KindFailed))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap["shell"][KindSubmitted])
	assert.Equal(t, int64(1), snap["shell"][KindProcessed])
	assert.Equal(t, int64(1), snap["git"][KindFailed])
	assert.Zero(t, snap["git"][KindSucceeded])
}

func TestMemoryCounters_ConcurrentInc(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Inc(ctx, "tests", KindProcessed)
		}()
	}
	wg.Wait()

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(50), snap["tests"][KindProcessed])
}

func TestMemoryCounters_SnapshotIsCopy(t *testing.T) {
	c := NewMemoryCounters()
	ctx := context.Background()
	require.NoError(t, c.Inc(ctx, "repo", KindSucceeded))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	snap["repo"][KindSucceeded] = 99

	again, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again["repo"][KindSucceeded])
}
