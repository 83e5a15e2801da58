package submission

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chispa/internal/broker"
	"github.com/rendis/chispa/internal/metrics"
	"github.com/rendis/chispa/internal/store"
	"github.com/rendis/chispa/pkg/schema"
)

type fixture struct {
	svc      *Service
	store    *store.MemoryStore
	broker   *broker.MemoryBroker
	counters *metrics.MemoryCounters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	br := broker.NewMemoryBroker()
	counters := metrics.NewMemoryCounters()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		svc:      New(st, br, counters, nil, logger),
		store:    st,
		broker:   br,
		counters: counters,
	}
}

func TestService_SubmitCommand(t *testing.T) {
	f := newFixture(t)

	run, err := f.svc.SubmitCommand(context.Background(), "echo hi", "shell", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, run.Status)
	assert.Equal(t, "shell", run.Queue)

	item, err := f.broker.Dequeue(context.Background(), "shell")
	require.NoError(t, err)
	assert.Equal(t, broker.KindCommand, item.Kind)
	assert.Equal(t, run.ID, item.RunID)
	assert.Equal(t, "echo hi", item.Command)

	snap, err := f.counters.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap["shell"][metrics.KindSubmitted])
}

func TestService_DefaultQueue(t *testing.T) {
	f := newFixture(t)

	run, err := f.svc.SubmitCommand(context.Background(), "echo hi", "", nil)
	require.NoError(t, err)
	assert.Equal(t, "default", run.Queue)
}

func TestService_UnknownQueueLeavesNoTrace(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitCommand(context.Background(), "echo hi", "bogus", nil)
	require.Error(t, err)

	var rerr *schema.RuntimeError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, schema.ErrCodeUnknownQueue, rerr.Code)

	runs, err := f.store.ListRuns(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)

	snap, err := f.counters.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestService_MissingCommand(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SubmitCommand(context.Background(), "", "shell", nil)
	require.Error(t, err)
}

func TestService_SubmitWorkflow(t *testing.T) {
	f := newFixture(t)

	yaml := `
tasks:
  - name: a
    command: "echo A"
`
	run, err := f.svc.SubmitWorkflow(context.Background(), yaml, "qa")
	require.NoError(t, err)
	assert.Equal(t, "qa", run.Queue)
	require.NotNil(t, run.WorkflowID)

	wf, err := f.store.GetWorkflow(context.Background(), *run.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, yaml, wf.YAML)

	item, err := f.broker.Dequeue(context.Background(), "qa")
	require.NoError(t, err)
	assert.Equal(t, broker.KindWorkflow, item.Kind)
	assert.Equal(t, yaml, item.WorkflowYAML)
}

func TestService_MalformedWorkflowRejectedSynchronously(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.SubmitWorkflow(context.Background(), "tasks: [oops", "qa")
	require.Error(t, err)

	runs, listErr := f.store.ListRuns(context.Background())
	require.NoError(t, listErr)
	assert.Empty(t, runs)
}

func TestService_TwoSubmissionsAreIndependent(t *testing.T) {
	f := newFixture(t)

	yaml := "tasks:\n  - name: a\n    command: x\n"
	run1, err := f.svc.SubmitWorkflow(context.Background(), yaml, "qa")
	require.NoError(t, err)
	run2, err := f.svc.SubmitWorkflow(context.Background(), yaml, "qa")
	require.NoError(t, err)

	assert.NotEqual(t, run1.ID, run2.ID)

	snap, err := f.counters.Snapshot(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap["qa"][metrics.KindSubmitted])
}
