package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chispa/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "chispa.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQL_RunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{YAML: "tasks:\n  - {name: a, command: x}\n"}
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.Equal(t, int64(1), wf.ID)

	run := &Run{WorkflowID: &wf.ID, Queue: "git"}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusQueued, got.Status)
	require.NotNil(t, got.WorkflowID)
	assert.Equal(t, wf.ID, *got.WorkflowID)

	claimed, err := s.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.ClaimRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimed, "claim must be idempotent")

	code := 2
	require.NoError(t, s.FinishRun(ctx, run.ID, schema.RunStatusFailed, &code))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 2, *got.ExitCode)

	err = s.FinishRun(ctx, run.ID, schema.RunStatusSucceeded, nil)
	require.Error(t, err, "terminal runs must not transition")
}

func TestLibSQL_TaskDependenciesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{Queue: "default"}
	require.NoError(t, s.CreateRun(ctx, run))

	task := &Task{RunID: run.ID, Name: "c", Command: "shell.exec 'echo C'", Dependencies: []string{"a", "b"}}
	require.NoError(t, s.CreateTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Dependencies)
	assert.Equal(t, schema.TaskStatusPending, got.Status)

	failed := schema.TaskStatusFailed
	attempt := 3
	code := 1
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{Status: &failed, Attempt: &attempt, ExitCode: &code}))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempt)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
}

func TestLibSQL_ListRunsOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, q := range []string{"shell", "git", "llm"} {
		require.NoError(t, s.CreateRun(ctx, &Run{Queue: q}))
	}

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "shell", runs[0].Queue)
	assert.Equal(t, "llm", runs[2].Queue)
}
