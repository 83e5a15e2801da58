package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/chispa/internal/store"
)

// recordingSubmitter captures submissions made by the scheduler.
type recordingSubmitter struct {
	mu        sync.Mutex
	commands  []string
	workflows []string
	err       error
}

func (r *recordingSubmitter) SubmitCommand(_ context.Context, command, _ string, _ *int64) (*store.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.commands = append(r.commands, command)
	return &store.Run{ID: int64(len(r.commands))}, nil
}

func (r *recordingSubmitter) SubmitWorkflow(_ context.Context, workflowYAML, _ string) (*store.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.workflows = append(r.workflows, workflowYAML)
	return &store.Run{ID: int64(len(r.workflows))}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createSchedule(t *testing.T, st *store.MemoryStore, sched *store.Schedule) *store.Schedule {
	t.Helper()
	require.NoError(t, st.CreateSchedule(context.Background(), sched))
	return sched
}

func TestValidateSpec(t *testing.T) {
	require.NoError(t, ValidateSpec("* * * * *"))
	require.NoError(t, ValidateSpec("*/5 0 1 1 0"))

	assert.Error(t, ValidateSpec(""))
	assert.Error(t, ValidateSpec("every friday"))
	assert.Error(t, ValidateSpec("0 * * * * *"))
}

func TestScheduler_SubmitsDueCommand(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	createSchedule(t, st, &store.Schedule{
		CronSpec:  "* * * * *",
		Command:   "echo tick",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())

	assert.Equal(t, []string{"echo tick"}, sub.commands)

	rows, err := st.ListSchedules(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].LastRunAt)
}

func TestScheduler_SubmitsDueWorkflow(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	yaml := "tasks:\n  - name: a\n    command: x\n"
	createSchedule(t, st, &store.Schedule{
		CronSpec:     "* * * * *",
		WorkflowYAML: yaml,
		Queue:        "qa",
		Enabled:      true,
		CreatedAt:    time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())

	assert.Equal(t, []string{yaml}, sub.workflows)
	assert.Empty(t, sub.commands)
}

func TestScheduler_SkipsNotYetDue(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	// Fires on the next hour boundary; a schedule created just now has
	// not reached it yet.
	createSchedule(t, st, &store.Schedule{
		CronSpec:  "0 * * * *",
		Command:   "echo hourly",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	})

	sched.Tick(context.Background())

	assert.Empty(t, sub.commands)
}

func TestScheduler_SkipsDisabled(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	createSchedule(t, st, &store.Schedule{
		CronSpec:  "* * * * *",
		Command:   "echo tick",
		Queue:     "shell",
		Enabled:   false,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())

	assert.Empty(t, sub.commands)
}

func TestScheduler_LastRunGatesResubmission(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	createSchedule(t, st, &store.Schedule{
		CronSpec:  "* * * * *",
		Command:   "echo tick",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())
	sched.Tick(context.Background())

	// The second tick sees a fresh last-run timestamp and waits for the
	// next cron boundary.
	assert.Len(t, sub.commands, 1)
}

func TestScheduler_InvalidCronSpecSkipped(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	createSchedule(t, st, &store.Schedule{
		CronSpec:  "not a cron spec",
		Command:   "echo tick",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})
	createSchedule(t, st, &store.Schedule{
		CronSpec:  "* * * * *",
		Command:   "echo good",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())

	assert.Equal(t, []string{"echo good"}, sub.commands)
}

func TestScheduler_SubmitErrorLeavesScheduleUntouched(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{err: context.DeadlineExceeded}
	sched := NewScheduler(st, sub, testLogger())

	createSchedule(t, st, &store.Schedule{
		CronSpec:  "* * * * *",
		Command:   "echo tick",
		Queue:     "shell",
		Enabled:   true,
		CreatedAt: time.Now().UTC().Add(-5 * time.Minute),
	})

	sched.Tick(context.Background())

	rows, err := st.ListSchedules(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].LastRunAt)
}

func TestScheduler_StartStop(t *testing.T) {
	st := store.NewMemoryStore()
	sub := &recordingSubmitter{}
	sched := NewScheduler(st, sub, testLogger())

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())

	// Stop is idempotent and Start works again after Stop.
	require.NoError(t, sched.Stop())
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop())
}
