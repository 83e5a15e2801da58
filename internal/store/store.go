package store

import (
	"context"

	"github.com/rendis/chispa/pkg/schema"
)

// Store defines the persistence layer contract for workflows, runs, tasks and
// schedules. Identifiers are monotonically-assigned integers per collection.
// All implementations must be safe for concurrent use and atomic per-row.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id int64) (*Workflow, error)

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context) ([]*Run, error)
	// ClaimRun transitions a run from queued to running and stamps
	// started_at. Returns false when the run is not in queued state, which
	// is the broker-redelivery idempotence guard.
	ClaimRun(ctx context.Context, id int64) (bool, error)
	// FinishRun writes the terminal status, optional exit code and
	// finished_at. It refuses to move a run out of a terminal state.
	FinishRun(ctx context.Context, id int64, status schema.RunStatus, exitCode *int) error

	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListTasks(ctx context.Context, runID int64) ([]*Task, error)
	UpdateTask(ctx context.Context, id int64, update TaskUpdate) error

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error)
	TouchSchedule(ctx context.Context, id int64) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// NotFound reports whether err is a store not-found error.
func NotFound(err error) bool {
	rtErr, ok := err.(*schema.RuntimeError)
	return ok && rtErr.Code == schema.ErrCodeNotFound
}

func notFound(kind string, id int64) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", kind, id)
}
