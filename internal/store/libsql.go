package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/chispa/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/chispa.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (yaml, created_at) VALUES (?, ?)`,
		wf.YAML, timeOrNow(wf.CreatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create workflow").WithCause(err)
	}
	wf.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	wf := &Workflow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, yaml, created_at FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.YAML, &wf.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, notFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = schema.RunStatusQueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (workflow_id, command, queue, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		run.WorkflowID, run.Command, run.Queue, string(run.Status), timeOrNow(run.CreatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}
	run.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, command, queue, status, exit_code, created_at, started_at, finished_at
		 FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, command, queue, status, exit_code, created_at, started_at, finished_at
		 FROM runs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ClaimRun(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, started_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?`,
		string(schema.RunStatusRunning), id, string(schema.RunStatusQueued),
	)
	if err != nil {
		return false, schema.NewError(schema.ErrCodeStore, "claim run").WithCause(err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *LibSQLStore) FinishRun(ctx context.Context, id int64, status schema.RunStatus, exitCode *int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, finished_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status NOT IN (?, ?, ?)`,
		string(status), exitCode, id,
		string(schema.RunStatusSucceeded), string(schema.RunStatusFailed), string(schema.RunStatusCancelled),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "finish run").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %d is terminal or missing", id)
	}
	return nil
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *Task) error {
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	deps, err := marshalDeps(task.Dependencies)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (run_id, name, command, status, attempt, dependencies) VALUES (?, ?, ?, ?, ?, ?)`,
		task.RunID, task.Name, task.Command, string(task.Status), task.Attempt, deps,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create task").WithCause(err)
	}
	task.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id int64) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT id, run_id, name, command, status, attempt, exit_code, dependencies
		 FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("task", id)
	}
	return task, err
}

func (s *LibSQLStore) ListTasks(ctx context.Context, runID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, name, command, status, attempt, exit_code, dependencies
		 FROM tasks WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id int64, update TaskUpdate) error {
	sets := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Attempt != nil {
		sets = append(sets, "attempt = ?")
		args = append(args, *update.Attempt)
	}
	if update.ExitCode != nil {
		sets = append(sets, "exit_code = ?")
		args = append(args, *update.ExitCode)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET `+joinSets(sets)+` WHERE id = ?`, args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "update task").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("task", id)
	}
	return nil
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (cron_spec, command, workflow_yaml, queue, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sched.CronSpec, sched.Command, sched.WorkflowYAML, sched.Queue, sched.Enabled, timeOrNow(sched.CreatedAt),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "create schedule").WithCause(err)
	}
	sched.ID, err = res.LastInsertId()
	return err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	q := `SELECT id, cron_spec, command, workflow_yaml, queue, enabled, created_at, last_run_at FROM schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*Schedule
	for rows.Next() {
		sc := &Schedule{}
		var lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.CronSpec, &sc.Command, &sc.WorkflowYAML, &sc.Queue, &sc.Enabled, &sc.CreatedAt, &lastRun); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			sc.LastRunAt = &lastRun.Time
		}
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) TouchSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound("schedule", id)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (*Run, error) {
	run := &Run{}
	var workflowID sql.NullInt64
	var exitCode sql.NullInt64
	var startedAt, finishedAt sql.NullTime
	var status string
	err := r.Scan(&run.ID, &workflowID, &run.Command, &run.Queue, &status, &exitCode,
		&run.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	if workflowID.Valid {
		run.WorkflowID = &workflowID.Int64
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		run.ExitCode = &code
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func scanTask(r rowScanner) (*Task, error) {
	task := &Task{}
	var exitCode sql.NullInt64
	var deps sql.NullString
	var status string
	err := r.Scan(&task.ID, &task.RunID, &task.Name, &task.Command, &status, &task.Attempt, &exitCode, &deps)
	if err != nil {
		return nil, err
	}
	task.Status = schema.TaskStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &task.Dependencies); err != nil {
			return nil, fmt.Errorf("unmarshal task dependencies: %w", err)
		}
	}
	return task, nil
}

func marshalDeps(deps []string) (sql.NullString, error) {
	if len(deps) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(deps)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal task dependencies: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func joinSets(sets []string) string {
	out := sets[0]
	for _, s := range sets[1:] {
		out += ", " + s
	}
	return out
}
