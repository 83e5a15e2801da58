package store

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/chispa/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and single-process setups.
// IDs are monotonically assigned per collection, mirroring the SQL store.
type MemoryStore struct {
	mu        sync.Mutex
	workflows map[int64]*Workflow
	runs      map[int64]*Run
	tasks     map[int64]*Task
	schedules map[int64]*Schedule
	nextID    map[string]int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[int64]*Workflow),
		runs:      make(map[int64]*Run),
		tasks:     make(map[int64]*Task),
		schedules: make(map[int64]*Schedule),
		nextID:    make(map[string]int64),
	}
}

func (s *MemoryStore) next(collection string) int64 {
	s.nextID[collection]++
	return s.nextID[collection]
}

func (s *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf.ID = s.next("workflows")
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id int64) (*Workflow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, notFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = s.next("runs")
	if run.Status == "" {
		run.Status = schema.RunStatusQueued
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, notFound("run", id)
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	runs := make([]*Run, 0, len(s.runs))
	for id := int64(1); id <= s.nextID["runs"]; id++ {
		if run, ok := s.runs[id]; ok {
			cp := *run
			runs = append(runs, &cp)
		}
	}
	return runs, nil
}

func (s *MemoryStore) ClaimRun(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != schema.RunStatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	run.Status = schema.RunStatusRunning
	run.StartedAt = &now
	return true, nil
}

func (s *MemoryStore) FinishRun(_ context.Context, id int64, status schema.RunStatus, exitCode *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %d is terminal or missing", id)
	}
	now := time.Now().UTC()
	run.Status = status
	run.ExitCode = exitCode
	run.FinishedAt = &now
	return nil
}

func (s *MemoryStore) CreateTask(_ context.Context, task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task.ID = s.next("tasks")
	if task.Status == "" {
		task.Status = schema.TaskStatusPending
	}
	cp := *task
	cp.Dependencies = append([]string(nil), task.Dependencies...)
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, notFound("task", id)
	}
	cp := *task
	return &cp, nil
}

func (s *MemoryStore) ListTasks(_ context.Context, runID int64) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := make([]*Task, 0)
	for id := int64(1); id <= s.nextID["tasks"]; id++ {
		if task, ok := s.tasks[id]; ok && task.RunID == runID {
			cp := *task
			tasks = append(tasks, &cp)
		}
	}
	return tasks, nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id int64, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return notFound("task", id)
	}
	if update.Status != nil {
		task.Status = *update.Status
	}
	if update.Attempt != nil {
		task.Attempt = *update.Attempt
	}
	if update.ExitCode != nil {
		task.ExitCode = update.ExitCode
	}
	return nil
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched.ID = s.next("schedules")
	sched.CreatedAt = timeOrNow(sched.CreatedAt)
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSchedules(_ context.Context, enabledOnly bool) ([]*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	scheds := make([]*Schedule, 0)
	for id := int64(1); id <= s.nextID["schedules"]; id++ {
		if sc, ok := s.schedules[id]; ok && (!enabledOnly || sc.Enabled) {
			cp := *sc
			scheds = append(scheds, &cp)
		}
	}
	return scheds, nil
}

func (s *MemoryStore) TouchSchedule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return notFound("schedule", id)
	}
	now := time.Now().UTC()
	sc.LastRunAt = &now
	return nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }
func (s *MemoryStore) Close() error                  { return nil }
