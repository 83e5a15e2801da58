package store

import (
	"time"

	"github.com/rendis/chispa/pkg/schema"
)

// Workflow is a stored workflow document. Runs reference workflows via
// WorkflowID when submitted with a workflow body.
type Workflow struct {
	ID        int64     `json:"id"`
	YAML      string    `json:"yaml"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one end-to-end execution of a command or a workflow.
// Created by the submission API, mutated only by the worker that claims it.
type Run struct {
	ID         int64            `json:"id"`
	WorkflowID *int64           `json:"workflow_id,omitempty"`
	Command    string           `json:"command,omitempty"`
	Queue      string           `json:"queue"`
	Status     schema.RunStatus `json:"status"`
	ExitCode   *int             `json:"exit_code,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  *time.Time       `json:"started_at,omitempty"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
}

// Task is one node of a workflow run's graph.
type Task struct {
	ID           int64             `json:"id"`
	RunID        int64             `json:"run_id"`
	Name         string            `json:"name"`
	Command      string            `json:"command"`
	Status       schema.TaskStatus `json:"status"`
	Attempt      int               `json:"attempt"`
	ExitCode     *int              `json:"exit_code,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
}

// TaskUpdate is a partial task mutation. Nil fields are left untouched.
type TaskUpdate struct {
	Status   *schema.TaskStatus
	Attempt  *int
	ExitCode *int
}

// Schedule is a cron-driven recurring submission.
type Schedule struct {
	ID           int64      `json:"id"`
	CronSpec     string     `json:"cron_spec"`
	Command      string     `json:"command,omitempty"`
	WorkflowYAML string     `json:"workflow_yaml,omitempty"`
	Queue        string     `json:"queue"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
}
