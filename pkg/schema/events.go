package schema

import "strconv"

// Real-time event types published to a run's room.
const (
	EventTaskStatus = "task_status"
	EventTaskLog    = "task_log"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final. A run never leaves a
// terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// TaskStatus represents the lifecycle state of a task within a run.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// Terminal reports whether the task status is final.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed || s == TaskStatusSkipped
}

// Satisfied reports whether a dependency in this status releases its
// dependents. Skipped and succeeded are interchangeable for dependency
// satisfaction.
func (s TaskStatus) Satisfied() bool {
	return s == TaskStatusSucceeded || s == TaskStatusSkipped
}

// TaskStatusEvent is the payload of a task_status event.
type TaskStatusEvent struct {
	RunID    int64      `json:"run_id"`
	TaskID   int64      `json:"task_id"`
	TaskName string     `json:"task_name"`
	Status   TaskStatus `json:"status"`
}

// TaskLogEvent is the payload of a task_log event.
type TaskLogEvent struct {
	RunID    int64  `json:"run_id"`
	TaskID   int64  `json:"task_id"`
	TaskName string `json:"task_name"`
	Log      string `json:"log"`
}

// RoomForRun returns the pub/sub room name for a run.
func RoomForRun(runID int64) string {
	return "run_" + strconv.FormatInt(runID, 10)
}
