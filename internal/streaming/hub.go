package streaming

import (
	"context"
	"encoding/json"

	"github.com/rendis/chispa/pkg/schema"
)

// StreamEvent is a real-time event published to a run's room.
type StreamEvent struct {
	Room    string          `json:"room"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EventHub provides best-effort pub/sub fan-out keyed by room. Events are not
// persisted; a late subscriber sees only subsequent events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, room string) (<-chan StreamEvent, func(), error)
}

// TaskStatus builds a task_status event for the run's room.
func TaskStatus(ev schema.TaskStatusEvent) StreamEvent {
	payload, _ := json.Marshal(ev)
	return StreamEvent{
		Room:    schema.RoomForRun(ev.RunID),
		Type:    schema.EventTaskStatus,
		Payload: payload,
	}
}

// TaskLog builds a task_log event for the run's room.
func TaskLog(ev schema.TaskLogEvent) StreamEvent {
	payload, _ := json.Marshal(ev)
	return StreamEvent{
		Room:    schema.RoomForRun(ev.RunID),
		Type:    schema.EventTaskLog,
		Payload: payload,
	}
}
