package streaming

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// roomChannel maps a room to its redis channel, namespaced away from queue
// and metrics keys.
func roomChannel(room string) string {
	return "room:" + room
}

// RedisHub implements EventHub on redis pub/sub so that emissions from any
// worker process reach clients connected to any API instance.
type RedisHub struct {
	client *redis.Client
}

// NewRedisHub wraps an existing redis client.
func NewRedisHub(client *redis.Client) *RedisHub {
	return &RedisHub{client: client}
}

func (h *RedisHub) Publish(ctx context.Context, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, roomChannel(event.Room), data).Err()
}

func (h *RedisHub) Subscribe(ctx context.Context, room string) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	pubsub := h.client.Subscribe(ctx, roomChannel(room))
	// Force the subscription onto the wire before returning so callers do
	// not miss events published immediately after Subscribe.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var event StreamEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case out <- event:
			default:
				// backpressure: drop event for slow subscriber
			}
		}
	}()

	cancel := func() { _ = pubsub.Close() }
	return out, cancel, nil
}
