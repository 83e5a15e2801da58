package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// brpopTimeout bounds each blocking pop so a cancelled context is noticed
// even if the server keeps the connection idle.
const brpopTimeout = 5 * time.Second

// RedisBroker implements Broker on redis lists (LPUSH / BRPOP).
type RedisBroker struct {
	client *redis.Client
}

// NewRedisBroker wraps an existing redis client.
func NewRedisBroker(client *redis.Client) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Enqueue(ctx context.Context, queue string, item WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return brokerError("encode work item", err)
	}
	if err := b.client.LPush(ctx, QueueKey(queue), data).Err(); err != nil {
		return brokerError("enqueue", err)
	}
	return nil
}

func (b *RedisBroker) Dequeue(ctx context.Context, queue string) (*WorkItem, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := b.client.BRPop(ctx, brpopTimeout, QueueKey(queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, brokerError("dequeue", err)
		}
		// BRPOP returns [key, value].
		var item WorkItem
		if err := json.Unmarshal([]byte(res[1]), &item); err != nil {
			return nil, brokerError("decode work item", err)
		}
		return &item, nil
	}
}
