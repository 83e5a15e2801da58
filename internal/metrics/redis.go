package metrics

import (
	"context"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 100

// RedisCounters implements Counters on redis integer keys.
type RedisCounters struct {
	client *redis.Client
}

// NewRedisCounters wraps an existing redis client.
func NewRedisCounters(client *redis.Client) *RedisCounters {
	return &RedisCounters{client: client}
}

func (c *RedisCounters) Inc(ctx context.Context, queue, kind string) error {
	return c.client.Incr(ctx, Key(queue, kind)).Err()
}

// Snapshot scans the metrics:queue:* prefix and folds keys into the nested
// queue -> kind -> count mapping.
func (c *RedisCounters) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64)
	var cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, "metrics:queue:*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			val, err := c.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			n, err := strconv.ParseInt(val, 10, 64)
			if err != nil {
				continue
			}
			// metrics:queue:<queue>:<kind>
			parts := strings.Split(key, ":")
			if len(parts) != 4 {
				continue
			}
			queue, kind := parts[2], parts[3]
			if out[queue] == nil {
				out[queue] = make(map[string]int64)
			}
			out[queue][kind] = n
		}
		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}
