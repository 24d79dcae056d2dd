package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// DeadLetter is a list of task ids that exhausted their retries, kept for
// operational inspection.
type DeadLetter struct {
	client *redis.Client
	key    string
}

// NewDeadLetter builds a dead-letter list stored under key.
func NewDeadLetter(client *redis.Client, key string) *DeadLetter {
	if key == "" {
		key = "queue:dlq"
	}
	return &DeadLetter{client: client, key: key}
}

// Push appends to the dead-letter queue.
func (q *DeadLetter) Push(ctx context.Context, taskID string) error {
	return q.client.RPush(ctx, q.key, taskID).Err()
}

// Peek reads the oldest count dead-lettered task ids.
func (q *DeadLetter) Peek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.key, 0, count-1).Result()
}

// Len returns the number of dead-lettered ids.
func (q *DeadLetter) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
