package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deferred holds ids whose delivery is postponed until a given time, in a
// sorted set scored by due time in unix milliseconds.
type Deferred struct {
	client *redis.Client
	key    string
}

// NewDeferred builds a deferral queue stored under key.
func NewDeferred(client *redis.Client, key string) *Deferred {
	if key == "" {
		key = "notifications:deferred"
	}
	return &Deferred{client: client, key: key}
}

// Schedule records id as due at runAt. Rescheduling an id moves it.
func (q *Deferred) Schedule(ctx context.Context, id string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(runAt.UnixMilli()), Member: id}).Err()
}

// PopDue removes and returns up to limit ids due at or before now. The
// range and removal run in one script so two sweeps never pop the same id.
func (q *Deferred) PopDue(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := popDueScript.Run(ctx, q.client, []string{q.key}, now.UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	raw, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from pop script: %T", res)
	}
	ids := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			ids = append(ids, s)
		}
	}
	return ids, nil
}

// Cancel drops a deferred id.
func (q *Deferred) Cancel(ctx context.Context, id string) error {
	return q.client.ZRem(ctx, q.key, id).Err()
}

// Depth returns how many ids are waiting.
func (q *Deferred) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}

var popDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
if #ids > 0 then
  redis.call('ZREM', KEYS[1], unpack(ids))
end
return ids
`)
