package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-publisher/internal/config"
)

// RedisQueue mirrors armed timers into a Redis sorted set so that any instance can pick up due
// jobs on its polling tick, and keeps the dead-letter list for operators.
type RedisQueue struct {
	client       *redis.Client
	scheduledKey string
	dlqKey       string
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewRedisQueue builds a queue over client using the key names from config.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	scheduled := cfg.ScheduledKey
	if scheduled == "" {
		scheduled = "publish:scheduled"
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "publish:dlq"
	}
	return &RedisQueue{
		client:       client,
		scheduledKey: scheduled,
		dlqKey:       dlq,
	}
}

// Schedule records that jobID becomes due at runAt. Re-scheduling overwrites the previous time.
func (q *RedisQueue) Schedule(ctx context.Context, jobID string, runAt time.Time) error {
	return q.client.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID}).Err()
}

// ClaimDue atomically removes and returns up to limit job ids whose time is <= now.
func (q *RedisQueue) ClaimDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 10
	}
	res, err := claimScript.Run(ctx, q.client, []string{q.scheduledKey}, now.UnixMilli(), limit).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from claim script: %T", res)
	}
	ids := make([]string, 0, len(arr))
	for _, v := range arr {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Unschedule drops jobID from the due index.
func (q *RedisQueue) Unschedule(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.scheduledKey, jobID).Err()
}

// ScheduledAt returns the recorded due time for jobID, if any.
func (q *RedisQueue) ScheduledAt(ctx context.Context, jobID string) (time.Time, bool, error) {
	score, err := q.client.ZScore(ctx, q.scheduledKey, jobID).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Depth returns how many jobs wait in the due index.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.scheduledKey).Result()
}

// DeadLetter appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.LRem(ctx, q.dlqKey, 0, jobID)
	pipe.LPush(ctx, q.dlqKey, jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Revive removes jobID from the dead-letter list after a manual retry.
func (q *RedisQueue) Revive(ctx context.Context, jobID string) error {
	return q.client.LRem(ctx, q.dlqKey, 0, jobID).Err()
}

// DLQPeek reads the latest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
end
return ids
`)

