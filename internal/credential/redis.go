package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisUsageTracker keeps a sliding window per credential in a sorted set so
// every gateway instance sharing the Redis sees the same counts.
type RedisUsageTracker struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisUsageTracker(redisURL string) (*RedisUsageTracker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return NewRedisUsageTrackerWithClient(client), nil
}

func NewRedisUsageTrackerWithClient(client *redis.Client) *RedisUsageTracker {
	return &RedisUsageTracker{client: client, now: time.Now}
}

func (r *RedisUsageTracker) Allow(ctx context.Context, id string, limit int) (bool, int, error) {
	key := usageKey(id)
	now := r.now()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatTime(now.Add(-window)))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}

	count := int(countCmd.Val())
	if limit > 0 && count > limit {
		if err := r.client.ZRem(ctx, key, member).Err(); err != nil {
			return false, count, err
		}
		return false, count - 1, nil
	}

	return true, count, nil
}

func (r *RedisUsageTracker) Usage(ctx context.Context, id string) (int, error) {
	now := r.now()
	n, err := r.client.ZCount(ctx, usageKey(id), "("+formatTime(now.Add(-window)), "+inf").Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (r *RedisUsageTracker) Close() error {
	return r.client.Close()
}

func usageKey(id string) string {
	return "credential:usage:" + id
}

func formatTime(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}
