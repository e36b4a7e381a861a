package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisIndexKey = "asset:index"

// RedisCache stores assets with a native TTL. Capacity is enforced through a
// sorted set scored by insertion time; the oldest entries are evicted first.
type RedisCache struct {
	client   *redis.Client
	capacity int
	ttl      time.Duration
	now      func() time.Time
}

func NewRedisCache(redisURL string, cfg Config) (*RedisCache, error) {
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

	return NewRedisCacheWithClient(client, cfg), nil
}

func NewRedisCacheWithClient(client *redis.Client, cfg Config) *RedisCache {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	return &RedisCache{
		client:   client,
		capacity: cfg.Capacity,
		ttl:      cfg.TTL,
		now:      time.Now,
	}
}

func (c *RedisCache) Get(ctx context.Context, uri string) (*Asset, bool) {
	data, err := c.client.Get(ctx, Key(uri)).Bytes()
	if err != nil {
		return nil, false
	}

	var asset Asset
	if err := json.Unmarshal(data, &asset); err != nil {
		return nil, false
	}

	if !c.now().Before(asset.InsertedAt.Add(c.ttl)) {
		return nil, false
	}

	return &asset, true
}

func (c *RedisCache) Set(ctx context.Context, uri string, asset *Asset) error {
	now := c.now()
	stored := *asset
	stored.SourceURI = uri
	stored.Size = len(asset.Data)
	stored.InsertedAt = now

	data, err := json.Marshal(&stored)
	if err != nil {
		return fmt.Errorf("marshal asset: %w", err)
	}

	key := Key(uri)
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, key, data, c.ttl)
	pipe.ZAdd(ctx, redisIndexKey, redis.Z{Score: float64(now.UnixNano()), Member: key})
	pipe.ZRemRangeByScore(ctx, redisIndexKey, "-inf", strconv.FormatInt(now.Add(-c.ttl).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisIndexKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store asset: %w", err)
	}

	excess := countCmd.Val() - int64(c.capacity)
	if excess <= 0 {
		return nil
	}

	evicted, err := c.client.ZPopMin(ctx, redisIndexKey, excess).Result()
	if err != nil {
		return fmt.Errorf("evict assets: %w", err)
	}
	keys := make([]string, 0, len(evicted))
	for _, z := range evicted {
		if k, ok := z.Member.(string); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return c.client.Del(ctx, keys...).Err()
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
