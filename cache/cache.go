package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trainchain/backend/config"
)

const openJobsKey = "jobs:open"

// Cache caches the open-job listing, the hottest read path on the board.
// Implementations must be safe for concurrent use.
type Cache interface {
	GetOpenJobs(ctx context.Context) ([]config.Job, bool, error)
	SetOpenJobs(ctx context.Context, jobs []config.Job, ttl time.Duration) error
	InvalidateOpenJobs(ctx context.Context) error
	Ping(ctx context.Context) error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) GetOpenJobs(ctx context.Context) ([]config.Job, bool, error) {
	val, err := c.client.Get(ctx, openJobsKey).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var jobs []config.Job
	if err := json.Unmarshal(val, &jobs); err != nil {
		return nil, false, err
	}
	return jobs, true, nil
}

func (c *RedisCache) SetOpenJobs(ctx context.Context, jobs []config.Job, ttl time.Duration) error {
	val, err := json.Marshal(jobs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, openJobsKey, val, ttl).Err()
}

func (c *RedisCache) InvalidateOpenJobs(ctx context.Context) error {
	return c.client.Del(ctx, openJobsKey).Err()
}

// Close closes the underlying Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
