package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// Progress is the transient execution state workers publish for polling
// clients. It lives only in Redis and is never written to the job row.
type Progress struct {
	Percentage  int    `json:"percentage"`
	ExtraStatus string `json:"extra_status,omitempty"`
}

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error

	// TouchKeepalive refreshes the liveness marker a status poll leaves
	// behind. The keepalive reaper treats an expired marker as an
	// abandoned job.
	TouchKeepalive(ctx context.Context, jobToken string, ttl time.Duration) error
	KeepaliveActive(ctx context.Context, jobToken string) (bool, error)

	SetProgress(ctx context.Context, jobToken string, p Progress, ttl time.Duration) error
	GetProgress(ctx context.Context, jobToken string) (Progress, bool, error)

	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
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

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) TouchKeepalive(ctx context.Context, jobToken string, ttl time.Duration) error {
	return c.client.Set(ctx, KeepaliveKey(jobToken), "1", ttl).Err()
}

func (c *RedisCache) KeepaliveActive(ctx context.Context, jobToken string) (bool, error) {
	n, err := c.client.Exists(ctx, KeepaliveKey(jobToken)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) SetProgress(ctx context.Context, jobToken string, p Progress, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, ProgressKey(jobToken), data, ttl).Err()
}

func (c *RedisCache) GetProgress(ctx context.Context, jobToken string) (Progress, bool, error) {
	val, err := c.client.Get(ctx, ProgressKey(jobToken)).Bytes()
	if err == redis.Nil {
		return Progress{}, false, nil
	}
	if err != nil {
		return Progress{}, false, err
	}
	var p Progress
	if err := json.Unmarshal(val, &p); err != nil {
		return Progress{}, false, err
	}
	return p, true, nil
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
