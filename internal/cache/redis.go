package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	fleeterrors "github.com/fleetql/fleet/internal/errors"
)

const (
	resultPrefix = "fleet:result:"
	indexPrefix  = "fleet:index:"

	// indexTTL bounds the per-source key index so abandoned indexes do
	// not accumulate. It must outlive the longest result TTL.
	indexTTL = time.Hour
)

// RedisCache stores results in redis so cache hits survive restarts
// and are shared across gateway replicas.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects to redis at addr.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fleeterrors.NewCacheUnavailable(err)
	}
	return &RedisCache{client: client}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := c.client.Get(ctx, resultPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fleeterrors.NewCacheUnavailable(err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		// A corrupt entry behaves as a miss.
		return nil, false, nil
	}
	return &e, true, nil
}

// Set implements Cache. The entry and its per-source index updates go
// out in one pipeline.
func (c *RedisCache) Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fleeterrors.NewInternal("cache", err)
	}
	pipe := c.client.Pipeline()
	pipe.Set(ctx, resultPrefix+key, raw, ttl)
	for _, src := range e.Sources {
		pipe.SAdd(ctx, indexPrefix+src, key)
		pipe.Expire(ctx, indexPrefix+src, indexTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fleeterrors.NewCacheUnavailable(err)
	}
	return nil
}

// Invalidate implements Cache.
func (c *RedisCache) Invalidate(ctx context.Context, sourceID string) error {
	keys, err := c.client.SMembers(ctx, indexPrefix+sourceID).Result()
	if err != nil {
		return fleeterrors.NewCacheUnavailable(err)
	}
	pipe := c.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, resultPrefix+k)
	}
	pipe.Del(ctx, indexPrefix+sourceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fleeterrors.NewCacheUnavailable(err)
	}
	return nil
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
