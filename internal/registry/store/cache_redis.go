package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sovereign/internal/registry/models"
)

const cacheKeyPrefix = "registry:ns:"

// RedisCache holds registrations that are known to exist. Misses are never
// cached, so a namespace registered after a lookup is seen on the next one.
type RedisCache struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns nil, nil on a miss.
func (c *RedisCache) Get(ctx context.Context, namespace string) (*models.Registration, error) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+namespace).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var reg models.Registration
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("decode cached registration: %w", err)
	}
	return &reg, nil
}

func (c *RedisCache) Set(ctx context.Context, reg *models.Registration) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+reg.Namespace, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
