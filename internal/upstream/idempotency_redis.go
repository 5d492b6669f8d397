package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyKeyPrefix = "upstream:idem:"
	inFlightMarker       = "inflight"
	donePrefix           = "done:"
)

// RedisIdempotency shares idempotency keys across replicas. Reserve is a single
// SETNX, so two replicas racing on the same key see exactly one winner.
type RedisIdempotency struct {
	client redis.UniversalClient
}

func NewRedisIdempotency(client redis.UniversalClient) *RedisIdempotency {
	return &RedisIdempotency{client: client}
}

func (r *RedisIdempotency) Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, idempotencyKeyPrefix+key, inFlightMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *RedisIdempotency) Complete(ctx context.Context, key string, result []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, idempotencyKeyPrefix+key, donePrefix+string(result), ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisIdempotency) Lookup(ctx context.Context, key string) (Entry, error) {
	raw, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{State: EntryUnknown}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("redis get: %w", err)
	}
	if result, ok := strings.CutPrefix(raw, donePrefix); ok {
		return Entry{State: EntryDone, Result: []byte(result)}, nil
	}
	return Entry{State: EntryInFlight}, nil
}

// Release only deletes an in-flight marker; a completed result is kept.
func (r *RedisIdempotency) Release(ctx context.Context, key string) error {
	k := idempotencyKeyPrefix + key
	raw, err := r.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get: %w", err)
	}
	if raw != inFlightMarker {
		return nil
	}
	if err := r.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
