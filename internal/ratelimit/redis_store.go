package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"prodflow-access/internal/client"
)

const redisKeyPrefix = "rate_limit:"

// RedisStore shares limiter state across service instances through the
// Redis cluster.
type RedisStore struct {
	redis *client.RedisClient
}

func NewRedisStore(redis *client.RedisClient) *RedisStore {
	return &RedisStore{redis: redis}
}

func (r *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	raw, err := r.redis.Get(ctx, redisKeyPrefix+key)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("rate limit get failed: %w", err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("rate limit entry corrupt: %w", err)
	}
	return &e, nil
}

func (r *RedisStore) Put(ctx context.Context, key string, e *Entry, ttl time.Duration) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rate limit entry encode failed: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := r.redis.Set(ctx, redisKeyPrefix+key, raw, ttl); err != nil {
		return fmt.Errorf("rate limit put failed: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	return r.redis.Del(ctx, redisKeyPrefix+key)
}
