package ratelimit

import (
	"context"
	"fmt"
	"time"

	"enroll/internal/platform/redis"
)

// RedisStore keeps window counters in Redis. INCR is atomic, and the key TTL
// set alongside the first increment makes expiry Redis's problem, so
// DeleteExpired is a no-op.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on the shared client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Increment bumps the counter for the window key, setting its TTL on first
// increment.
func (s *RedisStore) Increment(ctx context.Context, key, _, _ string, _ time.Time, expiresAt time.Time) (int, error) {
	redisKey := "ratelimit:" + key

	count, err := s.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return 0, fmt.Errorf("incr rate window: %w", err)
	}
	if count == 1 {
		ttl := time.Until(expiresAt)
		if ttl <= 0 {
			ttl = time.Second
		}
		if err := s.client.Expire(ctx, redisKey, ttl).Err(); err != nil {
			return 0, fmt.Errorf("expire rate window: %w", err)
		}
	}
	return int(count), nil
}

// DeleteExpired is a no-op; Redis evicts keys via TTL.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
