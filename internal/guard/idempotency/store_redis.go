package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"enroll/internal/guard/models"
	"enroll/internal/platform/redis"
	"enroll/pkg/platform/sentinel"
)

const redisKeyPrefix = "idempotency:"

// RedisStore keeps records as JSON values with Redis TTLs carrying the
// expiry, so expired records disappear on their own and DeleteExpired is a
// no-op. Claiming relies on SET NX; reclaiming uses WATCH-based optimistic
// transactions for the compare-and-swap.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore on the shared client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

type redisRecord struct {
	Route        string          `json:"route"`
	ClientID     string          `json:"client_id"`
	RequestHash  string          `json:"request_hash"`
	Status       string          `json:"status"`
	HTTPStatus   int             `json:"http_status,omitempty"`
	ResponseBody json.RawMessage `json:"response_body,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func encodeRecord(rec models.IdempotencyRecord) (string, error) {
	data, err := json.Marshal(redisRecord{
		Route:        rec.Route,
		ClientID:     rec.ClientID,
		RequestHash:  rec.RequestHash,
		Status:       string(rec.Status),
		HTTPStatus:   rec.HTTPStatus,
		ResponseBody: rec.ResponseBody,
		ErrorMessage: rec.ErrorMessage,
		ExpiresAt:    rec.ExpiresAt.UTC(),
		UpdatedAt:    rec.UpdatedAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("encode idempotency record: %w", err)
	}
	return string(data), nil
}

func decodeRecord(key, data string) (models.IdempotencyRecord, error) {
	var raw redisRecord
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("decode idempotency record: %w", err)
	}
	return models.IdempotencyRecord{
		Key:          key,
		Route:        raw.Route,
		ClientID:     raw.ClientID,
		RequestHash:  raw.RequestHash,
		Status:       models.RecordStatus(raw.Status),
		HTTPStatus:   raw.HTTPStatus,
		ResponseBody: raw.ResponseBody,
		ErrorMessage: raw.ErrorMessage,
		ExpiresAt:    raw.ExpiresAt,
		UpdatedAt:    raw.UpdatedAt,
	}, nil
}

func ttlFor(expiresAt, now time.Time) time.Duration {
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	return ttl
}

// Create claims the key with SET NX. Redis TTL eviction stands in for the
// expired-row overwrite the SQL store does.
func (s *RedisStore) Create(ctx context.Context, rec models.IdempotencyRecord, now time.Time) error {
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, redisKeyPrefix+rec.Key, data, ttlFor(rec.ExpiresAt, now)).Result()
	if err != nil {
		return fmt.Errorf("claim idempotency record: %w", err)
	}
	if !ok {
		return sentinel.ErrConflict
	}
	return nil
}

// Get returns the live record for key.
func (s *RedisStore) Get(ctx context.Context, key string, _ time.Time) (models.IdempotencyRecord, error) {
	data, err := s.client.Get(ctx, redisKeyPrefix+key).Result()
	if errors.Is(err, goredis.Nil) {
		return models.IdempotencyRecord{}, sentinel.ErrNotFound
	}
	if err != nil {
		return models.IdempotencyRecord{}, fmt.Errorf("load idempotency record: %w", err)
	}
	return decodeRecord(key, data)
}

// Reclaim swaps the record if UpdatedAt still matches what the caller read.
func (s *RedisStore) Reclaim(ctx context.Context, rec models.IdempotencyRecord, expectUpdatedAt time.Time) error {
	redisKey := redisKeyPrefix + rec.Key
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			return sentinel.ErrConflict
		}
		if err != nil {
			return err
		}
		existing, err := decodeRecord(rec.Key, current)
		if err != nil {
			return err
		}
		if !existing.UpdatedAt.Equal(expectUpdatedAt) {
			return sentinel.ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, ttlFor(rec.ExpiresAt, rec.UpdatedAt))
			return nil
		})
		return err
	}, redisKey)
	if errors.Is(err, goredis.TxFailedErr) {
		return sentinel.ErrConflict
	}
	if err != nil && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("reclaim idempotency record: %w", err)
	}
	return err
}

// Finalize writes the terminal status and response, keeping the other claim
// fields.
func (s *RedisStore) Finalize(ctx context.Context, rec models.IdempotencyRecord) error {
	redisKey := redisKeyPrefix + rec.Key

	err := s.client.Watch(ctx, func(tx *goredis.Tx) error {
		current, err := tx.Get(ctx, redisKey).Result()
		if errors.Is(err, goredis.Nil) {
			return sentinel.ErrNotFound
		}
		if err != nil {
			return err
		}
		existing, err := decodeRecord(rec.Key, current)
		if err != nil {
			return err
		}
		existing.Status = rec.Status
		existing.HTTPStatus = rec.HTTPStatus
		existing.ResponseBody = rec.ResponseBody
		existing.ErrorMessage = rec.ErrorMessage
		existing.ExpiresAt = rec.ExpiresAt
		existing.UpdatedAt = rec.UpdatedAt

		data, err := encodeRecord(existing)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, redisKey, data, ttlFor(rec.ExpiresAt, rec.UpdatedAt))
			return nil
		})
		return err
	}, redisKey)
	if errors.Is(err, goredis.TxFailedErr) {
		return sentinel.ErrConflict
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) && !errors.Is(err, sentinel.ErrConflict) {
		return fmt.Errorf("finalize idempotency record: %w", err)
	}
	return err
}

// DeleteExpired is a no-op; Redis evicts keys via TTL.
func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}
