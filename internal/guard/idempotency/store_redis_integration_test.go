//go:build integration

package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/internal/guard/idempotency"
	"enroll/internal/guard/models"
	"enroll/internal/platform/config"
	"enroll/internal/platform/redis"
	"enroll/pkg/platform/sentinel"
	"enroll/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *idempotency.RedisStore
}

func TestRedisStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisStoreSuite))
}

func (s *RedisStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())

	client, err := redis.New(config.RedisConfig{URL: s.redis.URL})
	s.Require().NoError(err)
	s.store = idempotency.NewRedisStore(client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestClaimLifecycle() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.IdempotencyRecord{
		Key:         "k1",
		Route:       "registration.submit",
		ClientID:    "client-1",
		RequestHash: "hash-1",
		Status:      models.StatusInProgress,
		ExpiresAt:   now.Add(time.Hour),
		UpdatedAt:   now,
	}

	s.Require().NoError(s.store.Create(ctx, rec, now))
	s.ErrorIs(s.store.Create(ctx, rec, now), sentinel.ErrConflict)

	got, err := s.store.Get(ctx, "k1", now)
	s.Require().NoError(err)
	s.Equal(models.StatusInProgress, got.Status)
	s.Equal("hash-1", got.RequestHash)

	final := rec
	final.Status = models.StatusSucceeded
	final.HTTPStatus = 201
	final.ResponseBody = []byte(`{"ok":true}`)
	final.UpdatedAt = now.Add(time.Second)
	s.Require().NoError(s.store.Finalize(ctx, final))

	got, err = s.store.Get(ctx, "k1", now)
	s.Require().NoError(err)
	s.Equal(models.StatusSucceeded, got.Status)
	s.Equal(201, got.HTTPStatus)
}

func (s *RedisStoreSuite) TestGetMissing() {
	_, err := s.store.Get(context.Background(), "missing", time.Now())
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *RedisStoreSuite) TestReclaimCompareAndSwap() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.IdempotencyRecord{
		Key:         "k2",
		Route:       "registration.submit",
		ClientID:    "client-1",
		RequestHash: "hash-1",
		Status:      models.StatusInProgress,
		ExpiresAt:   now.Add(time.Hour),
		UpdatedAt:   now,
	}
	s.Require().NoError(s.store.Create(ctx, rec, now))

	taken := rec
	taken.UpdatedAt = now.Add(time.Minute)
	s.Require().NoError(s.store.Reclaim(ctx, taken, rec.UpdatedAt))

	// The original timestamp is stale now; a second reclaim loses.
	err := s.store.Reclaim(ctx, taken, rec.UpdatedAt)
	s.ErrorIs(err, sentinel.ErrConflict)
}

func (s *RedisStoreSuite) TestExpiryViaTTL() {
	ctx := context.Background()
	now := time.Now().UTC()

	rec := models.IdempotencyRecord{
		Key:         "k3",
		Route:       "registration.submit",
		ClientID:    "client-1",
		RequestHash: "hash-1",
		Status:      models.StatusInProgress,
		ExpiresAt:   now.Add(time.Second),
		UpdatedAt:   now,
	}
	s.Require().NoError(s.store.Create(ctx, rec, now))

	time.Sleep(1500 * time.Millisecond)

	_, err := s.store.Get(ctx, "k3", time.Now())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
