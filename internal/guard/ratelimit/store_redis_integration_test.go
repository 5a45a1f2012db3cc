//go:build integration

package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/internal/guard/ratelimit"
	"enroll/internal/platform/config"
	"enroll/internal/platform/redis"
	"enroll/pkg/testutil/containers"
)

type RedisStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *ratelimit.RedisStore
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
	s.store = ratelimit.NewRedisStore(client)
}

func (s *RedisStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisStoreSuite) TestIncrementCounts() {
	ctx := context.Background()
	windowStart := time.Now().UTC().Truncate(time.Minute)
	expiresAt := time.Now().Add(time.Minute)

	for want := 1; want <= 5; want++ {
		count, err := s.store.Increment(ctx, "key", "route", "client", windowStart, expiresAt)
		s.Require().NoError(err)
		s.Equal(want, count)
	}
}

func (s *RedisStoreSuite) TestCounterExpiresWithWindow() {
	ctx := context.Background()
	windowStart := time.Now().UTC()

	count, err := s.store.Increment(ctx, "short", "route", "client", windowStart, time.Now().Add(time.Second))
	s.Require().NoError(err)
	s.Equal(1, count)

	time.Sleep(1500 * time.Millisecond)

	count, err = s.store.Increment(ctx, "short", "route", "client", windowStart, time.Now().Add(time.Second))
	s.Require().NoError(err)
	s.Equal(1, count)
}
