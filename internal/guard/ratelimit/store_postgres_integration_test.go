//go:build integration

package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/internal/guard/ratelimit"
	"enroll/internal/platform/postgres"
	"enroll/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	pg     *containers.PostgresContainer
	client *postgres.Client
	store  *ratelimit.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())

	client, err := postgres.Open(context.Background(), s.pg.DSN)
	s.Require().NoError(err)
	s.client = client
	s.store = ratelimit.NewPostgresStore(client)
}

func (s *PostgresStoreSuite) SetupTest() {
	_, err := s.pg.DB.ExecContext(context.Background(), "TRUNCATE TABLE rate_limit_windows")
	if err != nil {
		// First run: the table appears on first store use.
		s.T().Logf("truncate skipped: %v", err)
	}
}

func (s *PostgresStoreSuite) TestIncrementReturnsDistinctCounts() {
	ctx := context.Background()
	windowStart := time.Now().UTC().Truncate(time.Minute)
	expiresAt := windowStart.Add(time.Minute)

	const goroutines = 30
	counts := make([]int, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			count, err := s.store.Increment(ctx, "concurrent-key", "route", "client", windowStart, expiresAt)
			s.Require().NoError(err)
			counts[i] = count
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, c := range counts {
		s.False(seen[c], "post-increment count %d observed twice", c)
		seen[c] = true
	}
	s.Len(seen, goroutines)
}

func (s *PostgresStoreSuite) TestSeparateKeysIndependent() {
	ctx := context.Background()
	windowStart := time.Now().UTC().Truncate(time.Minute)
	expiresAt := windowStart.Add(time.Minute)

	count, err := s.store.Increment(ctx, "key-a", "route", "client-a", windowStart, expiresAt)
	s.Require().NoError(err)
	s.Equal(1, count)

	count, err = s.store.Increment(ctx, "key-b", "route", "client-b", windowStart, expiresAt)
	s.Require().NoError(err)
	s.Equal(1, count)
}

func (s *PostgresStoreSuite) TestDeleteExpired() {
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.store.Increment(ctx, "stale", "route", "client", now.Add(-2*time.Minute), now.Add(-time.Minute))
	s.Require().NoError(err)
	_, err = s.store.Increment(ctx, "live", "route", "client", now, now.Add(time.Minute))
	s.Require().NoError(err)

	deleted, err := s.store.DeleteExpired(ctx, now)
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	count, err := s.store.Increment(ctx, "live", "route", "client", now, now.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(2, count)
}
