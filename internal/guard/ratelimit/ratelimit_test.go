package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/pkg/platform/audit"
	auditMemory "enroll/pkg/platform/audit/store/memory"
	"enroll/pkg/requestcontext"
)

const (
	testRoute  = "registration.submit"
	testClient = "client-hash-1"
	testWindow = 10 * time.Minute
)

type LimiterSuite struct {
	suite.Suite
	store      *MemoryStore
	auditStore *auditMemory.Store
	limiter    *Limiter
	now        time.Time
	ctx        context.Context
}

func TestLimiterSuite(t *testing.T) {
	suite.Run(t, new(LimiterSuite))
}

func (s *LimiterSuite) SetupTest() {
	s.store = NewMemoryStore()
	s.auditStore = auditMemory.New()
	s.limiter = NewLimiter(s.store, WithAuditor(audit.NewLogger(s.auditStore)))
	s.now = time.Date(2026, 5, 1, 12, 3, 20, 0, time.UTC)
	s.ctx = requestcontext.WithTime(context.Background(), s.now)
}

func (s *LimiterSuite) TestWithinLimitAllowed() {
	for i := 1; i <= 3; i++ {
		result, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
		s.True(result.Allowed)
		s.Equal(i, result.Count)
		s.Equal(3, result.Limit)
	}
}

func (s *LimiterSuite) TestFourthOfThreeDenied() {
	for range 3 {
		_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
	}

	result, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
	s.Require().NoError(err)
	s.False(result.Allowed)
	s.Equal(4, result.Count)
	// Window is 12:00-12:10, now is 12:03:20: 400 seconds remain.
	s.Equal(400, result.RetryAfter)
}

func (s *LimiterSuite) TestFreshWindowResetsCount() {
	for range 4 {
		_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
	}

	nextWindow := requestcontext.WithTime(context.Background(), s.now.Add(testWindow))
	result, err := s.limiter.Check(nextWindow, testRoute, testClient, 3, testWindow)
	s.Require().NoError(err)
	s.True(result.Allowed)
	s.Equal(1, result.Count)
}

func (s *LimiterSuite) TestRetryAfterNeverBelowOne() {
	// One nanosecond before the window boundary.
	edge := s.now.Truncate(testWindow).Add(testWindow - time.Nanosecond)
	ctx := requestcontext.WithTime(context.Background(), edge)

	result, err := s.limiter.Check(ctx, testRoute, testClient, 3, testWindow)
	s.Require().NoError(err)
	s.Equal(1, result.RetryAfter)
}

func (s *LimiterSuite) TestClientsAndRoutesIsolated() {
	for range 3 {
		_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
	}

	other, err := s.limiter.Check(s.ctx, testRoute, "client-hash-2", 3, testWindow)
	s.Require().NoError(err)
	s.True(other.Allowed)
	s.Equal(1, other.Count)

	otherRoute, err := s.limiter.Check(s.ctx, "registration.lookup", testClient, 3, testWindow)
	s.Require().NoError(err)
	s.True(otherRoute.Allowed)
	s.Equal(1, otherRoute.Count)
}

func (s *LimiterSuite) TestDeniedRequestRecordedInActivityLog() {
	for range 4 {
		_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
	}

	result, err := s.auditStore.Query(s.ctx, audit.Filter{Action: "rate_limit.blocked"}, audit.Page{})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 1)
	s.Equal(audit.StatusBlocked, result.Rows[0].Status)
	s.Equal(audit.CategorySecurity, result.Rows[0].Category)
}

func (s *LimiterSuite) TestDeniedMetaIncludesWindow() {
	for range 4 {
		_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
		s.Require().NoError(err)
	}

	result, err := s.auditStore.Query(s.ctx, audit.Filter{Action: "rate_limit.blocked"}, audit.Page{})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 1)

	meta, ok := result.Rows[0].Meta.(*audit.Object)
	s.Require().True(ok)
	window, ok := meta.Get("window")
	s.Require().True(ok)
	s.Equal(testWindow.String(), window)
}

func (s *LimiterSuite) TestWindowRecordOutlivesWindowByOneWindow() {
	_, err := s.limiter.Check(s.ctx, testRoute, testClient, 3, testWindow)
	s.Require().NoError(err)

	windowEnd := s.now.Truncate(testWindow).Add(testWindow)

	// Still present right at the boundary so a sweep cannot race a request
	// landing on the window edge.
	deleted, err := s.store.DeleteExpired(s.ctx, windowEnd)
	s.Require().NoError(err)
	s.Zero(deleted)

	deleted, err = s.store.DeleteExpired(s.ctx, windowEnd.Add(testWindow))
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)
}

func (s *LimiterSuite) TestInvalidLimitRejected() {
	_, err := s.limiter.Check(s.ctx, testRoute, testClient, 0, testWindow)
	s.Error(err)
}

func (s *LimiterSuite) TestConcurrentIncrementsDistinctCounts() {
	const workers = 20

	counts := make([]int, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := s.limiter.Check(s.ctx, testRoute, testClient, workers, testWindow)
			s.NoError(err)
			counts[i] = result.Count
		}(i)
	}
	wg.Wait()

	seen := map[int]bool{}
	for _, c := range counts {
		s.False(seen[c], "count %d observed twice", c)
		seen[c] = true
		s.GreaterOrEqual(c, 1)
		s.LessOrEqual(c, workers)
	}
}

func (s *LimiterSuite) TestMemoryStoreDeleteExpired() {
	windowStart := s.now.Truncate(testWindow)
	_, err := s.store.Increment(s.ctx, "k1", testRoute, testClient, windowStart, windowStart.Add(testWindow))
	s.Require().NoError(err)

	deleted, err := s.store.DeleteExpired(s.ctx, windowStart.Add(testWindow))
	s.Require().NoError(err)
	s.Equal(int64(1), deleted)

	deleted, err = s.store.DeleteExpired(s.ctx, windowStart.Add(testWindow))
	s.Require().NoError(err)
	s.Zero(deleted)
}
