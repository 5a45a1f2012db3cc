package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/pkg/platform/audit"
	"enroll/pkg/requestcontext"
)

type MemoryStoreSuite struct {
	suite.Suite
	store *Store
	ctx   context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryStoreSuite))
}

func (s *MemoryStoreSuite) SetupTest() {
	s.store = New()
	s.ctx = context.Background()
}

func (s *MemoryStoreSuite) seed(n int, base time.Time) {
	for i := 0; i < n; i++ {
		err := s.store.Append(s.ctx, audit.Entry{
			ActorName: fmt.Sprintf("actor-%d", i%3),
			Category:  audit.CategoryRegistration,
			Action:    "registration.submitted",
			Status:    audit.StatusSuccess,
			Message:   fmt.Sprintf("entry %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		s.Require().NoError(err)
	}
}

func (s *MemoryStoreSuite) TestQueryOrdering() {
	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.seed(5, base)

	result, err := s.store.Query(s.ctx, audit.Filter{}, audit.Page{Number: 1, Size: 10})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 5)

	// Newest first.
	for i := 0; i < len(result.Rows)-1; i++ {
		s.False(result.Rows[i].CreatedAt.Before(result.Rows[i+1].CreatedAt))
	}
	s.Equal("entry 4", result.Rows[0].Message)
}

func (s *MemoryStoreSuite) TestQueryTiebreakByID() {
	same := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.Append(s.ctx, audit.Entry{
			Category: audit.CategorySystem, Action: "tick", Status: audit.StatusSuccess,
			CreatedAt: same,
		}))
	}

	result, err := s.store.Query(s.ctx, audit.Filter{}, audit.Page{Number: 1, Size: 10})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 3)
	s.Greater(result.Rows[0].ID, result.Rows[1].ID)
	s.Greater(result.Rows[1].ID, result.Rows[2].ID)
}

func (s *MemoryStoreSuite) TestPageClampToLastPage() {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.seed(40, base)

	result, err := s.store.Query(s.ctx, audit.Filter{}, audit.Page{Number: 999, Size: 25})
	s.Require().NoError(err)
	s.Equal(2, result.Page)
	s.Equal(2, result.TotalPages)
	s.Equal(40, result.Total)
	s.Len(result.Rows, 15)
}

func (s *MemoryStoreSuite) TestPaginationFullCoverageNoDupNoGap() {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.seed(40, base)

	seen := map[int64]bool{}
	for pageNum := 1; pageNum <= 2; pageNum++ {
		result, err := s.store.Query(s.ctx, audit.Filter{}, audit.Page{Number: pageNum, Size: 25})
		s.Require().NoError(err)
		for _, row := range result.Rows {
			s.False(seen[row.ID], "entry %d appeared twice", row.ID)
			seen[row.ID] = true
		}
	}
	s.Len(seen, 40)
}

func (s *MemoryStoreSuite) TestPageSizeClamped() {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.seed(3, base)

	result, err := s.store.Query(s.ctx, audit.Filter{}, audit.Page{Number: 0, Size: 1000})
	s.Require().NoError(err)
	s.Equal(1, result.Page)
	s.Equal(audit.MaxPageSize, result.PageSize)
}

func (s *MemoryStoreSuite) TestFilters() {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.Require().NoError(s.store.Append(s.ctx, audit.Entry{
		ActorName: "Grace Hopper", ActorEmail: "grace@example.com",
		Category: audit.CategorySecurity, Action: "rate_limit.blocked",
		Status: audit.StatusBlocked, Message: "limit hit", CreatedAt: base,
	}))
	s.Require().NoError(s.store.Append(s.ctx, audit.Entry{
		ActorName: "Alan Turing", ActorEmail: "alan@example.com",
		Category: audit.CategoryRegistration, Action: "registration.submitted",
		Status: audit.StatusSuccess, Message: "submitted", CreatedAt: base.AddDate(0, 0, 2),
	}))

	s.Run("exact category", func() {
		result, err := s.store.Query(s.ctx, audit.Filter{Category: audit.CategorySecurity}, audit.Page{})
		s.Require().NoError(err)
		s.Len(result.Rows, 1)
		s.Equal("rate_limit.blocked", result.Rows[0].Action)
	})

	s.Run("actor substring case-insensitive", func() {
		result, err := s.store.Query(s.ctx, audit.Filter{Actor: "GRACE"}, audit.Page{})
		s.Require().NoError(err)
		s.Len(result.Rows, 1)
	})

	s.Run("free-text search", func() {
		result, err := s.store.Query(s.ctx, audit.Filter{Search: "submitted"}, audit.Page{})
		s.Require().NoError(err)
		s.Len(result.Rows, 1)
		s.Equal("Alan Turing", result.Rows[0].ActorName)
	})

	s.Run("date range inclusive full days", func() {
		from := base
		to := base
		result, err := s.store.Query(s.ctx, audit.Filter{DateFrom: &from, DateTo: &to}, audit.Page{})
		s.Require().NoError(err)
		s.Len(result.Rows, 1)
		s.Equal("limit hit", result.Rows[0].Message)
	})

	s.Run("no match yields empty page one", func() {
		result, err := s.store.Query(s.ctx, audit.Filter{Category: "nonexistent"}, audit.Page{})
		s.Require().NoError(err)
		s.Empty(result.Rows)
		s.Equal(0, result.Total)
		s.Equal(1, result.Page)
		s.Equal(1, result.TotalPages)
	})
}

func (s *MemoryStoreSuite) TestFilterOptions() {
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s.seed(2, base)
	s.Require().NoError(s.store.Append(s.ctx, audit.Entry{
		Category: audit.CategorySecurity, Action: "rate_limit.blocked",
		Status: audit.StatusBlocked, SubjectType: "registration", CreatedAt: base,
	}))

	opts, err := s.store.FilterOptions(s.ctx)
	s.Require().NoError(err)
	s.Equal([]string{audit.CategoryRegistration, audit.CategorySecurity}, opts.Categories)
	s.Equal([]string{"rate_limit.blocked", "registration.submitted"}, opts.Actions)
	s.Equal([]string{"blocked", "success"}, opts.Statuses)
	s.Equal([]string{"registration"}, opts.SubjectTypes)
}

func (s *MemoryStoreSuite) TestStats() {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(s.ctx, now)

	entries := []audit.Entry{
		{ActorEmail: "a@example.com", Status: audit.StatusSuccess, CreatedAt: now.Add(-time.Hour)},
		{ActorEmail: "a@example.com", Status: audit.StatusFailure, CreatedAt: now.Add(-2 * time.Hour)},
		{ActorName: "anonymous-admin", Status: audit.StatusBlocked, CreatedAt: now.Add(-48 * time.Hour)},
		{Status: audit.StatusError, CreatedAt: now.Add(-30 * time.Minute)},
	}
	for _, e := range entries {
		s.Require().NoError(s.store.Append(s.ctx, e))
	}

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(4, stats.Total)
	s.Equal(3, stats.Failures)
	s.Equal(3, stats.Last24h)
	// Distinct actors keyed by email-else-name; the actorless entry is excluded.
	s.Equal(2, stats.DistinctActors)
}
