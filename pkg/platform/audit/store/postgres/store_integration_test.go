//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"enroll/internal/platform/postgres"
	"enroll/pkg/platform/audit"
	auditPostgres "enroll/pkg/platform/audit/store/postgres"
	"enroll/pkg/testutil/containers"
)

type PostgresAuditStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *auditPostgres.Store
}

func TestPostgresAuditStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresAuditStoreSuite))
}

func (s *PostgresAuditStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T())

	client, err := postgres.Open(context.Background(), s.pg.DSN)
	s.Require().NoError(err)
	db, err := client.DB(context.Background())
	s.Require().NoError(err)
	s.store = auditPostgres.New(db)
}

func (s *PostgresAuditStoreSuite) SetupTest() {
	_, err := s.pg.DB.ExecContext(context.Background(), "TRUNCATE TABLE activity_logs RESTART IDENTITY")
	s.Require().NoError(err)
}

func (s *PostgresAuditStoreSuite) seed(n int, base time.Time) {
	ctx := context.Background()
	for i := 0; i < n; i++ {
		meta, _ := audit.Sanitize(map[string]any{"index": i})
		err := s.store.Append(ctx, audit.Entry{
			ActorName:  fmt.Sprintf("actor-%d", i%4),
			ActorEmail: fmt.Sprintf("actor-%d@example.com", i%4),
			Category:   audit.CategoryRegistration,
			Action:     "registration.submitted",
			Status:     audit.StatusSuccess,
			Message:    fmt.Sprintf("entry %d", i),
			Meta:       meta,
			CreatedAt:  base.Add(time.Duration(i) * time.Second),
		})
		s.Require().NoError(err)
	}
}

func (s *PostgresAuditStoreSuite) TestAppendAndQueryRoundTrip() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	s.seed(3, base)

	result, err := s.store.Query(ctx, audit.Filter{}, audit.Page{Number: 1, Size: 10})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 3)
	s.Equal("entry 2", result.Rows[0].Message)

	meta, ok := result.Rows[0].Meta.(*audit.Object)
	s.Require().True(ok)
	idx, _ := meta.Get("index")
	s.Equal(float64(2), idx)
}

func (s *PostgresAuditStoreSuite) TestPageClampAndCoverage() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	s.seed(40, base)

	clamped, err := s.store.Query(ctx, audit.Filter{}, audit.Page{Number: 999, Size: 25})
	s.Require().NoError(err)
	s.Equal(2, clamped.Page)
	s.Len(clamped.Rows, 15)

	seen := map[int64]bool{}
	for pageNum := 1; pageNum <= 2; pageNum++ {
		result, err := s.store.Query(ctx, audit.Filter{}, audit.Page{Number: pageNum, Size: 25})
		s.Require().NoError(err)
		for _, row := range result.Rows {
			s.False(seen[row.ID])
			seen[row.ID] = true
		}
	}
	s.Len(seen, 40)
}

func (s *PostgresAuditStoreSuite) TestSearchAndFilters() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	s.seed(4, base)
	s.Require().NoError(s.store.Append(ctx, audit.Entry{
		ActorName: "Mallory",
		Category:  audit.CategorySecurity,
		Action:    "rate_limit.blocked",
		Status:    audit.StatusBlocked,
		Message:   "limit hit",
		CreatedAt: base,
	}))

	blocked, err := s.store.Query(ctx, audit.Filter{Status: "blocked"}, audit.Page{})
	s.Require().NoError(err)
	s.Require().Len(blocked.Rows, 1)
	s.Equal("Mallory", blocked.Rows[0].ActorName)

	search, err := s.store.Query(ctx, audit.Filter{Search: "limit hit"}, audit.Page{})
	s.Require().NoError(err)
	s.Len(search.Rows, 1)

	actor, err := s.store.Query(ctx, audit.Filter{Actor: "mallory"}, audit.Page{})
	s.Require().NoError(err)
	s.Len(actor.Rows, 1)
}

func (s *PostgresAuditStoreSuite) TestFilterOptionsAndStats() {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	s.seed(4, base)
	s.Require().NoError(s.store.Append(ctx, audit.Entry{
		Category: audit.CategorySecurity, Action: "rate_limit.blocked",
		Status: audit.StatusBlocked, CreatedAt: base,
	}))

	opts, err := s.store.FilterOptions(ctx)
	s.Require().NoError(err)
	s.ElementsMatch([]string{audit.CategoryRegistration, audit.CategorySecurity}, opts.Categories)

	stats, err := s.store.Stats(ctx)
	s.Require().NoError(err)
	s.Equal(5, stats.Total)
	s.Equal(1, stats.Failures)
	s.Equal(5, stats.Last24h)
	s.Equal(4, stats.DistinctActors)
}

func (s *PostgresAuditStoreSuite) TestClearActorNullsWeakReference() {
	ctx := context.Background()
	s.Require().NoError(s.store.Append(ctx, audit.Entry{
		ActorUserID: "user-9", ActorName: "Departed User",
		Category: audit.CategoryAdmin, Action: "admin.login",
		Status: audit.StatusSuccess, CreatedAt: time.Now().UTC(),
	}))

	s.Require().NoError(s.store.ClearActor(ctx, "user-9"))

	result, err := s.store.Query(ctx, audit.Filter{}, audit.Page{})
	s.Require().NoError(err)
	s.Require().Len(result.Rows, 1)
	s.Empty(result.Rows[0].ActorUserID)
	// The denormalized snapshot survives; only the reference is cleared.
	s.Equal("Departed User", result.Rows[0].ActorName)
}
