//go:build integration

package postgres_test

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"almoner/internal/verification"
	"almoner/internal/verification/store/postgres"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/testutil/containers"
)

//go:embed schema.sql
var schema string

// =============================================================================
// Verification Report Postgres Store Integration Tests
// =============================================================================
// Justification for integration tests: the single-shot ratification rule is a
// conditional update on a nullable column; two admins racing across processes
// can only be proven against a real PostgreSQL.

type PostgresStoreSuite struct {
	suite.Suite
	pg    *containers.PostgresContainer
	store *postgres.Store
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.pg = containers.NewPostgresContainer(s.T(), schema)
	s.store = postgres.New(s.pg.Pool)
}

func (s *PostgresStoreSuite) SetupTest() {
	err := s.pg.TruncateTables(context.Background(), "verification_reports")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) report(milestoneID id.MilestoneID) *verification.Report {
	return &verification.Report{
		ID:          id.ReportID(uuid.New()),
		MilestoneID: milestoneID,
		AgentID:     id.UserID(uuid.New()),
		Outcome:     verification.OutcomeApprove,
		Evidence:    []string{"evidence://site-visit/1", "evidence://receipts/2"},
		Narrative:   "all deliverables inspected on site",
		SubmittedAt: time.Now().UTC(),
	}
}

func (s *PostgresStoreSuite) TestReportRoundTrip() {
	ctx := context.Background()
	milestoneID := id.MilestoneID(uuid.New())
	r := s.report(milestoneID)
	s.Require().NoError(s.store.Create(ctx, r))

	stored, err := s.store.Report(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.Evidence, stored.Evidence)
	s.Equal(r.Narrative, stored.Narrative)
	s.False(stored.Ratified())

	listed, err := s.store.ListByMilestone(ctx, milestoneID)
	s.Require().NoError(err)
	s.Len(listed, 1)
}

func (s *PostgresStoreSuite) TestRatifyIsSingleShot() {
	ctx := context.Background()
	r := s.report(id.MilestoneID(uuid.New()))
	s.Require().NoError(s.store.Create(ctx, r))

	first := id.UserID(uuid.New())
	ratified, err := s.store.Ratify(ctx, r.ID, first, verification.OutcomeApprove, time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(first, ratified.RatifiedBy)
	s.Equal(verification.OutcomeApprove, ratified.Decision)

	_, err = s.store.Ratify(ctx, r.ID, id.UserID(uuid.New()), verification.OutcomeReject, time.Now().UTC())
	s.True(errors.Is(err, sentinel.ErrConflict))

	stored, err := s.store.Report(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(first, stored.RatifiedBy, "the losing ratifier must not overwrite the winner")
}

// Concurrent ratifiers must converge on exactly one countersignature.
func (s *PostgresStoreSuite) TestConcurrentRatificationSingleWinner() {
	ctx := context.Background()
	r := s.report(id.MilestoneID(uuid.New()))
	s.Require().NoError(s.store.Create(ctx, r))

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.store.Ratify(ctx, r.ID, id.UserID(uuid.New()), verification.OutcomeApprove, time.Now().UTC())
		}(i)
	}
	wg.Wait()

	var committed int
	for _, err := range results {
		if err == nil {
			committed++
		} else {
			s.True(errors.Is(err, sentinel.ErrConflict))
		}
	}
	s.Equal(1, committed)
}

func (s *PostgresStoreSuite) TestRatifyMissingReport() {
	_, err := s.store.Ratify(context.Background(), id.ReportID(uuid.New()),
		id.UserID(uuid.New()), verification.OutcomeApprove, time.Now().UTC())
	s.True(errors.Is(err, sentinel.ErrNotFound))
}
