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

	"almoner/internal/reconciliation"
	"almoner/internal/reconciliation/store/postgres"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/testutil/containers"
)

//go:embed schema.sql
var schema string

// =============================================================================
// Manual Case Postgres Store Integration Tests
// =============================================================================
// Justification for integration tests: the first-resolver-wins rule is a
// conditional update on the status column, which only holds across processes
// when the database enforces it.

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
	err := s.pg.TruncateTables(context.Background(), "manual_cases")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) openCase() *reconciliation.Case {
	return &reconciliation.Case{
		ID:          id.CaseID(uuid.New()),
		MilestoneID: id.MilestoneID(uuid.New()),
		OrderID:     id.OrderID(uuid.New()),
		Reason:      "payout retries exhausted: gateway declined",
		Status:      reconciliation.CaseOpen,
		OpenedAt:    time.Now().UTC(),
	}
}

func (s *PostgresStoreSuite) TestCaseRoundTrip() {
	ctx := context.Background()
	c := s.openCase()
	s.Require().NoError(s.store.Create(ctx, c))

	stored, err := s.store.Case(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(c.Reason, stored.Reason)
	s.Equal(reconciliation.CaseOpen, stored.Status)

	byOrder, err := s.store.OpenByOrder(ctx, c.OrderID)
	s.Require().NoError(err)
	s.Equal(c.ID, byOrder.ID)

	open, err := s.store.ListOpen(ctx)
	s.Require().NoError(err)
	s.Len(open, 1)
}

func (s *PostgresStoreSuite) TestResolveIsSingleShot() {
	ctx := context.Background()
	c := s.openCase()
	s.Require().NoError(s.store.Create(ctx, c))

	admin := id.UserID(uuid.New())
	resolved, err := s.store.Resolve(ctx, c.ID, admin, reconciliation.ResolutionCancel, "funds stay held", time.Now().UTC())
	s.Require().NoError(err)
	s.Equal(reconciliation.CaseResolved, resolved.Status)
	s.Equal(admin, resolved.ResolvedBy)
	s.Equal(reconciliation.ResolutionCancel, resolved.Resolution)

	_, err = s.store.Resolve(ctx, c.ID, id.UserID(uuid.New()), reconciliation.ResolutionRetry, "", time.Now().UTC())
	s.True(errors.Is(err, sentinel.ErrConflict))

	open, err := s.store.ListOpen(ctx)
	s.Require().NoError(err)
	s.Empty(open)

	_, err = s.store.OpenByOrder(ctx, c.OrderID)
	s.True(errors.Is(err, sentinel.ErrNotFound))
}

// Concurrent resolvers must converge on exactly one disposition.
func (s *PostgresStoreSuite) TestConcurrentResolversSingleWinner() {
	ctx := context.Background()
	c := s.openCase()
	s.Require().NoError(s.store.Create(ctx, c))

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.store.Resolve(ctx, c.ID, id.UserID(uuid.New()),
				reconciliation.ResolutionRetry, "", time.Now().UTC())
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
