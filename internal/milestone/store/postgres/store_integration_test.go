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

	"almoner/internal/milestone"
	"almoner/internal/milestone/store/postgres"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/testutil/containers"
)

//go:embed schema.sql
var schema string

// =============================================================================
// Milestone Postgres Store Integration Tests
// =============================================================================
// Justification for integration tests: the one-live-row-per-slot rule and the
// version fence live in the database (partial unique index, conditional
// update). The in-memory double cannot prove either under real concurrency.

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
	err := s.pg.TruncateTables(context.Background(), "milestones", "recipients")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) recipient() *milestone.Recipient {
	return &milestone.Recipient{
		ID:        id.RecipientID(uuid.New()),
		Type:      id.RecipientProject,
		Currency:  "EUR",
		Budget:    100_000,
		CreatedAt: time.Now().UTC(),
	}
}

func (s *PostgresStoreSuite) milestone(recipientID id.RecipientID, sequence int) *milestone.Milestone {
	now := time.Now().UTC()
	return &milestone.Milestone{
		ID:                    id.MilestoneID(uuid.New()),
		RecipientID:           recipientID,
		Sequence:              sequence,
		TargetBps:             3000,
		TargetAmount:          30_000,
		Status:                milestone.StatusPending,
		RequiredEvidenceCount: 1,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

func (s *PostgresStoreSuite) TestScheduleRoundTrip() {
	ctx := context.Background()
	r := s.recipient()
	s.Require().NoError(s.store.CreateRecipient(ctx, r))

	stored, err := s.store.Recipient(ctx, r.ID)
	s.Require().NoError(err)
	s.Equal(r.Budget, stored.Budget)
	s.Equal(r.Type, stored.Type)

	first := s.milestone(r.ID, 1)
	second := s.milestone(r.ID, 2)
	s.Require().NoError(s.store.CreateMilestone(ctx, first))
	s.Require().NoError(s.store.CreateMilestone(ctx, second))

	listed, err := s.store.ListByRecipient(ctx, r.ID)
	s.Require().NoError(err)
	s.Require().Len(listed, 2)
	s.Equal(first.ID, listed[0].ID)
	s.Equal(second.ID, listed[1].ID)
}

func (s *PostgresStoreSuite) TestDuplicateSequenceRefusedUntilSuperseded() {
	ctx := context.Background()
	r := s.recipient()
	s.Require().NoError(s.store.CreateRecipient(ctx, r))

	original := s.milestone(r.ID, 1)
	s.Require().NoError(s.store.CreateMilestone(ctx, original))

	rival := s.milestone(r.ID, 1)
	err := s.store.CreateMilestone(ctx, rival)
	s.True(errors.Is(err, sentinel.ErrDuplicate), "two live rows must not share a slot")

	// Superseding the original frees its slot for the replacement.
	replacement := s.milestone(r.ID, 1)
	replacement.ReplacesID = original.ID
	original.ReplacedByID = replacement.ID
	s.Require().NoError(s.store.Update(ctx, original))
	s.Require().NoError(s.store.CreateMilestone(ctx, replacement))

	listed, err := s.store.ListByRecipient(ctx, r.ID)
	s.Require().NoError(err)
	s.Len(listed, 2, "the superseded row stays as history")
}

func (s *PostgresStoreSuite) TestUpdateVersionFence() {
	ctx := context.Background()
	r := s.recipient()
	s.Require().NoError(s.store.CreateRecipient(ctx, r))
	m := s.milestone(r.ID, 1)
	s.Require().NoError(s.store.CreateMilestone(ctx, m))

	m.Status = milestone.StatusInReview
	s.Require().NoError(s.store.Update(ctx, m))
	s.Equal(int64(2), m.Version, "a committed update syncs the caller's version")

	stale := *m
	stale.Version = 1
	stale.Status = milestone.StatusApproved
	err := s.store.Update(ctx, &stale)
	s.True(errors.Is(err, sentinel.ErrConflict))

	stored, err := s.store.Milestone(ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(milestone.StatusInReview, stored.Status)
}

// Concurrent transitions against one milestone must commit exactly once.
func (s *PostgresStoreSuite) TestConcurrentUpdatesSingleWinner() {
	ctx := context.Background()
	r := s.recipient()
	s.Require().NoError(s.store.CreateRecipient(ctx, r))
	m := s.milestone(r.ID, 1)
	s.Require().NoError(s.store.CreateMilestone(ctx, m))

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			attempt := *m
			attempt.Status = milestone.StatusInReview
			results[i] = s.store.Update(ctx, &attempt)
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

	stored, err := s.store.Milestone(ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(int64(2), stored.Version)
}
