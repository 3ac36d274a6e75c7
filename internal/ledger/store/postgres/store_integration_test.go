//go:build integration

package postgres_test

import (
	"context"
	_ "embed"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"almoner/internal/ledger"
	"almoner/internal/ledger/store/postgres"
	id "almoner/pkg/domain"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/testutil/containers"
)

//go:embed schema.sql
var schema string

// =============================================================================
// Ledger Postgres Store Integration Tests
// =============================================================================
// Justification for integration tests: the store's correctness rests on row
// locks and the unique gateway_ref index, neither of which the in-memory
// double can prove. These run against a real PostgreSQL.

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
	err := s.pg.TruncateTables(context.Background(),
		"ledger_entries", "contributions", "escrow_accounts")
	s.Require().NoError(err)
}

func (s *PostgresStoreSuite) contribution(recipientID id.RecipientID, amount int64, ref string) *ledger.Contribution {
	return &ledger.Contribution{
		ID:          id.ContributionID(uuid.New()),
		DonorID:     id.UserID(uuid.New()),
		RecipientID: recipientID,
		Amount:      id.Amount(amount),
		Currency:    "EUR",
		GatewayRef:  ref,
		Status:      ledger.ContributionCaptured,
	}
}

func (s *PostgresStoreSuite) TestRecordContributionRoundTrip() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())

	account, err := s.store.RecordContribution(ctx, s.contribution(recipientID, 25_000, "cap_1"), id.RecipientStudent)
	s.Require().NoError(err)
	s.Equal(id.Amount(25_000), account.HeldTotal)

	// Second contribution lands on the same account.
	account, err = s.store.RecordContribution(ctx, s.contribution(recipientID, 5_000, "cap_2"), id.RecipientStudent)
	s.Require().NoError(err)
	s.Equal(id.Amount(30_000), account.HeldTotal)

	stored, err := s.store.AccountByRecipient(ctx, recipientID)
	s.Require().NoError(err)
	s.Equal(account.ID, stored.ID)
	s.Equal(id.Amount(30_000), stored.HeldTotal)

	entries, err := s.store.Entries(ctx, account.ID)
	s.Require().NoError(err)
	s.Len(entries, 2)
}

func (s *PostgresStoreSuite) TestDuplicateGatewayRef() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())

	_, err := s.store.RecordContribution(ctx, s.contribution(recipientID, 1_000, "cap_dup"), id.RecipientStudent)
	s.Require().NoError(err)

	_, err = s.store.RecordContribution(ctx, s.contribution(recipientID, 1_000, "cap_dup"), id.RecipientStudent)
	s.True(errors.Is(err, sentinel.ErrDuplicate))
}

// Two first contributions racing must converge on one account row.
func (s *PostgresStoreSuite) TestConcurrentFirstContributions() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		ref := "cap_race_" + uuid.NewString()
		go func() {
			defer wg.Done()
			_, err := s.store.RecordContribution(ctx, s.contribution(recipientID, 1_000, ref), id.RecipientStudent)
			s.NoError(err)
		}()
	}
	wg.Wait()

	account, err := s.store.AccountByRecipient(ctx, recipientID)
	s.Require().NoError(err)
	s.Equal(id.Amount(8_000), account.HeldTotal)
}

func (s *PostgresStoreSuite) TestReleaseAndClawback() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())
	c := s.contribution(recipientID, 50_000, "cap_1")
	account, err := s.store.RecordContribution(ctx, c, id.RecipientProject)
	s.Require().NoError(err)

	milestoneID := id.MilestoneID(uuid.New())
	receipt, err := s.store.Release(ctx, account.ID, milestoneID, id.OrderID(uuid.New()), id.Amount(30_000))
	s.Require().NoError(err)
	s.Equal(id.Amount(30_000), receipt.ReleasedTotal)

	released, err := s.store.ReleasedForMilestone(ctx, milestoneID)
	s.Require().NoError(err)
	s.Equal(id.Amount(30_000), released)

	_, err = s.store.Release(ctx, account.ID, milestoneID, id.OrderID(uuid.New()), id.Amount(30_000))
	s.True(errors.Is(err, sentinel.ErrInvalidState), "over-release must be refused")

	actor := id.UserID(uuid.New())
	reversal, err := s.store.Clawback(ctx, c.ID, id.Amount(10_000), actor, "dispute upheld")
	s.Require().NoError(err)
	s.Equal(id.Amount(40_000), reversal.Remaining)

	stored, err := s.store.AccountByID(ctx, account.ID)
	s.Require().NoError(err)
	s.Equal(id.Amount(20_000), stored.HeldTotal)
	s.Equal(id.Amount(20_000), stored.ReleasedTotal)
	s.Equal(id.Amount(10_000), stored.RefundedTotal)
}

// Concurrent releases against one account must serialize on the row lock;
// the held balance can never go negative.
func (s *PostgresStoreSuite) TestConcurrentReleasesNeverOverdraw() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())
	account, err := s.store.RecordContribution(ctx, s.contribution(recipientID, 10_000, "cap_1"), id.RecipientStudent)
	s.Require().NoError(err)

	const goroutines = 10
	var wg sync.WaitGroup
	results := make([]error, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = s.store.Release(ctx, account.ID, id.MilestoneID(uuid.New()), id.OrderID(uuid.New()), id.Amount(3_000))
		}(i)
	}
	wg.Wait()

	var succeeded int
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			s.True(errors.Is(err, sentinel.ErrInvalidState))
		}
	}
	s.Equal(3, succeeded, "10_000 held allows exactly three 3_000 releases")

	stored, err := s.store.AccountByID(ctx, account.ID)
	s.Require().NoError(err)
	s.Equal(id.Amount(1_000), stored.HeldTotal)
	s.Equal(id.Amount(9_000), stored.ReleasedTotal)
}

func (s *PostgresStoreSuite) TestRefundMarksContributionRefunded() {
	ctx := context.Background()
	recipientID := id.RecipientID(uuid.New())
	c := s.contribution(recipientID, 5_000, "cap_1")
	_, err := s.store.RecordContribution(ctx, c, id.RecipientStudent)
	s.Require().NoError(err)

	_, err = s.store.Refund(ctx, c.ID, id.Amount(5_000))
	s.Require().NoError(err)

	stored, err := s.store.Contribution(ctx, c.ID)
	s.Require().NoError(err)
	s.Equal(ledger.ContributionRefunded, stored.Status)
	s.Equal(id.Amount(0), stored.RemainingRefundable())

	_, err = s.store.Refund(ctx, c.ID, id.Amount(1))
	s.True(errors.Is(err, sentinel.ErrInvalidState))
}
