package reconciliation

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"almoner/internal/adapters/identity"
	"almoner/internal/adapters/notify"
	"almoner/internal/adapters/payments"
	"almoner/internal/audit"
	"almoner/internal/disbursement"
	disbursementmetrics "almoner/internal/disbursement/metrics"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	ledgermetrics "almoner/internal/ledger/metrics"
	"almoner/internal/milestone"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/requestcontext"
)

// =============================================================================
// Reconciliation Service Test Suite
// =============================================================================
// Justification for unit tests: refunds, clawbacks, and case resolution are
// the operations that move money outside the verified happy path. Their
// authorization rules and ledger effects must hold under every ordering,
// including after partial releases and exhausted retries.

type ReconciliationSuite struct {
	suite.Suite
	ledgerSvc  *ledger.Service
	escrowSvc  *escrow.Service
	graph      *milestone.Graph
	gateway    *payments.FakePayoutGateway
	engine     *disbursement.Engine
	directory  *identity.InMemoryDirectory
	notifier   *notify.InMemoryNotifier
	auditStore *audit.InMemoryStore
	service    *Service

	recipientID id.RecipientID
	milestones  []*milestone.Milestone

	donorID id.UserID
	adminID id.UserID
}

func TestReconciliationSuite(t *testing.T) {
	suite.Run(t, new(ReconciliationSuite))
}

func (s *ReconciliationSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	milestoneStore := milestone.NewInMemoryStore()
	s.graph = milestone.NewGraph(milestoneStore, logger)

	ledgerStore := ledger.NewInMemoryStore()
	s.ledgerSvc = ledger.NewService(ledgerStore, s.graph, logger, ledgermetrics.New(prometheus.NewRegistry()))
	s.escrowSvc = escrow.NewService(ledgerStore, milestoneStore, logger)

	s.directory = identity.NewInMemoryDirectory()
	s.notifier = notify.NewInMemory()
	s.auditStore = audit.NewInMemoryStore()
	s.gateway = payments.NewFakePayout()

	s.service = NewService(
		NewInMemoryStore(),
		s.ledgerSvc,
		s.escrowSvc,
		s.graph,
		s.directory,
		s.notifier,
		audit.NewPublisher(s.auditStore),
		logger,
	)
	s.engine = disbursement.NewEngine(
		disbursement.NewInMemoryStore(),
		s.ledgerSvc,
		s.escrowSvc,
		s.graph,
		s.gateway,
		s.notifier,
		disbursement.NewMemoryClaims(),
		s.service,
		disbursement.Config{MaxAttempts: 1, BackoffBase: time.Millisecond},
		logger,
		disbursementmetrics.New(prometheus.NewRegistry()),
	)
	s.service.AttachDisburser(s.engine)

	s.donorID = id.UserID(uuid.New())
	s.adminID = id.UserID(uuid.New())
	s.directory.Assign(s.donorID, id.RoleDonor)
	s.directory.Assign(s.adminID, id.RoleAdmin)

	s.recipientID = id.RecipientID(uuid.New())
	var err error
	_, s.milestones, err = s.graph.CreateSchedule(context.Background(), s.recipientID, id.RecipientStudent, "EUR", 100_000, []milestone.Spec{
		{Sequence: 1, TargetBps: 3000, RequiredEvidenceCount: 1},
		{Sequence: 2, TargetBps: 7000, RequiredEvidenceCount: 1},
	})
	s.Require().NoError(err)
}

func (s *ReconciliationSuite) asUser(userID id.UserID) context.Context {
	return requestcontext.WithUserID(context.Background(), userID)
}

func (s *ReconciliationSuite) contribute(amount id.Amount, ref string) id.ContributionID {
	contribution, _, err := s.ledgerSvc.RecordContribution(context.Background(),
		s.donorID, s.recipientID, amount, "EUR", ref)
	s.Require().NoError(err)
	return contribution.ID
}

func (s *ReconciliationSuite) approveAndPay(m *milestone.Milestone) {
	ctx := context.Background()
	_, err := s.graph.Advance(ctx, m.ID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(ctx, m.ID, milestone.StatusApproved)
	s.Require().NoError(err)
	s.Require().NoError(s.engine.TriggerForMilestone(ctx, m.ID))
}

// =============================================================================
// Refund Tests
// =============================================================================

func (s *ReconciliationSuite) TestRequestRefund() {
	contributionID := s.contribute(50_000, "cap_a")

	s.Run("a stranger cannot refund someone else's contribution", func() {
		stranger := id.UserID(uuid.New())
		_, err := s.service.RequestRefund(s.asUser(stranger), contributionID, 10_000)
		s.Equal(derrors.CodeForbidden, derrors.CodeOf(err))
	})

	s.Run("the donor refunds their own held funds", func() {
		receipt, err := s.service.RequestRefund(s.asUser(s.donorID), contributionID, 10_000)
		s.Require().NoError(err)
		s.Equal(id.Amount(10_000), receipt.Amount)

		account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
		s.Require().NoError(err)
		s.Equal(id.Amount(40_000), account.HeldTotal)
		s.Equal(id.Amount(10_000), account.RefundedTotal)
		s.NoError(s.ledgerSvc.CheckInvariant(context.Background(), s.recipientID))

		events := s.notifier.Events()
		s.Require().NotEmpty(events)
		s.Equal("contribution.refunded", events[len(events)-1].EventType)

		trail, err := s.auditStore.ListBySubject(context.Background(), "contribution:"+contributionID.String())
		s.Require().NoError(err)
		s.Require().Len(trail, 1)
		s.Equal(audit.ActionRefundIssued, trail[0].Action)
	})

	s.Run("an admin may refund on the donor's behalf", func() {
		_, err := s.service.RequestRefund(s.asUser(s.adminID), contributionID, 5_000)
		s.NoError(err)
	})

	s.Run("over-refund is refused", func() {
		_, err := s.service.RequestRefund(s.asUser(s.donorID), contributionID, 99_000)
		s.Equal(derrors.CodeRefundExceedsContribution, derrors.CodeOf(err))
	})
}

// Released funds are out of refund reach; only a clawback can recover them.
func (s *ReconciliationSuite) TestRefundCannotTouchReleasedFunds() {
	contributionID := s.contribute(30_000, "cap_a")
	s.approveAndPay(s.milestones[0])

	account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
	s.Require().NoError(err)
	s.Equal(id.Amount(0), account.HeldTotal)
	s.Equal(id.Amount(30_000), account.ReleasedTotal)

	_, err = s.service.RequestRefund(s.asUser(s.donorID), contributionID, 30_000)
	s.Equal(derrors.CodeRefundExceedsContribution, derrors.CodeOf(err))
}

// =============================================================================
// Clawback Tests
// =============================================================================

func (s *ReconciliationSuite) TestClawback() {
	contributionID := s.contribute(30_000, "cap_a")
	s.approveAndPay(s.milestones[0])

	s.Run("non-admin cannot claw back", func() {
		_, err := s.service.Clawback(s.asUser(s.donorID), contributionID, 30_000, "dispute upheld")
		s.Equal(derrors.CodeForbidden, derrors.CodeOf(err))
	})

	s.Run("a note is mandatory", func() {
		_, err := s.service.Clawback(s.asUser(s.adminID), contributionID, 30_000, "")
		s.Equal(derrors.CodeBadRequest, derrors.CodeOf(err))
	})

	s.Run("admin clawback reverses released funds", func() {
		receipt, err := s.service.Clawback(s.asUser(s.adminID), contributionID, 30_000, "dispute upheld")
		s.Require().NoError(err)
		s.Equal(id.Amount(30_000), receipt.Amount)

		account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
		s.Require().NoError(err)
		s.Equal(id.Amount(0), account.ReleasedTotal)
		s.Equal(id.Amount(30_000), account.RefundedTotal)
		s.NoError(s.ledgerSvc.CheckInvariant(context.Background(), s.recipientID))

		trail, err := s.auditStore.ListByActor(context.Background(), s.adminID)
		s.Require().NoError(err)
		s.Require().Len(trail, 1)
		s.Equal(audit.ActionClawback, trail[0].Action)
		s.Equal("dispute upheld", trail[0].Note)
	})
}

// =============================================================================
// Case Tests
// =============================================================================

func (s *ReconciliationSuite) escalate() *Case {
	ctx := context.Background()
	s.contribute(100_000, "cap_a")
	s.gateway.QueueFailure()
	_, err := s.graph.Advance(ctx, s.milestones[0].ID, milestone.StatusInReview)
	s.Require().NoError(err)
	_, err = s.graph.Advance(ctx, s.milestones[0].ID, milestone.StatusApproved)
	s.Require().NoError(err)
	s.Require().NoError(s.engine.TriggerForMilestone(ctx, s.milestones[0].ID))

	open, err := s.service.Cases(ctx)
	s.Require().NoError(err)
	s.Require().Len(open, 1)
	return open[0]
}

func (s *ReconciliationSuite) TestOpenCaseIsIdempotentPerOrder() {
	c := s.escalate()

	err := s.service.OpenCase(context.Background(), c.MilestoneID, c.OrderID, "again")
	s.Require().NoError(err)

	open, err := s.service.Cases(context.Background())
	s.Require().NoError(err)
	s.Len(open, 1)
}

func (s *ReconciliationSuite) TestResolveCaseRequiresAdmin() {
	c := s.escalate()
	_, err := s.service.ResolveCase(s.asUser(s.donorID), c.ID, ResolutionCancel, "")
	s.Equal(derrors.CodeForbidden, derrors.CodeOf(err))
}

func (s *ReconciliationSuite) TestResolveCaseCancel() {
	c := s.escalate()
	resolved, err := s.service.ResolveCase(s.asUser(s.adminID), c.ID, ResolutionCancel, "defunded")
	s.Require().NoError(err)
	s.Equal(CaseResolved, resolved.Status)
	s.Equal(s.adminID, resolved.ResolvedBy)

	account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
	s.Require().NoError(err)
	s.Equal(id.Amount(100_000), account.HeldTotal)

	_, err = s.service.ResolveCase(s.asUser(s.adminID), c.ID, ResolutionCancel, "")
	s.Equal(derrors.CodeConflict, derrors.CodeOf(err))
}

func (s *ReconciliationSuite) TestResolveCaseRetrySettles() {
	c := s.escalate()

	resolved, err := s.service.ResolveCase(s.asUser(s.adminID), c.ID, ResolutionRetry, "gateway recovered")
	s.Require().NoError(err)
	s.Equal(ResolutionRetry, resolved.Resolution)

	account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
	s.Require().NoError(err)
	s.Equal(id.Amount(30_000), account.ReleasedTotal)

	m, err := s.graph.Milestone(context.Background(), s.milestones[0].ID)
	s.Require().NoError(err)
	s.Equal(milestone.StatusPaid, m.Status)
}

func (s *ReconciliationSuite) TestResolveCaseManualPayout() {
	c := s.escalate()

	_, err := s.service.ResolveCase(s.asUser(s.adminID), c.ID, ResolutionManualPayout, "paid by bank transfer")
	s.Require().NoError(err)

	account, err := s.ledgerSvc.Account(context.Background(), s.recipientID)
	s.Require().NoError(err)
	s.Equal(id.Amount(30_000), account.ReleasedTotal)
	s.Equal(id.Amount(70_000), account.HeldTotal)
	s.NoError(s.ledgerSvc.CheckInvariant(context.Background(), s.recipientID))

	m, err := s.graph.Milestone(context.Background(), s.milestones[0].ID)
	s.Require().NoError(err)
	s.Equal(milestone.StatusPaid, m.Status)

	// The gateway was never called for the manual settlement.
	s.Equal(1, s.gateway.Calls)
}
