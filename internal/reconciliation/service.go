package reconciliation

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"almoner/internal/audit"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	"almoner/internal/milestone"
	"almoner/internal/ports"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/requestcontext"
)

// Disburser re-triggers a milestone's payout. Satisfied by the disbursement
// engine; attached after construction because the engine in turn escalates
// cases into this service.
type Disburser interface {
	TriggerForMilestone(ctx context.Context, milestoneID id.MilestoneID) error
}

// Service is the human-in-the-loop side of the engine: refunds, clawbacks,
// and the resolution of escalated payout cases. Every mutation here is
// audited with the acting admin.
type Service struct {
	cases     Store
	ledger    *ledger.Service
	escrow    *escrow.Service
	graph     *milestone.Graph
	directory ports.IdentityDirectory
	notifier  ports.Notifier
	audit     *audit.Publisher
	disburser Disburser
	logger    *slog.Logger
}

func NewService(
	cases Store,
	ledgerService *ledger.Service,
	escrowService *escrow.Service,
	graph *milestone.Graph,
	directory ports.IdentityDirectory,
	notifier ports.Notifier,
	auditPublisher *audit.Publisher,
	logger *slog.Logger,
) *Service {
	return &Service{
		cases:     cases,
		ledger:    ledgerService,
		escrow:    escrowService,
		graph:     graph,
		directory: directory,
		notifier:  notifier,
		audit:     auditPublisher,
		logger:    logger,
	}
}

// AttachDisburser closes the construction cycle with the engine.
func (s *Service) AttachDisburser(d Disburser) {
	s.disburser = d
}

// OpenCase escalates an order to a human. Idempotent per order: a second
// escalation while a case is open is absorbed.
func (s *Service) OpenCase(ctx context.Context, milestoneID id.MilestoneID, orderID id.OrderID, reason string) error {
	if existing, err := s.cases.OpenByOrder(ctx, orderID); err == nil {
		s.logger.InfoContext(ctx, "escalation absorbed by existing case",
			"case_id", existing.ID.String(), "order_id", orderID.String())
		return nil
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}

	c := &Case{
		ID:          id.CaseID(uuid.New()),
		MilestoneID: milestoneID,
		OrderID:     orderID,
		Reason:      reason,
		Status:      CaseOpen,
		OpenedAt:    requestcontext.Now(ctx),
	}
	if err := s.cases.Create(ctx, c); err != nil {
		return err
	}

	if err := s.audit.Emit(ctx, audit.Event{
		ActorID: requestcontext.UserID(ctx),
		Action:  audit.ActionCaseOpened,
		Subject: "case:" + c.ID.String(),
		Note:    reason,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", audit.ActionCaseOpened, "error", err)
	}
	s.logger.WarnContext(ctx, "manual case opened",
		"case_id", c.ID.String(),
		"milestone_id", milestoneID.String(),
		"order_id", orderID.String(),
		"reason", reason,
	)
	return nil
}

// RequestRefund returns held funds to a donor. Only the donor who made the
// contribution, or an admin, may request it; the ledger enforces that refunds
// never touch released funds.
func (s *Service) RequestRefund(ctx context.Context, contributionID id.ContributionID, amount id.Amount) (*ledger.RefundReceipt, error) {
	actor := requestcontext.UserID(ctx)
	if actor.IsZero() {
		return nil, derrors.New(derrors.CodeForbidden, "authentication required")
	}

	contribution, err := s.ledger.Contribution(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	if actor != contribution.DonorID {
		isAdmin, err := s.directory.HasRole(ctx, actor, id.RoleAdmin)
		if err != nil {
			return nil, derrors.Wrap(derrors.CodeInternal, "role lookup failed", err)
		}
		if !isAdmin {
			return nil, derrors.New(derrors.CodeForbidden, "only the donor or an admin may request a refund")
		}
	}

	receipt, err := s.ledger.Refund(ctx, contributionID, amount)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Emit(ctx, audit.Event{
		ActorID: actor,
		Action:  audit.ActionRefundIssued,
		Subject: "contribution:" + contributionID.String(),
		Amount:  amount,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", audit.ActionRefundIssued, "error", err)
	}
	s.notifier.Notify(ctx, contribution.DonorID, "contribution.refunded", map[string]string{
		"contribution_id": contributionID.String(),
		"amount":          amount.String(),
	})
	return receipt, nil
}

// Clawback reverses already-released funds after a post-payout dispute. Admin
// only; the compensating ledger entries keep the account equation intact.
func (s *Service) Clawback(ctx context.Context, contributionID id.ContributionID, amount id.Amount, note string) (*ledger.RefundReceipt, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if note == "" {
		return nil, derrors.New(derrors.CodeBadRequest, "a clawback requires a justification note")
	}

	receipt, err := s.ledger.Clawback(ctx, contributionID, amount, actor, note)
	if err != nil {
		return nil, err
	}

	if err := s.audit.Emit(ctx, audit.Event{
		ActorID: actor,
		Action:  audit.ActionClawback,
		Subject: "contribution:" + contributionID.String(),
		Amount:  amount,
		Note:    note,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", audit.ActionClawback, "error", err)
	}
	return receipt, nil
}

// ResolveCase closes an escalated case with one of the three dispositions.
// Single-shot: of two racing admins exactly one resolution commits.
func (s *Service) ResolveCase(ctx context.Context, caseID id.CaseID, resolution Resolution, note string) (*Case, error) {
	actor, err := s.requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if !resolution.Valid() {
		return nil, derrors.New(derrors.CodeBadRequest, "resolution must be retry, cancel, or manual_payout")
	}

	c, err := s.cases.Case(ctx, caseID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "case not found")
		}
		return nil, err
	}
	if c.Status != CaseOpen {
		return nil, derrors.New(derrors.CodeConflict, "case is already resolved")
	}

	resolved, err := s.cases.Resolve(ctx, caseID, actor, resolution, note, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, derrors.New(derrors.CodeConflict, "case was resolved concurrently")
		}
		return nil, err
	}

	switch resolution {
	case ResolutionRetry:
		if s.disburser == nil {
			return nil, derrors.New(derrors.CodeInternal, "disbursement engine not attached")
		}
		if err := s.disburser.TriggerForMilestone(ctx, c.MilestoneID); err != nil {
			s.logger.ErrorContext(ctx, "retry trigger failed",
				"case_id", caseID.String(), "milestone_id", c.MilestoneID.String(), "error", err)
		}
	case ResolutionManualPayout:
		if err := s.recordManualPayout(ctx, c); err != nil {
			return nil, err
		}
	case ResolutionCancel:
		// Funds stay held; donors keep their refund window.
	}

	if err := s.audit.Emit(ctx, audit.Event{
		ActorID: actor,
		Action:  audit.ActionCaseResolved,
		Subject: "case:" + caseID.String(),
		Note:    string(resolution) + ": " + note,
	}); err != nil {
		s.logger.ErrorContext(ctx, "audit emit failed", "action", audit.ActionCaseResolved, "error", err)
	}
	s.logger.InfoContext(ctx, "case resolved",
		"case_id", caseID.String(),
		"resolution", string(resolution),
		"resolved_by", actor.String(),
	)
	return resolved, nil
}

// recordManualPayout mirrors an out-of-band transfer into the ledger so the
// books match reality, then completes the milestone if its target is met.
func (s *Service) recordManualPayout(ctx context.Context, c *Case) error {
	available, err := s.escrow.AvailableForMilestone(ctx, c.MilestoneID)
	if err != nil {
		return err
	}
	if available > 0 {
		m, err := s.graph.Milestone(ctx, c.MilestoneID)
		if err != nil {
			return err
		}
		account, err := s.ledger.Account(ctx, m.RecipientID)
		if err != nil {
			return err
		}
		if _, err := s.ledger.Release(ctx, account.ID, c.MilestoneID, c.OrderID, available); err != nil {
			return err
		}
	}

	remaining, err := s.escrow.RemainingForMilestone(ctx, c.MilestoneID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := s.graph.Advance(ctx, c.MilestoneID, milestone.StatusPaid); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Cases(ctx context.Context) ([]*Case, error) {
	return s.cases.ListOpen(ctx)
}

func (s *Service) Case(ctx context.Context, caseID id.CaseID) (*Case, error) {
	c, err := s.cases.Case(ctx, caseID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "case not found")
		}
		return nil, err
	}
	return c, nil
}

func (s *Service) requireAdmin(ctx context.Context) (id.UserID, error) {
	actor := requestcontext.UserID(ctx)
	if actor.IsZero() {
		return id.UserID{}, derrors.New(derrors.CodeForbidden, "authentication required")
	}
	isAdmin, err := s.directory.HasRole(ctx, actor, id.RoleAdmin)
	if err != nil {
		return id.UserID{}, derrors.Wrap(derrors.CodeInternal, "role lookup failed", err)
	}
	if !isAdmin {
		return id.UserID{}, derrors.New(derrors.CodeForbidden, "admin role required")
	}
	return actor, nil
}
