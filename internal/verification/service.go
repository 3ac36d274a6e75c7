package verification

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"almoner/internal/milestone"
	"almoner/internal/ports"
	verificationmetrics "almoner/internal/verification/metrics"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/requestcontext"
)

// DisbursementTrigger starts a disbursement for an approved milestone. It is
// idempotent; triggering twice creates at most one open order.
type DisbursementTrigger interface {
	TriggerForMilestone(ctx context.Context, milestoneID id.MilestoneID) error
}

// Service runs the verification workflow: agents submit reports, a distinct
// admin or NGO officer ratifies them, and a ratified approval starts the
// disbursement.
type Service struct {
	store     Store
	graph     *milestone.Graph
	evidence  ports.EvidenceStore
	directory ports.IdentityDirectory
	notifier  ports.Notifier
	disburser DisbursementTrigger
	logger    *slog.Logger
	metrics   *verificationmetrics.Metrics
}

func NewService(
	store Store,
	graph *milestone.Graph,
	evidence ports.EvidenceStore,
	directory ports.IdentityDirectory,
	notifier ports.Notifier,
	disburser DisbursementTrigger,
	logger *slog.Logger,
	metrics *verificationmetrics.Metrics,
) *Service {
	return &Service{
		store:     store,
		graph:     graph,
		evidence:  evidence,
		directory: directory,
		notifier:  notifier,
		disburser: disburser,
		logger:    logger,
		metrics:   metrics,
	}
}

// SubmitReport records a monitoring agent's findings for a milestone and moves
// it into review. The milestone must still be awaiting verification: reports
// against approved or paid milestones are refused outright.
func (s *Service) SubmitReport(ctx context.Context, milestoneID id.MilestoneID, outcome Outcome, files [][]byte, narrative string) (*Report, error) {
	agentID := requestcontext.UserID(ctx)
	if agentID.IsZero() {
		return nil, derrors.New(derrors.CodeForbidden, "authentication required")
	}
	isAgent, err := s.directory.HasRole(ctx, agentID, id.RoleAgent)
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeInternal, "role lookup failed", err)
	}
	if !isAgent {
		return nil, derrors.New(derrors.CodeForbidden, "only monitoring agents may submit reports")
	}
	if !outcome.Valid() {
		return nil, derrors.New(derrors.CodeBadRequest, "outcome must be approve or reject")
	}

	m, err := s.graph.Milestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if !m.Active() || !m.AwaitingVerification() {
		return nil, derrors.New(derrors.CodeMilestoneNotAwaitingVerification,
			"milestone is not awaiting verification")
	}
	if len(files) < m.RequiredEvidenceCount {
		return nil, derrors.New(derrors.CodeInsufficientEvidence, "report does not carry enough evidence")
	}

	handles := make([]string, 0, len(files))
	for _, file := range files {
		handle, err := s.evidence.Store(ctx, file)
		if err != nil {
			return nil, derrors.Wrap(derrors.CodeInternal, "evidence storage failed", err)
		}
		handles = append(handles, handle)
	}

	report := &Report{
		ID:          id.ReportID(uuid.New()),
		MilestoneID: milestoneID,
		AgentID:     agentID,
		Outcome:     outcome,
		Evidence:    handles,
		Narrative:   narrative,
		SubmittedAt: requestcontext.Now(ctx),
	}
	if err := s.store.Create(ctx, report); err != nil {
		return nil, err
	}

	// First report moves pending into review; a report after rejection
	// re-opens review. A milestone already in review just gains a report.
	if m.Status == milestone.StatusPending || m.Status == milestone.StatusRejected {
		if _, err := s.graph.Advance(ctx, milestoneID, milestone.StatusInReview); err != nil {
			return nil, err
		}
	}

	s.metrics.ReportsSubmitted.Inc()
	s.logger.InfoContext(ctx, "verification report submitted",
		"report_id", report.ID.String(),
		"milestone_id", milestoneID.String(),
		"agent_id", agentID.String(),
		"outcome", string(outcome),
		"evidence_count", len(handles),
	)
	return report, nil
}

// Ratify countersigns a report and applies the decision to the milestone. The
// ratifier must be an admin or NGO officer and must not be the submitting
// agent. Of concurrent ratification attempts exactly one commits; the rest
// fail with CodeAlreadyRatified.
func (s *Service) Ratify(ctx context.Context, reportID id.ReportID, decision Outcome) (*Report, error) {
	ratifier := requestcontext.UserID(ctx)
	if ratifier.IsZero() {
		return nil, derrors.New(derrors.CodeForbidden, "authentication required")
	}
	allowed, err := s.canRatify(ctx, ratifier)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, derrors.New(derrors.CodeForbidden, "only admins and NGO officers may ratify reports")
	}
	if !decision.Valid() {
		return nil, derrors.New(derrors.CodeBadRequest, "decision must be approve or reject")
	}

	report, err := s.store.Report(ctx, reportID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "report not found")
		}
		return nil, err
	}
	if ratifier == report.AgentID {
		return nil, derrors.New(derrors.CodeForbidden, "the submitting agent cannot ratify their own report")
	}
	if report.Ratified() {
		return nil, derrors.New(derrors.CodeAlreadyRatified, "report is already ratified")
	}

	m, err := s.graph.Milestone(ctx, report.MilestoneID)
	if err != nil {
		return nil, err
	}
	if !m.Active() || m.Status != milestone.StatusInReview {
		return nil, derrors.New(derrors.CodeIllegalTransition, "milestone is no longer in review")
	}

	ratified, err := s.store.Ratify(ctx, reportID, ratifier, decision, requestcontext.Now(ctx))
	if err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, derrors.New(derrors.CodeAlreadyRatified, "report was ratified concurrently")
		}
		return nil, err
	}

	target := milestone.StatusRejected
	if decision == OutcomeApprove {
		target = milestone.StatusApproved
	}
	if _, err := s.graph.Advance(ctx, report.MilestoneID, target); err != nil {
		return nil, err
	}

	s.metrics.Ratifications.WithLabelValues(string(decision)).Inc()
	s.logger.InfoContext(ctx, "verification report ratified",
		"report_id", reportID.String(),
		"milestone_id", report.MilestoneID.String(),
		"ratified_by", ratifier.String(),
		"decision", string(decision),
	)

	if decision == OutcomeApprove {
		// The approval is committed; a failed trigger is recovered by a
		// manual re-trigger, never by rolling the ratification back.
		if err := s.disburser.TriggerForMilestone(ctx, report.MilestoneID); err != nil {
			if derrors.CodeOf(err) == derrors.CodeIllegalTransition {
				// Approved ahead of the payout cursor. The engine picks the
				// milestone up when the earlier one settles.
				s.logger.InfoContext(ctx, "disbursement waits behind an earlier milestone",
					"milestone_id", report.MilestoneID.String(),
				)
			} else {
				s.logger.ErrorContext(ctx, "disbursement trigger failed after approval",
					"milestone_id", report.MilestoneID.String(),
					"error", err,
				)
			}
		}
	}

	s.notifier.Notify(ctx, report.AgentID, "report.ratified", map[string]string{
		"report_id":    reportID.String(),
		"milestone_id": report.MilestoneID.String(),
		"decision":     string(decision),
	})
	return ratified, nil
}

func (s *Service) Report(ctx context.Context, reportID id.ReportID) (*Report, error) {
	r, err := s.store.Report(ctx, reportID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "report not found")
		}
		return nil, err
	}
	return r, nil
}

func (s *Service) ListByMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*Report, error) {
	return s.store.ListByMilestone(ctx, milestoneID)
}

func (s *Service) canRatify(ctx context.Context, userID id.UserID) (bool, error) {
	for _, role := range []id.Role{id.RoleAdmin, id.RoleNGO} {
		ok, err := s.directory.HasRole(ctx, userID, role)
		if err != nil {
			return false, derrors.Wrap(derrors.CodeInternal, "role lookup failed", err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
