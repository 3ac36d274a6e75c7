package ledger

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	ledgermetrics "almoner/internal/ledger/metrics"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/requestcontext"
)

// RecipientDirectory resolves the profile the ledger needs when opening an
// escrow account on first contribution. Implemented by the milestone store,
// which owns recipient onboarding.
type RecipientDirectory interface {
	RecipientProfile(ctx context.Context, recipientID id.RecipientID) (id.RecipientType, string, error)
}

// Service wraps the store with validation, metrics, tracing and the
// translation of infrastructure sentinels into coded domain errors.
type Service struct {
	store      Store
	recipients RecipientDirectory
	logger     *slog.Logger
	metrics    *ledgermetrics.Metrics
	tracer     trace.Tracer
}

func NewService(store Store, recipients RecipientDirectory, logger *slog.Logger, metrics *ledgermetrics.Metrics) *Service {
	return &Service{
		store:      store,
		recipients: recipients,
		logger:     logger,
		metrics:    metrics,
		tracer:     otel.Tracer("almoner/ledger"),
	}
}

// RecordContribution ingests a capture-confirmed contribution. Idempotent per
// gateway reference: a duplicate surfaces CodeDuplicateContribution for the
// caller to treat as already-done.
func (s *Service) RecordContribution(ctx context.Context, donorID id.UserID, recipientID id.RecipientID, amount id.Amount, currency, gatewayRef string) (*Contribution, *EscrowAccount, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.RecordContribution")
	defer span.End()

	if !amount.IsPositive() {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "contribution amount must be positive")
	}
	if gatewayRef == "" {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "gateway reference is required")
	}

	recipientType, recipientCurrency, err := s.recipients.RecipientProfile(ctx, recipientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil, derrors.New(derrors.CodeNotFound, "recipient not found")
		}
		return nil, nil, err
	}
	if currency != recipientCurrency {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "contribution currency does not match recipient budget")
	}

	contribution := &Contribution{
		ID:          id.ContributionID(uuid.New()),
		DonorID:     donorID,
		RecipientID: recipientID,
		Amount:      amount,
		Currency:    currency,
		GatewayRef:  gatewayRef,
		Status:      ContributionCaptured,
		CreatedAt:   requestcontext.Now(ctx),
	}

	account, err := s.store.RecordContribution(ctx, contribution, recipientType)
	if err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			return nil, nil, derrors.Wrap(derrors.CodeDuplicateContribution, "gateway reference already recorded", err)
		}
		return nil, nil, err
	}

	s.metrics.ContributionsRecorded.Inc()
	s.metrics.ContributedMinorUnits.Add(float64(amount))
	s.logger.InfoContext(ctx, "contribution recorded",
		"contribution_id", contribution.ID.String(),
		"recipient_id", recipientID.String(),
		"amount", int64(amount),
		"held_total", int64(account.HeldTotal),
	)
	return contribution, account, nil
}

// Release moves held funds to the recipient. InsufficientHeldFunds here means
// the disbursement engine computed a bad amount; it is logged as an invariant
// violation and aborted.
func (s *Service) Release(ctx context.Context, accountID id.AccountID, milestoneID id.MilestoneID, orderID id.OrderID, amount id.Amount) (*ReleaseReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Release")
	defer span.End()

	if !amount.IsPositive() {
		return nil, derrors.New(derrors.CodeBadRequest, "release amount must be positive")
	}

	receipt, err := s.store.Release(ctx, accountID, milestoneID, orderID, amount)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "escrow account not found")
		}
		if errors.Is(err, sentinel.ErrInvalidState) {
			s.metrics.InvariantViolations.Inc()
			s.logger.ErrorContext(ctx, "INVARIANT VIOLATION: release exceeds held funds",
				"account_id", accountID.String(),
				"milestone_id", milestoneID.String(),
				"order_id", orderID.String(),
				"amount", int64(amount),
				"error", err.Error(),
			)
			return nil, derrors.Wrap(derrors.CodeInsufficientHeldFunds, "release exceeds held funds", err)
		}
		return nil, err
	}

	s.metrics.ReleasesExecuted.Inc()
	s.metrics.ReleasedMinorUnits.Add(float64(amount))
	s.logger.InfoContext(ctx, "funds released",
		"account_id", accountID.String(),
		"milestone_id", milestoneID.String(),
		"order_id", orderID.String(),
		"amount", int64(amount),
	)
	return receipt, nil
}

// Refund returns still-held funds to the donor.
func (s *Service) Refund(ctx context.Context, contributionID id.ContributionID, amount id.Amount) (*RefundReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Refund")
	defer span.End()

	if !amount.IsPositive() {
		return nil, derrors.New(derrors.CodeBadRequest, "refund amount must be positive")
	}

	receipt, err := s.store.Refund(ctx, contributionID, amount)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "contribution not found")
		}
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, derrors.Wrap(derrors.CodeRefundExceedsContribution, "refund exceeds refundable balance", err)
		}
		return nil, err
	}

	s.metrics.RefundsIssued.Inc()
	s.metrics.RefundedMinorUnits.Add(float64(amount))
	s.logger.InfoContext(ctx, "contribution refunded",
		"contribution_id", contributionID.String(),
		"amount", int64(amount),
	)
	return receipt, nil
}

// Clawback reverses already-released funds. Authorization happens upstream in
// reconciliation; the ledger records who ordered it.
func (s *Service) Clawback(ctx context.Context, contributionID id.ContributionID, amount id.Amount, actor id.UserID, note string) (*RefundReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.Clawback")
	defer span.End()

	if !amount.IsPositive() {
		return nil, derrors.New(derrors.CodeBadRequest, "clawback amount must be positive")
	}
	if actor.IsZero() {
		return nil, derrors.New(derrors.CodeBadRequest, "clawback requires an authorizing actor")
	}

	receipt, err := s.store.Clawback(ctx, contributionID, amount, actor, note)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "contribution not found")
		}
		if errors.Is(err, sentinel.ErrInvalidState) {
			return nil, derrors.Wrap(derrors.CodeRefundExceedsContribution, "clawback exceeds reversible balance", err)
		}
		return nil, err
	}

	s.metrics.ClawbacksExecuted.Inc()
	s.logger.WarnContext(ctx, "clawback executed",
		"contribution_id", contributionID.String(),
		"amount", int64(amount),
		"actor_id", actor.String(),
		"note", note,
	)
	return receipt, nil
}

func (s *Service) Account(ctx context.Context, recipientID id.RecipientID) (*EscrowAccount, error) {
	account, err := s.store.AccountByRecipient(ctx, recipientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "no escrow account for recipient")
		}
		return nil, err
	}
	return account, nil
}

func (s *Service) Contribution(ctx context.Context, contributionID id.ContributionID) (*Contribution, error) {
	contribution, err := s.store.Contribution(ctx, contributionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "contribution not found")
		}
		return nil, err
	}
	return contribution, nil
}

func (s *Service) ContributionsByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*Contribution, error) {
	return s.store.ContributionsByRecipient(ctx, recipientID)
}

func (s *Service) Entries(ctx context.Context, accountID id.AccountID) ([]*Entry, error) {
	return s.store.Entries(ctx, accountID)
}

// CheckInvariant verifies the account equation against the recorded
// contributions. Used by tests and the health endpoint; a failure here is a
// ledger bug.
func (s *Service) CheckInvariant(ctx context.Context, recipientID id.RecipientID) error {
	account, err := s.store.AccountByRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	contributions, err := s.store.ContributionsByRecipient(ctx, recipientID)
	if err != nil {
		return err
	}
	var captured id.Amount
	for _, c := range contributions {
		if c.Status == ContributionCaptured || c.Status == ContributionRefunded {
			captured += c.Amount
		}
	}
	if account.CapturedTotal() != captured {
		s.logger.ErrorContext(ctx, "INVARIANT VIOLATION: account totals diverge from contributions",
			"account_id", account.ID.String(),
			"held", int64(account.HeldTotal),
			"released", int64(account.ReleasedTotal),
			"refunded", int64(account.RefundedTotal),
			"captured", int64(captured),
		)
		return derrors.New(derrors.CodeInternal, "escrow account invariant violated")
	}
	return nil
}
