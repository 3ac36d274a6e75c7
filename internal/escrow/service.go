// Package escrow is the read side of the ledger: per-recipient balance
// aggregates and the milestone funding arithmetic the disbursement engine
// relies on. It never mutates anything.
package escrow

import (
	"context"
	"errors"
	"log/slog"

	"almoner/internal/ledger"
	"almoner/internal/milestone"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
)

// Service computes funding views over the ledger and the milestone schedule.
type Service struct {
	ledger     ledger.Store
	milestones milestone.Store
	logger     *slog.Logger
}

func NewService(ledgerStore ledger.Store, milestoneStore milestone.Store, logger *slog.Logger) *Service {
	return &Service{ledger: ledgerStore, milestones: milestoneStore, logger: logger}
}

// AvailableForMilestone is the amount that may be released right now:
//
//	min(held_total, target_amount - already_released_for_milestone)
//
// The second term caps a milestone at its own target even when more funds
// are held, so one milestone can never drain funds earmarked for a later one.
func (s *Service) AvailableForMilestone(ctx context.Context, milestoneID id.MilestoneID) (id.Amount, error) {
	m, err := s.milestones.Milestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, derrors.New(derrors.CodeNotFound, "milestone not found")
		}
		return 0, err
	}

	account, err := s.ledger.AccountByRecipient(ctx, m.RecipientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// No contribution has landed yet; nothing is available.
			return 0, nil
		}
		return 0, err
	}

	released, err := s.ledger.ReleasedForMilestone(ctx, milestoneID)
	if err != nil {
		return 0, err
	}

	remaining := m.TargetAmount - released
	if remaining <= 0 {
		return 0, nil
	}
	return id.Min(account.HeldTotal, remaining), nil
}

// RemainingForMilestone is how much of the target has not been disbursed yet,
// regardless of current funding.
func (s *Service) RemainingForMilestone(ctx context.Context, milestoneID id.MilestoneID) (id.Amount, error) {
	m, err := s.milestones.Milestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return 0, derrors.New(derrors.CodeNotFound, "milestone not found")
		}
		return 0, err
	}
	released, err := s.ledger.ReleasedForMilestone(ctx, milestoneID)
	if err != nil {
		return 0, err
	}
	remaining := m.TargetAmount - released
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// MilestoneProgress is the per-milestone slice of the recipient progress view.
type MilestoneProgress struct {
	Milestone *milestone.Milestone
	Released  id.Amount
}

// Progress is the donor- and admin-facing aggregate for one recipient.
type Progress struct {
	Account    *ledger.EscrowAccount
	Budget     id.Amount
	Milestones []MilestoneProgress
}

// RecipientProgress assembles the recipient's funding state: account totals
// plus per-milestone released amounts.
func (s *Service) RecipientProgress(ctx context.Context, recipientID id.RecipientID) (*Progress, error) {
	recipient, err := s.milestones.Recipient(ctx, recipientID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "recipient not found")
		}
		return nil, err
	}

	account, err := s.ledger.AccountByRecipient(ctx, recipientID)
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return nil, err
	}
	if account == nil {
		account = &ledger.EscrowAccount{
			RecipientID:   recipientID,
			RecipientType: recipient.Type,
			Currency:      recipient.Currency,
		}
	}

	milestones, err := s.milestones.ListByRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}

	progress := &Progress{Account: account, Budget: recipient.Budget}
	for _, m := range milestones {
		released, err := s.ledger.ReleasedForMilestone(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		progress.Milestones = append(progress.Milestones, MilestoneProgress{Milestone: m, Released: released})
	}
	return progress, nil
}
