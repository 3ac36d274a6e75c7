package milestone

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/requestcontext"
)

// Graph is the milestone service: schedule creation at onboarding, the
// in-order payout cursor, and the guarded status transitions.
type Graph struct {
	store  Store
	logger *slog.Logger
}

func NewGraph(store Store, logger *slog.Logger) *Graph {
	return &Graph{store: store, logger: logger}
}

// CreateSchedule onboards a recipient with their full milestone schedule.
// The budget is fixed here; milestone target amounts are derived once and
// never re-derived, even if fractions would suggest otherwise later.
func (g *Graph) CreateSchedule(ctx context.Context, recipientID id.RecipientID, recipientType id.RecipientType, currency string, budget id.Amount, specs []Spec) (*Recipient, []*Milestone, error) {
	if !recipientType.Valid() {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "recipient type must be student or project")
	}
	if !budget.IsPositive() {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "budget must be positive")
	}
	if len(specs) == 0 {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "at least one milestone is required")
	}

	var totalBps id.BasisPoints
	seen := make(map[int]bool, len(specs))
	for _, spec := range specs {
		if !spec.TargetBps.Valid() {
			return nil, nil, derrors.New(derrors.CodeBadRequest, "milestone fraction must be in (0, 1]")
		}
		if spec.RequiredEvidenceCount < 1 {
			return nil, nil, derrors.New(derrors.CodeBadRequest, "milestones require at least one piece of evidence")
		}
		if seen[spec.Sequence] {
			return nil, nil, derrors.New(derrors.CodeBadRequest, "duplicate milestone sequence")
		}
		seen[spec.Sequence] = true
		totalBps += spec.TargetBps
	}
	if totalBps > id.FullBudget {
		return nil, nil, derrors.New(derrors.CodeBadRequest, "milestone fractions exceed the total budget")
	}

	now := requestcontext.Now(ctx)
	recipient := &Recipient{
		ID:        recipientID,
		Type:      recipientType,
		Currency:  currency,
		Budget:    budget,
		CreatedAt: now,
	}
	if err := g.store.CreateRecipient(ctx, recipient); err != nil {
		if errors.Is(err, sentinel.ErrDuplicate) {
			return nil, nil, derrors.New(derrors.CodeConflict, "recipient already onboarded")
		}
		return nil, nil, err
	}

	milestones := make([]*Milestone, 0, len(specs))
	for _, spec := range specs {
		m := &Milestone{
			ID:                    id.MilestoneID(uuid.New()),
			RecipientID:           recipientID,
			Sequence:              spec.Sequence,
			TargetBps:             spec.TargetBps,
			TargetAmount:          spec.TargetBps.ApplyTo(budget),
			Status:                StatusPending,
			RequiredEvidenceCount: spec.RequiredEvidenceCount,
			Version:               1,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if err := g.store.CreateMilestone(ctx, m); err != nil {
			return nil, nil, err
		}
		milestones = append(milestones, m)
	}

	g.logger.InfoContext(ctx, "recipient onboarded",
		"recipient_id", recipientID.String(),
		"budget", int64(budget),
		"milestones", len(milestones),
	)
	return recipient, milestones, nil
}

// NextPayable returns the lowest-sequence active milestone that is not yet
// paid, or CodeNotFound when the schedule is complete. This is the only
// milestone money may move against; everything later is blocked until it is
// paid or superseded.
func (g *Graph) NextPayable(ctx context.Context, recipientID id.RecipientID) (*Milestone, error) {
	milestones, err := g.store.ListByRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if !m.Active() {
			continue
		}
		if m.Status != StatusPaid {
			return m, nil
		}
	}
	return nil, derrors.New(derrors.CodeNotFound, "no payable milestone remains")
}

// Advance applies one legal transition. Serialization is per milestone via
// the store's version check: of two racing transitions, exactly one commits.
func (g *Graph) Advance(ctx context.Context, milestoneID id.MilestoneID, to Status) (*Milestone, error) {
	m, err := g.store.Milestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "milestone not found")
		}
		return nil, err
	}

	if !CanTransition(m.Status, to) {
		return nil, derrors.New(derrors.CodeIllegalTransition,
			"illegal milestone transition "+string(m.Status)+" -> "+string(to))
	}

	// Paying out of order would skip verification steps; refuse even when
	// the transition itself is legal.
	if to == StatusPaid {
		next, err := g.NextPayable(ctx, m.RecipientID)
		if err != nil {
			return nil, err
		}
		if next.ID != m.ID {
			return nil, derrors.New(derrors.CodeIllegalTransition, "an earlier milestone is not yet paid")
		}
	}

	m.Status = to
	m.UpdatedAt = requestcontext.Now(ctx)
	if err := g.store.Update(ctx, m); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, derrors.Wrap(derrors.CodeConflict, "milestone was modified concurrently", err)
		}
		return nil, err
	}

	g.logger.InfoContext(ctx, "milestone advanced",
		"milestone_id", milestoneID.String(),
		"recipient_id", m.RecipientID.String(),
		"status", string(to),
	)
	return m, nil
}

// Supersede replaces a rejected milestone with a fresh record occupying the
// same sequence slot. The rejected record stays in history; it just stops
// blocking the payout order.
func (g *Graph) Supersede(ctx context.Context, milestoneID id.MilestoneID, requiredEvidenceCount int) (*Milestone, error) {
	old, err := g.store.Milestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "milestone not found")
		}
		return nil, err
	}
	if old.Status != StatusRejected || !old.Active() {
		return nil, derrors.New(derrors.CodeIllegalTransition, "only an active rejected milestone can be superseded")
	}
	if requiredEvidenceCount < 1 {
		requiredEvidenceCount = old.RequiredEvidenceCount
	}

	now := requestcontext.Now(ctx)
	replacement := &Milestone{
		ID:                    id.MilestoneID(uuid.New()),
		RecipientID:           old.RecipientID,
		Sequence:              old.Sequence,
		TargetBps:             old.TargetBps,
		TargetAmount:          old.TargetAmount,
		Status:                StatusPending,
		RequiredEvidenceCount: requiredEvidenceCount,
		ReplacesID:            old.ID,
		Version:               1,
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	old.ReplacedByID = replacement.ID
	old.UpdatedAt = now
	if err := g.store.Update(ctx, old); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, derrors.Wrap(derrors.CodeConflict, "milestone was modified concurrently", err)
		}
		return nil, err
	}
	if err := g.store.CreateMilestone(ctx, replacement); err != nil {
		return nil, err
	}

	g.logger.InfoContext(ctx, "milestone superseded",
		"old_milestone_id", old.ID.String(),
		"new_milestone_id", replacement.ID.String(),
	)
	return replacement, nil
}

func (g *Graph) Milestone(ctx context.Context, milestoneID id.MilestoneID) (*Milestone, error) {
	m, err := g.store.Milestone(ctx, milestoneID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "milestone not found")
		}
		return nil, err
	}
	return m, nil
}

func (g *Graph) ListByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*Milestone, error) {
	return g.store.ListByRecipient(ctx, recipientID)
}

// RecipientProfile implements the ledger's RecipientDirectory so escrow
// accounts inherit the recipient type and currency fixed at onboarding.
func (g *Graph) RecipientProfile(ctx context.Context, recipientID id.RecipientID) (id.RecipientType, string, error) {
	r, err := g.store.Recipient(ctx, recipientID)
	if err != nil {
		return "", "", err
	}
	return r.Type, r.Currency, nil
}
