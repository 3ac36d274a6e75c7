package milestone

import (
	"context"

	id "almoner/pkg/domain"
)

// Store persists recipients and milestones. Status updates are optimistic:
// Update fails with sentinel.ErrConflict when the caller's version is stale,
// which gives per-milestone first-committer-wins without long locks.
type Store interface {
	CreateRecipient(ctx context.Context, r *Recipient) error
	Recipient(ctx context.Context, recipientID id.RecipientID) (*Recipient, error)

	CreateMilestone(ctx context.Context, m *Milestone) error
	Milestone(ctx context.Context, milestoneID id.MilestoneID) (*Milestone, error)
	// ListByRecipient returns all records including superseded ones, ordered
	// by sequence then creation time.
	ListByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*Milestone, error)

	// Update persists the milestone when its Version matches the stored one,
	// then increments it. Returns sentinel.ErrConflict otherwise.
	Update(ctx context.Context, m *Milestone) error
}
