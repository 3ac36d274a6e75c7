package ledger

import (
	"context"

	id "almoner/pkg/domain"
)

// Store is the transactional boundary of the ledger. Each mutating method is
// atomic and serialized per escrow account: the memory store holds a
// per-account mutex, the postgres store takes a row lock on the account.
//
// Stores report infrastructure facts with sentinel errors; the service
// translates them into coded domain errors.
type Store interface {
	// RecordContribution appends a hold entry and increments HeldTotal,
	// creating the escrow account on first contribution. Returns
	// sentinel.ErrDuplicate (wrapped) when the gateway reference was already
	// recorded.
	RecordContribution(ctx context.Context, c *Contribution, recipientType id.RecipientType) (*EscrowAccount, error)

	// Release moves amount from HeldTotal to ReleasedTotal. Returns
	// sentinel.ErrInvalidState when amount exceeds HeldTotal; the caller
	// treats that as an invariant violation, not a business condition.
	Release(ctx context.Context, accountID id.AccountID, milestoneID id.MilestoneID, orderID id.OrderID, amount id.Amount) (*ReleaseReceipt, error)

	// Refund moves still-held funds back to the donor. Returns
	// sentinel.ErrInvalidState when amount exceeds the contribution's
	// remaining refundable balance or the account's held funds.
	Refund(ctx context.Context, contributionID id.ContributionID, amount id.Amount) (*RefundReceipt, error)

	// Clawback reverses already-released funds with a compensating entry
	// against ReleasedTotal. Exceptional, audited; the actor is recorded on
	// the entry.
	Clawback(ctx context.Context, contributionID id.ContributionID, amount id.Amount, actor id.UserID, note string) (*RefundReceipt, error)

	AccountByRecipient(ctx context.Context, recipientID id.RecipientID) (*EscrowAccount, error)
	AccountByID(ctx context.Context, accountID id.AccountID) (*EscrowAccount, error)
	Contribution(ctx context.Context, contributionID id.ContributionID) (*Contribution, error)
	ContributionsByRecipient(ctx context.Context, recipientID id.RecipientID) ([]*Contribution, error)

	// ReleasedForMilestone sums release entries tagged with the milestone.
	ReleasedForMilestone(ctx context.Context, milestoneID id.MilestoneID) (id.Amount, error)

	// Entries returns the append-only history for an account, oldest first.
	Entries(ctx context.Context, accountID id.AccountID) ([]*Entry, error)
}
