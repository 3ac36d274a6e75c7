// Package ledger is the single source of financial truth. Every movement of
// money is an append-only entry; escrow account balances are materialized
// running totals updated transactionally with each entry.
package ledger

import (
	"time"

	id "almoner/pkg/domain"
)

// ContributionStatus tracks a contribution through its lifecycle. Records are
// never mutated except for this status and the cumulative refunded amount;
// history lives in the entries.
type ContributionStatus string

const (
	ContributionAuthorized ContributionStatus = "authorized"
	ContributionCaptured   ContributionStatus = "captured"
	ContributionFailed     ContributionStatus = "failed"
	ContributionRefunded   ContributionStatus = "refunded"
)

// Contribution is an immutable record of a donor's captured payment.
type Contribution struct {
	ID          id.ContributionID
	DonorID     id.UserID
	RecipientID id.RecipientID
	Amount      id.Amount
	Currency    string
	GatewayRef  string
	Status      ContributionStatus
	// Refunded accumulates the amount returned to the donor across refund
	// and clawback entries.
	Refunded  id.Amount
	CreatedAt time.Time
}

// RemainingRefundable is how much of the contribution can still be refunded.
func (c Contribution) RemainingRefundable() id.Amount {
	return c.Amount - c.Refunded
}

// EscrowAccount aggregates all funds contributed to one recipient.
//
// Invariant, checked after every mutation:
//
//	HeldTotal + ReleasedTotal + RefundedTotal == sum of captured contributions
type EscrowAccount struct {
	ID            id.AccountID
	RecipientID   id.RecipientID
	RecipientType id.RecipientType
	Currency      string
	HeldTotal     id.Amount
	ReleasedTotal id.Amount
	RefundedTotal id.Amount
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CapturedTotal is the sum of all captured contributions to this account.
func (a EscrowAccount) CapturedTotal() id.Amount {
	return a.HeldTotal + a.ReleasedTotal + a.RefundedTotal
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryHold     EntryType = "hold"
	EntryRelease  EntryType = "release"
	EntryRefund   EntryType = "refund"
	EntryClawback EntryType = "clawback"
)

// Entry is one immutable money movement. Reversals are compensating entries,
// never edits.
type Entry struct {
	ID             string
	AccountID      id.AccountID
	Type           EntryType
	Amount         id.Amount
	ContributionID id.ContributionID
	MilestoneID    id.MilestoneID
	OrderID        id.OrderID
	ActorID        id.UserID
	Note           string
	CreatedAt      time.Time
}

// ReleaseReceipt confirms a hold-to-released movement.
type ReleaseReceipt struct {
	EntryID       string
	AccountID     id.AccountID
	MilestoneID   id.MilestoneID
	OrderID       id.OrderID
	Amount        id.Amount
	ReleasedTotal id.Amount
	CreatedAt     time.Time
}

// RefundReceipt confirms a refund or clawback against a contribution.
type RefundReceipt struct {
	EntryID        string
	ContributionID id.ContributionID
	Amount         id.Amount
	Remaining      id.Amount
	CreatedAt      time.Time
}
