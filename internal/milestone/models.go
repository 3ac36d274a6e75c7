// Package milestone owns the per-recipient milestone schedule and its status
// state machine. Payouts are strictly in sequence order; a later milestone
// can never be paid while an earlier one is unpaid.
package milestone

import (
	"time"

	id "almoner/pkg/domain"
)

// Status is a milestone's position in the verification lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInReview Status = "in_review"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusPaid     Status = "paid"
)

// transitions is the only legal movement through the lifecycle:
//
//	pending  -> in_review   first verification report submitted
//	in_review -> approved   admin/NGO ratified an "approve" report
//	in_review -> rejected   admin/NGO ratified a "reject" report
//	rejected -> in_review   a new report submitted (retry)
//	approved -> paid        disbursement settled the full target
//
// paid is absorbing. rejected absorbs money movement but always accepts a
// new report.
var transitions = map[Status][]Status{
	StatusPending:  {StatusInReview},
	StatusInReview: {StatusApproved, StatusRejected},
	StatusRejected: {StatusInReview},
	StatusApproved: {StatusPaid},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Recipient is the beneficiary profile created at onboarding. Budget is
// immutable once any contribution has landed; milestone targets are derived
// from it exactly once, at schedule creation.
type Recipient struct {
	ID        id.RecipientID
	Type      id.RecipientType
	Currency  string
	Budget    id.Amount
	CreatedAt time.Time
}

// Milestone is one staged condition gating partial fund release.
type Milestone struct {
	ID          id.MilestoneID
	RecipientID id.RecipientID
	// Sequence orders milestones strictly; gaps are allowed, duplicates are
	// not (among non-superseded records).
	Sequence  int
	TargetBps id.BasisPoints
	// TargetAmount is derived from the recipient budget at creation and
	// never re-derived.
	TargetAmount          id.Amount
	Status                Status
	RequiredEvidenceCount int
	// ReplacesID points at the rejected milestone this record supersedes.
	// History is preserved; the old record is never mutated away.
	ReplacesID id.MilestoneID
	// ReplacedByID is set on a rejected milestone once superseded, which
	// removes it from the payout ordering.
	ReplacedByID id.MilestoneID
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Active reports whether the milestone still participates in the payout
// ordering. A superseded record is history, not an obligation.
func (m Milestone) Active() bool {
	return m.ReplacedByID.IsZero()
}

// AwaitingVerification reports whether a new report may be submitted.
func (m Milestone) AwaitingVerification() bool {
	return m.Status == StatusPending || m.Status == StatusInReview || m.Status == StatusRejected
}

// Spec describes one milestone at schedule-creation time.
type Spec struct {
	Sequence              int
	TargetBps             id.BasisPoints
	RequiredEvidenceCount int
}
