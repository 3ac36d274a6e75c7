// Package reconciliation handles the flows where the happy path broke: donor
// refunds, admin clawbacks, and manual cases opened when the disbursement
// engine exhausted its options.
package reconciliation

import (
	"time"

	id "almoner/pkg/domain"
)

// CaseStatus is a manual case's lifecycle position.
type CaseStatus string

const (
	CaseOpen     CaseStatus = "open"
	CaseResolved CaseStatus = "resolved"
)

// Resolution is the admin's disposition of a manual case.
type Resolution string

const (
	// ResolutionRetry re-triggers the disbursement with a fresh generation.
	ResolutionRetry Resolution = "retry"
	// ResolutionCancel closes the case; funds stay held and refundable.
	ResolutionCancel Resolution = "cancel"
	// ResolutionManualPayout records that the operator moved the money
	// outside the system; the ledger is updated to match reality.
	ResolutionManualPayout Resolution = "manual_payout"
)

func (r Resolution) Valid() bool {
	return r == ResolutionRetry || r == ResolutionCancel || r == ResolutionManualPayout
}

// Case is one escalated disbursement requiring a human decision.
type Case struct {
	ID          id.CaseID
	MilestoneID id.MilestoneID
	OrderID     id.OrderID
	Reason      string
	Status      CaseStatus
	Resolution  Resolution
	Note        string
	OpenedAt    time.Time
	ResolvedAt  time.Time
	ResolvedBy  id.UserID
}
