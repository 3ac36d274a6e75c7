// Package audit records who did what to which funds. Append-only; nothing in
// the engine reads audit events back to make decisions.
package audit

import (
	"time"

	id "almoner/pkg/domain"
)

// Event is one audited action. Subject identifies the record acted upon
// (contribution, order, case) as a plain string so the trail survives schema
// drift in the domains it describes.
type Event struct {
	ID        int64
	Timestamp time.Time
	ActorID   id.UserID
	Action    string
	Subject   string
	Amount    id.Amount
	Note      string
	RequestID string
}

// Actions recorded by the reconciliation and verification workflows.
const (
	ActionReportRatified = "report.ratified"
	ActionRefundIssued   = "refund.issued"
	ActionClawback       = "clawback.executed"
	ActionCaseOpened     = "case.opened"
	ActionCaseResolved   = "case.resolved"
)
