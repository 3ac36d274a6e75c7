// Package verification owns milestone verification reports and the two-party
// ratification gate: a monitoring agent submits findings, a distinct admin or
// NGO officer ratifies them. No single actor can move money.
package verification

import (
	"time"

	id "almoner/pkg/domain"
)

// Outcome is a verdict on a milestone: the agent's recommendation when
// submitting, the ratifier's binding decision when ratifying.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

func (o Outcome) Valid() bool {
	return o == OutcomeApprove || o == OutcomeReject
}

// Report is one agent submission for one milestone. Ratification fields are
// written exactly once; a ratified report is immutable.
type Report struct {
	ID          id.ReportID
	MilestoneID id.MilestoneID
	AgentID     id.UserID
	Outcome     Outcome
	// Evidence holds opaque storage handles, never file bytes.
	Evidence  []string
	Narrative string

	// RatifiedBy is the admin or NGO officer who countersigned. Zero until
	// ratification. Always distinct from AgentID.
	RatifiedBy id.UserID
	RatifiedAt time.Time
	// Decision is the ratifier's verdict. It usually matches Outcome but the
	// ratifier may overrule the agent's recommendation.
	Decision Outcome

	SubmittedAt time.Time
}

// Ratified reports whether the two-party gate has closed on this report.
func (r Report) Ratified() bool {
	return !r.RatifiedBy.IsZero()
}
