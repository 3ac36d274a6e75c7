// Package domain holds the typed identifiers and value objects shared across
// the escrow engine. Typed IDs keep a milestone ID from ever being passed
// where a contribution ID is expected; the compiler does the checking.
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// UserID identifies any human actor: donor, monitoring agent, NGO member or
// administrator. Role separation happens at the workflow gates, not in the
// ID type.
type UserID uuid.UUID

// RecipientID identifies the beneficiary of an escrow account, either a
// student or a project.
type RecipientID uuid.UUID

// ContributionID identifies a single donor contribution.
type ContributionID uuid.UUID

// AccountID identifies an escrow account. There is exactly one per recipient.
type AccountID uuid.UUID

// MilestoneID identifies a milestone record. Superseding a rejected milestone
// allocates a new ID; IDs are never reused.
type MilestoneID uuid.UUID

// ReportID identifies a verification report.
type ReportID uuid.UUID

// OrderID identifies a disbursement order.
type OrderID uuid.UUID

// CaseID identifies a manual-intervention case in reconciliation.
type CaseID uuid.UUID

func (id UserID) String() string         { return uuid.UUID(id).String() }
func (id RecipientID) String() string    { return uuid.UUID(id).String() }
func (id ContributionID) String() string { return uuid.UUID(id).String() }
func (id AccountID) String() string      { return uuid.UUID(id).String() }
func (id MilestoneID) String() string    { return uuid.UUID(id).String() }
func (id ReportID) String() string       { return uuid.UUID(id).String() }
func (id OrderID) String() string        { return uuid.UUID(id).String() }
func (id CaseID) String() string         { return uuid.UUID(id).String() }

func (id UserID) IsZero() bool      { return uuid.UUID(id) == uuid.Nil }
func (id RecipientID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }
func (id MilestoneID) IsZero() bool { return uuid.UUID(id) == uuid.Nil }

func parse(input string) (uuid.UUID, error) {
	u, err := uuid.Parse(input)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", input, err)
	}
	return u, nil
}

// ParseUserID parses a textual UUID into a UserID. Input crosses a trust
// boundary; anything that is not a canonical UUID is rejected.
func ParseUserID(input string) (UserID, error) {
	u, err := parse(input)
	return UserID(u), err
}

func ParseRecipientID(input string) (RecipientID, error) {
	u, err := parse(input)
	return RecipientID(u), err
}

func ParseContributionID(input string) (ContributionID, error) {
	u, err := parse(input)
	return ContributionID(u), err
}

func ParseMilestoneID(input string) (MilestoneID, error) {
	u, err := parse(input)
	return MilestoneID(u), err
}

func ParseReportID(input string) (ReportID, error) {
	u, err := parse(input)
	return ReportID(u), err
}

func ParseOrderID(input string) (OrderID, error) {
	u, err := parse(input)
	return OrderID(u), err
}

func ParseCaseID(input string) (CaseID, error) {
	u, err := parse(input)
	return CaseID(u), err
}
