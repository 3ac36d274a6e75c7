package verification

import (
	"context"
	"time"

	id "almoner/pkg/domain"
)

// Store persists verification reports. Ratify is the only mutation after
// creation and is single-shot per report: the first ratifier wins, every later
// attempt gets sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, r *Report) error
	Report(ctx context.Context, reportID id.ReportID) (*Report, error)
	ListByMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*Report, error)

	// Ratify records the countersignature iff the report is not yet ratified.
	// Returns the updated report, or sentinel.ErrConflict when another
	// ratifier committed first.
	Ratify(ctx context.Context, reportID id.ReportID, ratifier id.UserID, decision Outcome, at time.Time) (*Report, error)
}
