package reconciliation

import (
	"context"
	"time"

	id "almoner/pkg/domain"
)

// Store persists manual cases. Resolve is single-shot: the first resolver
// wins, later attempts get sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, c *Case) error
	Case(ctx context.Context, caseID id.CaseID) (*Case, error)
	// OpenByOrder returns the order's open case, or sentinel.ErrNotFound.
	OpenByOrder(ctx context.Context, orderID id.OrderID) (*Case, error)
	ListOpen(ctx context.Context) ([]*Case, error)

	// Resolve closes an open case. Returns sentinel.ErrConflict when the case
	// is already resolved.
	Resolve(ctx context.Context, caseID id.CaseID, resolvedBy id.UserID, resolution Resolution, note string, at time.Time) (*Case, error)
}
