package disbursement

import (
	"context"
	"time"

	id "almoner/pkg/domain"
)

// Store persists payout orders. Update is optimistic per order: a stale
// Version gets sentinel.ErrConflict, which is how two workers racing on the
// same order resolve to exactly one gateway call.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Order(ctx context.Context, orderID id.OrderID) (*Order, error)

	// OpenByMilestone returns the milestone's open order, or
	// sentinel.ErrNotFound when it has none. At most one exists at a time.
	OpenByMilestone(ctx context.Context, milestoneID id.MilestoneID) (*Order, error)
	// ListByMilestone returns every generation, oldest first.
	ListByMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*Order, error)

	// Update persists the order when its Version matches the stored one, then
	// increments it. Returns sentinel.ErrConflict otherwise.
	Update(ctx context.Context, o *Order) error

	// Due returns pending orders whose NextRetryAt has passed.
	Due(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	// StuckExecuting returns executing orders untouched since the cutoff,
	// candidates for gateway status reconciliation.
	StuckExecuting(ctx context.Context, cutoff time.Time, limit int) ([]*Order, error)
}
