package audit

import (
	"context"

	id "almoner/pkg/domain"
)

// Store persists audit events. Append-only by construction: there is no
// update or delete.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListBySubject(ctx context.Context, subject string) ([]Event, error)
	ListByActor(ctx context.Context, actorID id.UserID) ([]Event, error)
}
