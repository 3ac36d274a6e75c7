package audit

import (
	"context"

	id "almoner/pkg/domain"
	"almoner/pkg/requestcontext"
)

// Publisher captures structured audit events. It is append-only and uses the
// storage layer for persistence so tests can swap sinks easily.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

// Emit persists one event, filling the timestamp and request ID from context
// when the caller left them empty.
func (p *Publisher) Emit(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	return p.store.Append(ctx, event)
}

func (p *Publisher) ListBySubject(ctx context.Context, subject string) ([]Event, error) {
	return p.store.ListBySubject(ctx, subject)
}

func (p *Publisher) ListByActor(ctx context.Context, actorID id.UserID) ([]Event, error) {
	return p.store.ListByActor(ctx, actorID)
}
