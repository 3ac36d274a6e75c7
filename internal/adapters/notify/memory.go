package notify

import (
	"context"
	"sync"

	id "almoner/pkg/domain"
)

// Recorded is a captured notification, kept for assertions in tests.
type Recorded struct {
	UserID    id.UserID
	EventType string
	Payload   map[string]string
}

// InMemoryNotifier records notifications instead of delivering them. Used in
// tests and when Kafka is not configured.
type InMemoryNotifier struct {
	mu     sync.Mutex
	events []Recorded
}

func NewInMemory() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) Notify(_ context.Context, userID id.UserID, eventType string, payload map[string]string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, Recorded{UserID: userID, EventType: eventType, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (n *InMemoryNotifier) Events() []Recorded {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Recorded{}, n.events...)
}
