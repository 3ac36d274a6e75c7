// Package ports declares the narrow interfaces to the collaborators the
// escrow engine consumes but does not implement. Adapters live in
// internal/adapters; tests substitute the in-memory fakes.
package ports

import (
	"context"

	id "almoner/pkg/domain"
)

// CaptureResult reports the outcome of charging a donor's payment method.
type CaptureResult struct {
	Success    bool
	GatewayRef string
	Reason     string
}

// PaymentGateway charges donors. Capture is idempotent per client-supplied
// reference: re-submitting the same clientRef returns the original outcome.
type PaymentGateway interface {
	Capture(ctx context.Context, paymentMethod string, amount id.Amount, currency, clientRef string) (CaptureResult, error)
}

// PayoutResult reports the outcome of a payout attempt.
type PayoutResult struct {
	Settled       bool
	SettlementRef string
	Reason        string
}

// PayoutStatus is the gateway's own record for an idempotency key, consulted
// before retrying an attempt whose outcome was never observed.
type PayoutStatus struct {
	Known         bool
	Settled       bool
	SettlementRef string
}

// PayoutGateway moves money to recipients. Payout is idempotent per key:
// the gateway executes at most one transfer per idempotencyKey regardless of
// how many times it is called.
type PayoutGateway interface {
	Payout(ctx context.Context, bankRef string, amount id.Amount, currency, idempotencyKey string) (PayoutResult, error)
	Status(ctx context.Context, idempotencyKey string) (PayoutStatus, error)
}

// EvidenceStore keeps report evidence. The engine stores and compares opaque
// handles only, never file bytes.
type EvidenceStore interface {
	Store(ctx context.Context, file []byte) (handle string, err error)
	Resolve(ctx context.Context, handle string) (url string, err error)
}

// IdentityDirectory answers role questions about actors. Every workflow gate
// authorizes through this single call.
type IdentityDirectory interface {
	HasRole(ctx context.Context, userID id.UserID, role id.Role) (bool, error)
}

// Notifier dispatches user-facing notifications. Fire-and-forget: a failed
// notification never rolls back a financial state transition.
type Notifier interface {
	Notify(ctx context.Context, userID id.UserID, eventType string, payload map[string]string)
}
