// Package disbursement owns payout orders and the engine that executes them
// against the payout gateway. The engine guarantees at-most-one transfer per
// order generation and at most one open order per milestone, so a settled
// milestone is paid exactly once no matter how often it is triggered.
package disbursement

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	id "almoner/pkg/domain"
)

// Status is a payout order's execution state.
type Status string

const (
	// StatusPending means the order waits for funds or for its retry time.
	StatusPending Status = "pending"
	// StatusExecuting means a gateway call is in flight or its outcome was
	// never observed. Recovery goes through the gateway's status endpoint.
	StatusExecuting Status = "executing"
	StatusSettled   Status = "settled"
	StatusFailed    Status = "failed"
)

// Order is one payout attempt generation for one milestone. A declined
// generation is closed and succeeded by a fresh one with a new idempotency
// key; a settled generation that covered only part of the target is succeeded
// the same way.
type Order struct {
	ID          id.OrderID
	MilestoneID id.MilestoneID
	RecipientID id.RecipientID
	AccountID   id.AccountID
	// Amount is the remaining target when pending, and the exact amount
	// handed to the gateway once executing.
	Amount   id.Amount
	Currency string
	// IdemKey is derived from the milestone and generation; the gateway
	// executes at most one transfer per key.
	IdemKey    string
	Generation int
	Status     Status
	// Attempts counts gateway calls across this order and its predecessors.
	Attempts      int
	SettlementRef string
	LastError     string
	NextRetryAt   time.Time
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Open reports whether the order still owns its milestone's payout slot.
func (o Order) Open() bool {
	return o.Status == StatusPending || o.Status == StatusExecuting
}

// IdempotencyKey derives the gateway key for one milestone generation. Stable
// across restarts: re-deriving for the same pair always yields the same key.
func IdempotencyKey(milestoneID id.MilestoneID, generation int) string {
	h := sha256.New()
	h.Write([]byte(milestoneID.String()))
	var gen [8]byte
	binary.BigEndian.PutUint64(gen[:], uint64(generation))
	h.Write(gen[:])
	return hex.EncodeToString(h.Sum(nil))
}
