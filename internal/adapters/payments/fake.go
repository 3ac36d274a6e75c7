// Package payments provides test and development doubles for the payment
// capture and payout gateways. The real gateways are hosted services; the
// engine only depends on the ports.
package payments

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"almoner/internal/ports"
	id "almoner/pkg/domain"
)

// FakeCaptureGateway confirms every capture, idempotent per clientRef.
type FakeCaptureGateway struct {
	mu       sync.Mutex
	captured map[string]ports.CaptureResult

	// FailNext makes the next capture fail, for testing failed payments.
	FailNext bool
}

func NewFakeCapture() *FakeCaptureGateway {
	return &FakeCaptureGateway{captured: make(map[string]ports.CaptureResult)}
}

func (g *FakeCaptureGateway) Capture(_ context.Context, _ string, amount id.Amount, _, clientRef string) (ports.CaptureResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prior, ok := g.captured[clientRef]; ok {
		return prior, nil
	}
	result := ports.CaptureResult{Success: true, GatewayRef: "cap_" + uuid.New().String()}
	if g.FailNext || amount <= 0 {
		g.FailNext = false
		result = ports.CaptureResult{Success: false, Reason: "declined"}
	}
	g.captured[clientRef] = result
	return result, nil
}

// FakePayoutGateway settles payouts, idempotent per key. Behavior is
// scriptable per call: queue failures and timeouts to exercise the engine's
// retry and reconciliation paths.
type FakePayoutGateway struct {
	mu      sync.Mutex
	settled map[string]ports.PayoutResult
	script  []outcome

	// Calls counts Payout invocations that reached the gateway.
	Calls int
}

type outcome int

const (
	outcomeSettle outcome = iota
	outcomeFail
	// outcomeTimeout settles the transfer but returns an error, simulating a
	// response lost on the wire. The engine must reconcile via Status.
	outcomeTimeout
)

func NewFakePayout() *FakePayoutGateway {
	return &FakePayoutGateway{settled: make(map[string]ports.PayoutResult)}
}

// QueueFailure makes the next unscripted payout fail.
func (g *FakePayoutGateway) QueueFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomeFail)
}

// QueueTimeout makes the next payout settle on the gateway side while the
// caller sees an error.
func (g *FakePayoutGateway) QueueTimeout() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.script = append(g.script, outcomeTimeout)
}

func (g *FakePayoutGateway) Payout(_ context.Context, _ string, amount id.Amount, _, idempotencyKey string) (ports.PayoutResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++

	if prior, ok := g.settled[idempotencyKey]; ok {
		return prior, nil
	}

	next := outcomeSettle
	if len(g.script) > 0 {
		next = g.script[0]
		g.script = g.script[1:]
	}

	switch next {
	case outcomeFail:
		return ports.PayoutResult{Settled: false, Reason: "gateway declined"}, nil
	case outcomeTimeout:
		g.settled[idempotencyKey] = ports.PayoutResult{
			Settled:       true,
			SettlementRef: "stl_" + uuid.New().String(),
		}
		return ports.PayoutResult{}, fmt.Errorf("payout %s: request timed out", idempotencyKey)
	default:
		result := ports.PayoutResult{
			Settled:       true,
			SettlementRef: "stl_" + uuid.New().String(),
		}
		if amount <= 0 {
			result = ports.PayoutResult{Settled: false, Reason: "invalid amount"}
		} else {
			g.settled[idempotencyKey] = result
		}
		return result, nil
	}
}

func (g *FakePayoutGateway) Status(_ context.Context, idempotencyKey string) (ports.PayoutStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if prior, ok := g.settled[idempotencyKey]; ok {
		return ports.PayoutStatus{Known: true, Settled: true, SettlementRef: prior.SettlementRef}, nil
	}
	return ports.PayoutStatus{Known: false}, nil
}
