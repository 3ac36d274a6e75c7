package disbursement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	disbursementmetrics "almoner/internal/disbursement/metrics"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	"almoner/internal/milestone"
	"almoner/internal/ports"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/platform/sentinel"
	"almoner/pkg/requestcontext"
)

// CaseOpener escalates an order the engine cannot finish on its own.
// Implemented by the reconciliation service.
type CaseOpener interface {
	OpenCase(ctx context.Context, milestoneID id.MilestoneID, orderID id.OrderID, reason string) error
}

// Config bounds the engine's retry behavior.
type Config struct {
	// MaxAttempts is the cumulative gateway-call budget per milestone before
	// escalation to manual reconciliation.
	MaxAttempts int
	// BackoffBase doubles per attempt.
	BackoffBase time.Duration
	// ClaimTTL bounds how long a trigger or execution claim is held.
	ClaimTTL time.Duration
}

// Engine executes payout orders. Correctness rests on three mechanisms: the
// per-generation idempotency key (the gateway transfers at most once per key),
// the order version check (of two racing workers exactly one transitions the
// order to executing), and the released-amount cap in the ledger (a release
// can never exceed held funds).
type Engine struct {
	orders   Store
	ledger   *ledger.Service
	escrow   *escrow.Service
	graph    *milestone.Graph
	gateway  ports.PayoutGateway
	notifier ports.Notifier
	claims   ClaimStore
	cases    CaseOpener
	cfg      Config
	logger   *slog.Logger
	metrics  *disbursementmetrics.Metrics
}

func NewEngine(
	orders Store,
	ledgerService *ledger.Service,
	escrowService *escrow.Service,
	graph *milestone.Graph,
	gateway ports.PayoutGateway,
	notifier ports.Notifier,
	claims ClaimStore,
	cases CaseOpener,
	cfg Config,
	logger *slog.Logger,
	metrics *disbursementmetrics.Metrics,
) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 30 * time.Second
	}
	return &Engine{
		orders:   orders,
		ledger:   ledgerService,
		escrow:   escrowService,
		graph:    graph,
		gateway:  gateway,
		notifier: notifier,
		claims:   claims,
		cases:    cases,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// TriggerForMilestone ensures an approved milestone has an order and pushes it
// forward. Idempotent: triggering an already-ordered or already-paid milestone
// is a no-op, never a second transfer.
func (e *Engine) TriggerForMilestone(ctx context.Context, milestoneID id.MilestoneID) error {
	claimed, err := e.claims.Claim(ctx, "trigger:"+milestoneID.String(), e.cfg.ClaimTTL)
	if err != nil {
		return derrors.Wrap(derrors.CodeInternal, "trigger claim failed", err)
	}
	if !claimed {
		// Another instance holds the trigger; its outcome is ours too.
		return nil
	}
	defer e.claims.Release(ctx, "trigger:"+milestoneID.String())

	m, err := e.graph.Milestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	switch m.Status {
	case milestone.StatusPaid:
		return nil
	case milestone.StatusApproved:
	default:
		return derrors.New(derrors.CodeIllegalTransition, "milestone is not approved for disbursement")
	}
	if err := e.ensureNextInLine(ctx, m.RecipientID, m.ID); err != nil {
		return err
	}

	if open, err := e.orders.OpenByMilestone(ctx, milestoneID); err == nil {
		return e.Execute(ctx, open.ID)
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return err
	}

	remaining, err := e.escrow.RemainingForMilestone(ctx, milestoneID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		// Fully released but the paid transition was lost; repair it.
		_, err := e.graph.Advance(ctx, milestoneID, milestone.StatusPaid)
		return err
	}

	_, currency, err := e.graph.RecipientProfile(ctx, m.RecipientID)
	if err != nil {
		return err
	}

	order, err := e.newGeneration(ctx, m, currency, remaining, 0, requestcontext.Now(ctx))
	if err != nil {
		return err
	}
	return e.Execute(ctx, order.ID)
}

// ensureNextInLine refuses to move money against any milestone other than the
// recipient's lowest-sequence unpaid one. Verification may run ahead of the
// payout cursor; disbursement must not.
func (e *Engine) ensureNextInLine(ctx context.Context, recipientID id.RecipientID, milestoneID id.MilestoneID) error {
	next, err := e.graph.NextPayable(ctx, recipientID)
	if err != nil {
		return err
	}
	if next.ID != milestoneID {
		return derrors.New(derrors.CodeIllegalTransition, "an earlier milestone is not yet paid")
	}
	return nil
}

// Execute runs one pending order through the gateway. Safe to call from any
// number of workers: the executing transition commits on exactly one of them.
func (e *Engine) Execute(ctx context.Context, orderID id.OrderID) error {
	start := time.Now()
	defer func() { e.metrics.ExecuteLatency.Observe(time.Since(start).Seconds()) }()

	claimed, err := e.claims.Claim(ctx, "order:"+orderID.String(), e.cfg.ClaimTTL)
	if err != nil {
		return derrors.Wrap(derrors.CodeInternal, "execution claim failed", err)
	}
	if !claimed {
		return nil
	}
	defer e.claims.Release(ctx, "order:"+orderID.String())

	o, err := e.orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPending {
		return nil
	}
	// Re-checked here, not just at trigger time: an order can sit pending for
	// a while and must never jump ahead of an earlier unpaid milestone.
	if err := e.ensureNextInLine(ctx, o.RecipientID, o.MilestoneID); err != nil {
		return err
	}

	available, err := e.escrow.AvailableForMilestone(ctx, o.MilestoneID)
	if err != nil {
		return err
	}
	now := requestcontext.Now(ctx)
	if available == 0 {
		// Unfunded; wait for contributions without burning an attempt.
		o.NextRetryAt = now.Add(e.cfg.BackoffBase)
		o.UpdatedAt = now
		if err := e.orders.Update(ctx, o); err != nil && !errors.Is(err, sentinel.ErrConflict) {
			return err
		}
		return nil
	}

	// Commit the executing transition before touching the gateway; the loser
	// of a race stops here.
	o.Status = StatusExecuting
	o.Amount = available
	o.Attempts++
	o.UpdatedAt = now
	if err := e.orders.Update(ctx, o); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil
		}
		return err
	}

	e.metrics.GatewayCalls.Inc()
	result, err := e.gateway.Payout(ctx, o.RecipientID.String(), available, o.Currency, o.IdemKey)
	if err != nil {
		// Outcome unknown. The order stays executing; the retrier reconciles
		// it through the gateway's status endpoint.
		o.LastError = err.Error()
		o.UpdatedAt = requestcontext.Now(ctx)
		if uerr := e.orders.Update(ctx, o); uerr != nil && !errors.Is(uerr, sentinel.ErrConflict) {
			e.logger.ErrorContext(ctx, "failed to record gateway error on order",
				"order_id", o.ID.String(), "error", uerr)
		}
		e.logger.WarnContext(ctx, "payout outcome unknown",
			"order_id", o.ID.String(),
			"milestone_id", o.MilestoneID.String(),
			"error", err,
		)
		return nil
	}

	if result.Settled {
		return e.commitSettlement(ctx, o, result.SettlementRef, available)
	}
	return e.closeAndRetry(ctx, o, result.Reason)
}

// RecoverStuck resolves an executing order whose gateway outcome was never
// observed by asking the gateway what it did with the idempotency key.
func (e *Engine) RecoverStuck(ctx context.Context, orderID id.OrderID) error {
	o, err := e.orders.Order(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusExecuting {
		return nil
	}

	status, err := e.gateway.Status(ctx, o.IdemKey)
	if err != nil {
		return err
	}
	e.metrics.StuckRecoveries.Inc()
	e.logger.InfoContext(ctx, "reconciling stuck order against gateway",
		"order_id", o.ID.String(),
		"settled", status.Settled,
		"known", status.Known,
	)
	if status.Known && status.Settled {
		// The transfer happened; only our record of it was lost.
		return e.commitSettlement(ctx, o, status.SettlementRef, o.Amount)
	}
	// The gateway never completed a transfer for this key. The key is burned
	// either way; close this generation and retry with a fresh one.
	return e.closeAndRetry(ctx, o, "gateway did not complete the transfer")
}

// commitSettlement records a confirmed transfer: ledger release, order close,
// and either the paid transition or a successor order for the remainder.
func (e *Engine) commitSettlement(ctx context.Context, o *Order, settlementRef string, amount id.Amount) error {
	now := requestcontext.Now(ctx)

	account, err := e.ledger.Account(ctx, o.RecipientID)
	if err != nil {
		return err
	}
	if _, err := e.ledger.Release(ctx, account.ID, o.MilestoneID, o.ID, amount); err != nil {
		// Money left the gateway but the ledger refused the release. Freeze
		// the order as settled with the error attached and hand the account
		// to a human.
		o.Status = StatusSettled
		o.SettlementRef = settlementRef
		o.AccountID = account.ID
		o.LastError = err.Error()
		o.UpdatedAt = now
		if uerr := e.orders.Update(ctx, o); uerr != nil {
			e.logger.ErrorContext(ctx, "failed to freeze settled order after release failure",
				"order_id", o.ID.String(), "error", uerr)
		}
		if cerr := e.cases.OpenCase(ctx, o.MilestoneID, o.ID, "gateway settled but ledger release failed: "+err.Error()); cerr != nil {
			e.logger.ErrorContext(ctx, "failed to open reconciliation case",
				"order_id", o.ID.String(), "error", cerr)
		}
		return err
	}

	o.Status = StatusSettled
	o.SettlementRef = settlementRef
	o.AccountID = account.ID
	o.Amount = amount
	o.LastError = ""
	o.UpdatedAt = now
	if err := e.orders.Update(ctx, o); err != nil {
		return err
	}

	e.metrics.OrdersSettled.Inc()
	e.metrics.SettledMinor.Add(float64(amount))
	e.logger.InfoContext(ctx, "payout settled",
		"order_id", o.ID.String(),
		"milestone_id", o.MilestoneID.String(),
		"amount", int64(amount),
		"settlement_ref", settlementRef,
		"generation", o.Generation,
	)

	remaining, err := e.escrow.RemainingForMilestone(ctx, o.MilestoneID)
	if err != nil {
		return err
	}
	if remaining == 0 {
		if _, err := e.graph.Advance(ctx, o.MilestoneID, milestone.StatusPaid); err != nil {
			e.logger.ErrorContext(ctx, "milestone paid transition failed after settlement",
				"milestone_id", o.MilestoneID.String(), "error", err)
			return err
		}
		// Recipient IDs double as platform user IDs for notification routing.
		e.notifier.Notify(ctx, id.UserID(o.RecipientID), "milestone.paid", map[string]string{
			"milestone_id":   o.MilestoneID.String(),
			"amount":         amount.String(),
			"settlement_ref": settlementRef,
		})
		// An approval ratified ahead of the payout cursor has been waiting on
		// this milestone; it is next in line now.
		if next, nerr := e.graph.NextPayable(ctx, o.RecipientID); nerr == nil && next.Status == milestone.StatusApproved {
			if terr := e.TriggerForMilestone(ctx, next.ID); terr != nil {
				e.logger.ErrorContext(ctx, "failed to trigger successor milestone",
					"milestone_id", next.ID.String(), "error", terr)
			}
		}
		return nil
	}

	// Partially funded milestone: the settled generation is closed, a fresh
	// one waits for the rest of the target.
	m, err := e.graph.Milestone(ctx, o.MilestoneID)
	if err != nil {
		return err
	}
	if _, err := e.newGeneration(ctx, m, o.Currency, remaining, 0, now.Add(e.cfg.BackoffBase)); err != nil {
		return err
	}
	e.notifier.Notify(ctx, id.UserID(o.RecipientID), "milestone.partially_paid", map[string]string{
		"milestone_id": o.MilestoneID.String(),
		"amount":       amount.String(),
		"remaining":    remaining.String(),
	})
	return nil
}

// closeAndRetry closes a declined generation and, if the attempt budget
// allows, schedules a successor with a fresh idempotency key.
func (e *Engine) closeAndRetry(ctx context.Context, o *Order, reason string) error {
	now := requestcontext.Now(ctx)
	o.Status = StatusFailed
	o.LastError = reason
	o.UpdatedAt = now
	if err := e.orders.Update(ctx, o); err != nil {
		return err
	}
	e.metrics.OrdersFailed.Inc()

	if o.Attempts >= e.cfg.MaxAttempts {
		e.metrics.OrdersEscalated.Inc()
		e.logger.ErrorContext(ctx, "payout retries exhausted, escalating",
			"order_id", o.ID.String(),
			"milestone_id", o.MilestoneID.String(),
			"attempts", o.Attempts,
			"reason", reason,
		)
		return e.cases.OpenCase(ctx, o.MilestoneID, o.ID, "payout retries exhausted: "+reason)
	}

	remaining, err := e.escrow.RemainingForMilestone(ctx, o.MilestoneID)
	if err != nil {
		return err
	}
	m, err := e.graph.Milestone(ctx, o.MilestoneID)
	if err != nil {
		return err
	}
	backoff := e.cfg.BackoffBase << (o.Attempts - 1)
	successor, err := e.newGeneration(ctx, m, o.Currency, remaining, o.Attempts, now.Add(backoff))
	if err != nil {
		return err
	}
	e.logger.WarnContext(ctx, "payout declined, retry scheduled",
		"order_id", o.ID.String(),
		"successor_id", successor.ID.String(),
		"attempts", o.Attempts,
		"retry_at", successor.NextRetryAt,
		"reason", reason,
	)
	return nil
}

// newGeneration creates the next order generation for a milestone. The caller
// must have closed any prior open order first.
func (e *Engine) newGeneration(ctx context.Context, m *milestone.Milestone, currency string, amount id.Amount, attempts int, retryAt time.Time) (*Order, error) {
	prior, err := e.orders.ListByMilestone(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	generation := len(prior) + 1
	now := requestcontext.Now(ctx)
	order := &Order{
		ID:          id.OrderID(uuid.New()),
		MilestoneID: m.ID,
		RecipientID: m.RecipientID,
		Amount:      amount,
		Currency:    currency,
		IdemKey:     IdempotencyKey(m.ID, generation),
		Generation:  generation,
		Status:      StatusPending,
		Attempts:    attempts,
		NextRetryAt: retryAt,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.orders.Create(ctx, order); err != nil {
		return nil, err
	}
	e.metrics.OrdersCreated.Inc()
	e.logger.InfoContext(ctx, "payout order created",
		"order_id", order.ID.String(),
		"milestone_id", m.ID.String(),
		"generation", generation,
		"amount", int64(amount),
	)
	return order, nil
}

// Order exposes a single order for the HTTP layer.
func (e *Engine) Order(ctx context.Context, orderID id.OrderID) (*Order, error) {
	o, err := e.orders.Order(ctx, orderID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, derrors.New(derrors.CodeNotFound, "order not found")
		}
		return nil, err
	}
	return o, nil
}

// OrdersForMilestone exposes a milestone's full generation history.
func (e *Engine) OrdersForMilestone(ctx context.Context, milestoneID id.MilestoneID) ([]*Order, error) {
	return e.orders.ListByMilestone(ctx, milestoneID)
}
