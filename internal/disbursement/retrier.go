package disbursement

import (
	"context"
	"log/slog"
	"time"
)

// RetrierConfig bounds the background retry loop.
type RetrierConfig struct {
	PollInterval time.Duration
	// ExecutingTimeout is how long an executing order may sit untouched
	// before it is reconciled against the gateway.
	ExecutingTimeout time.Duration
	BatchLimit       int
}

// Retrier drives pending orders forward and reconciles stuck ones. One loop
// per process; cross-process duplication is absorbed by the engine's claims
// and version checks.
type Retrier struct {
	engine *Engine
	orders Store
	cfg    RetrierConfig
	logger *slog.Logger
}

func NewRetrier(engine *Engine, orders Store, cfg RetrierConfig, logger *slog.Logger) *Retrier {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.ExecutingTimeout <= 0 {
		cfg.ExecutingTimeout = 2 * time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 50
	}
	return &Retrier{engine: engine, orders: orders, cfg: cfg, logger: logger}
}

// Run blocks until ctx is canceled.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.InfoContext(ctx, "disbursement retrier started",
		"poll_interval", r.cfg.PollInterval,
		"executing_timeout", r.cfg.ExecutingTimeout,
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "disbursement retrier stopped")
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one poll cycle. Exported so tests can step the loop directly.
func (r *Retrier) Tick(ctx context.Context) {
	now := time.Now()

	due, err := r.orders.Due(ctx, now, r.cfg.BatchLimit)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list due orders", "error", err)
	}
	for _, o := range due {
		if err := r.engine.Execute(ctx, o.ID); err != nil {
			r.logger.ErrorContext(ctx, "order execution failed",
				"order_id", o.ID.String(), "error", err)
		}
	}

	stuck, err := r.orders.StuckExecuting(ctx, now.Add(-r.cfg.ExecutingTimeout), r.cfg.BatchLimit)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to list stuck orders", "error", err)
	}
	for _, o := range stuck {
		if err := r.engine.RecoverStuck(ctx, o.ID); err != nil {
			r.logger.ErrorContext(ctx, "stuck order recovery failed",
				"order_id", o.ID.String(), "error", err)
		}
	}
}
