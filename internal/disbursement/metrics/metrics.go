package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the disbursement engine's Prometheus metrics.
type Metrics struct {
	OrdersCreated    prometheus.Counter
	GatewayCalls     prometheus.Counter
	OrdersSettled    prometheus.Counter
	SettledMinor     prometheus.Counter
	OrdersFailed     prometheus.Counter
	OrdersEscalated  prometheus.Counter
	StuckRecoveries  prometheus.Counter
	ExecuteLatency   prometheus.Histogram
}

// New creates the disbursement metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_orders_total",
			Help: "Payout order generations created",
		}),
		GatewayCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_gateway_calls_total",
			Help: "Payout calls that reached the gateway",
		}),
		OrdersSettled: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_settled_total",
			Help: "Payout orders settled by the gateway",
		}),
		SettledMinor: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_settled_minor_units_total",
			Help: "Sum of settled payout amounts in minor currency units",
		}),
		OrdersFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_failed_total",
			Help: "Payout order generations closed as failed",
		}),
		OrdersEscalated: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_escalated_total",
			Help: "Orders escalated to manual reconciliation after exhausting retries",
		}),
		StuckRecoveries: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_disbursement_stuck_recoveries_total",
			Help: "Executing orders reconciled through the gateway status endpoint",
		}),
		ExecuteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "almoner_disbursement_execute_duration_seconds",
			Help:    "Duration of a single order execution including the gateway call",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}
