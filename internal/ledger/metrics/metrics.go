package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus metrics.
type Metrics struct {
	ContributionsRecorded prometheus.Counter
	ContributedMinorUnits prometheus.Counter
	ReleasesExecuted      prometheus.Counter
	ReleasedMinorUnits    prometheus.Counter
	RefundsIssued         prometheus.Counter
	RefundedMinorUnits    prometheus.Counter
	ClawbacksExecuted     prometheus.Counter
	InvariantViolations   prometheus.Counter
}

// New creates the ledger metrics on the given registerer. Tests pass a fresh
// prometheus.NewRegistry to avoid cross-test registration collisions.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ContributionsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_contributions_total",
			Help: "Contributions recorded against escrow accounts",
		}),
		ContributedMinorUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_contributed_minor_units_total",
			Help: "Sum of contribution amounts in minor currency units",
		}),
		ReleasesExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_releases_total",
			Help: "Ledger release operations executed",
		}),
		ReleasedMinorUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_released_minor_units_total",
			Help: "Sum of released amounts in minor currency units",
		}),
		RefundsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_refunds_total",
			Help: "Refunds issued against held funds",
		}),
		RefundedMinorUnits: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_refunded_minor_units_total",
			Help: "Sum of refunded amounts in minor currency units",
		}),
		ClawbacksExecuted: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_clawbacks_total",
			Help: "Compensating clawback entries against released funds",
		}),
		InvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_ledger_invariant_violations_total",
			Help: "Release attempts that violated the held-funds invariant",
		}),
	}
}
