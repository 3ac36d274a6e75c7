package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the verification workflow's Prometheus metrics.
type Metrics struct {
	ReportsSubmitted prometheus.Counter
	Ratifications    *prometheus.CounterVec
}

// New creates the verification metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ReportsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "almoner_verification_reports_total",
			Help: "Verification reports submitted by monitoring agents",
		}),
		Ratifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "almoner_verification_ratifications_total",
			Help: "Report ratifications by decision",
		}, []string{"decision"}),
	}
}
