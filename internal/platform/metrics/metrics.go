package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the process-level Prometheus metrics. Module-specific
// counters live in per-module metrics packages.
type Metrics struct {
	RequestLatency *prometheus.HistogramVec
}

// New creates the platform metrics on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestLatency: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "almoner_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}
