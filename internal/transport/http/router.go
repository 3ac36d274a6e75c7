package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"almoner/internal/platform/metrics"
	"almoner/internal/platform/middleware"
	id "almoner/pkg/domain"
)

// Dependencies carries everything the router wires together. Handlers are
// registered per area; the admin surface additionally requires the admin role
// at the routing layer before services re-check through the identity port.
type Dependencies struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Validator middleware.TokenValidator
	Gatherer  prometheus.Gatherer

	Contributions *ContributionsHandler
	Recipients    *RecipientsHandler
	Verification  *VerificationHandler
	Admin         *AdminHandler

	// Health reports storage connectivity for the readiness probe.
	Health func(ctx context.Context) error
}

func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RequestTime)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Latency(deps.Metrics))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if deps.Health != nil {
			if err := deps.Health(req.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(middleware.ContentTypeJSON)
		r.Use(middleware.RequireAuth(deps.Validator, deps.Logger))

		deps.Contributions.Register(r)
		deps.Recipients.Register(r)
		deps.Verification.Register(r)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(id.RoleAdmin, deps.Logger))
			deps.Admin.Register(r)
		})
	})

	return r
}
