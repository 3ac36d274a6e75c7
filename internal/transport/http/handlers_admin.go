package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"almoner/internal/audit"
	"almoner/internal/disbursement"
	"almoner/internal/milestone"
	"almoner/internal/reconciliation"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/requestcontext"
)

// AdminHandler covers the operator surface: supersession, manual disbursement
// triggers, case resolution, clawbacks, and the audit trail.
type AdminHandler struct {
	graph          *milestone.Graph
	engine         *disbursement.Engine
	reconciliation *reconciliation.Service
	audit          *audit.Publisher
	logger         *slog.Logger
}

func NewAdminHandler(
	graph *milestone.Graph,
	engine *disbursement.Engine,
	reconciliationService *reconciliation.Service,
	auditPublisher *audit.Publisher,
	logger *slog.Logger,
) *AdminHandler {
	return &AdminHandler{
		graph:          graph,
		engine:         engine,
		reconciliation: reconciliationService,
		audit:          auditPublisher,
		logger:         logger,
	}
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Post("/milestones/{milestoneID}/supersede", h.handleSupersede)
	r.Post("/milestones/{milestoneID}/disburse", h.handleDisburse)
	r.Get("/milestones/{milestoneID}/orders", h.handleOrders)
	r.Get("/admin/cases", h.handleListCases)
	r.Post("/admin/cases/{caseID}/resolve", h.handleResolveCase)
	r.Post("/admin/contributions/{contributionID}/clawback", h.handleClawback)
	r.Get("/admin/audit", h.handleAuditTrail)
}

type supersedeRequest struct {
	RequiredEvidenceCount int `json:"required_evidence_count"`
}

func (h *AdminHandler) handleSupersede(w http.ResponseWriter, r *http.Request) {
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid milestone id"))
		return
	}
	var req supersedeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	replacement, err := h.graph.Supersede(r.Context(), milestoneID, req.RequiredEvidenceCount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMilestoneResponse(replacement))
}

// handleDisburse re-triggers a milestone's payout. Safe to call repeatedly;
// the engine guarantees at most one transfer per generation.
func (h *AdminHandler) handleDisburse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid milestone id"))
		return
	}
	if err := h.engine.TriggerForMilestone(ctx, milestoneID); err != nil {
		h.logger.WarnContext(ctx, "manual disbursement trigger failed",
			"milestone_id", milestoneID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *AdminHandler) handleOrders(w http.ResponseWriter, r *http.Request) {
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid milestone id"))
		return
	}
	orders, err := h.engine.OrdersForMilestone(r.Context(), milestoneID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) handleListCases(w http.ResponseWriter, r *http.Request) {
	cases, err := h.reconciliation.Cases(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]caseResponse, 0, len(cases))
	for _, c := range cases {
		out = append(out, toCaseResponse(c))
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveCaseRequest struct {
	Resolution string `json:"resolution"`
	Note       string `json:"note"`
}

func (h *AdminHandler) handleResolveCase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	caseID, err := id.ParseCaseID(chi.URLParam(r, "caseID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid case id"))
		return
	}
	var req resolveCaseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resolved, err := h.reconciliation.ResolveCase(ctx, caseID,
		reconciliation.Resolution(req.Resolution), req.Note)
	if err != nil {
		h.logger.WarnContext(ctx, "case resolution rejected",
			"case_id", caseID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(resolved))
}

type clawbackRequest struct {
	Amount int64  `json:"amount"`
	Note   string `json:"note"`
}

func (h *AdminHandler) handleClawback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contributionID, err := id.ParseContributionID(chi.URLParam(r, "contributionID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid contribution id"))
		return
	}
	var req clawbackRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	receipt, err := h.reconciliation.Clawback(ctx, contributionID, id.Amount(req.Amount), req.Note)
	if err != nil {
		h.logger.WarnContext(ctx, "clawback rejected",
			"contribution_id", contributionID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundResponse(receipt))
}

func (h *AdminHandler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	subject := r.URL.Query().Get("subject")
	if subject == "" {
		writeError(w, derrors.New(derrors.CodeBadRequest, "a subject query parameter is required"))
		return
	}
	events, err := h.audit.ListBySubject(r.Context(), subject)
	if err != nil {
		writeError(w, err)
		return
	}
	type auditEventResponse struct {
		Timestamp string `json:"timestamp"`
		ActorID   string `json:"actor_id"`
		Action    string `json:"action"`
		Subject   string `json:"subject"`
		Amount    int64  `json:"amount,omitempty"`
		Note      string `json:"note,omitempty"`
	}
	out := make([]auditEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventResponse{
			Timestamp: e.Timestamp.Format(time.RFC3339),
			ActorID:   e.ActorID.String(),
			Action:    e.Action,
			Subject:   e.Subject,
			Amount:    int64(e.Amount),
			Note:      e.Note,
		})
	}
	writeJSON(w, http.StatusOK, out)
}
