package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"almoner/internal/escrow"
	"almoner/internal/milestone"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/requestcontext"
)

// RecipientsHandler covers onboarding and the read-side progress views.
type RecipientsHandler struct {
	graph  *milestone.Graph
	escrow *escrow.Service
	logger *slog.Logger
}

func NewRecipientsHandler(graph *milestone.Graph, escrowService *escrow.Service, logger *slog.Logger) *RecipientsHandler {
	return &RecipientsHandler{graph: graph, escrow: escrowService, logger: logger}
}

func (h *RecipientsHandler) Register(r chi.Router) {
	r.Post("/recipients", h.handleOnboard)
	r.Get("/recipients/{recipientID}/progress", h.handleProgress)
	r.Get("/recipients/{recipientID}/milestones", h.handleMilestones)
}

type milestoneSpecRequest struct {
	Sequence              int   `json:"sequence"`
	TargetBps             int32 `json:"target_bps"`
	RequiredEvidenceCount int   `json:"required_evidence_count"`
}

type onboardRequest struct {
	RecipientID string                 `json:"recipient_id,omitempty"`
	Type        string                 `json:"type"`
	Currency    string                 `json:"currency"`
	Budget      int64                  `json:"budget"`
	Milestones  []milestoneSpecRequest `json:"milestones"`
}

// handleOnboard creates a recipient with their full milestone schedule. Admin
// or NGO only; donors never define payout conditions.
func (h *RecipientsHandler) handleOnboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !requestcontext.HasRole(ctx, id.RoleAdmin) && !requestcontext.HasRole(ctx, id.RoleNGO) {
		writeError(w, derrors.New(derrors.CodeForbidden, "admin or ngo role required"))
		return
	}

	var req onboardRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	recipientID := id.RecipientID(uuid.New())
	if req.RecipientID != "" {
		parsed, err := id.ParseRecipientID(req.RecipientID)
		if err != nil {
			writeError(w, derrors.New(derrors.CodeBadRequest, "invalid recipient id"))
			return
		}
		recipientID = parsed
	}

	specs := make([]milestone.Spec, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		specs = append(specs, milestone.Spec{
			Sequence:              m.Sequence,
			TargetBps:             id.BasisPoints(m.TargetBps),
			RequiredEvidenceCount: m.RequiredEvidenceCount,
		})
	}

	recipient, milestones, err := h.graph.CreateSchedule(ctx, recipientID,
		id.RecipientType(req.Type), req.Currency, id.Amount(req.Budget), specs)
	if err != nil {
		h.logger.WarnContext(ctx, "onboarding rejected",
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}

	resp := onboardResponse{
		RecipientID: recipient.ID.String(),
		Budget:      int64(recipient.Budget),
		Currency:    recipient.Currency,
	}
	for _, m := range milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *RecipientsHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	recipientID, err := id.ParseRecipientID(chi.URLParam(r, "recipientID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid recipient id"))
		return
	}
	progress, err := h.escrow.RecipientProgress(r.Context(), recipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProgressResponse(progress))
}

func (h *RecipientsHandler) handleMilestones(w http.ResponseWriter, r *http.Request) {
	recipientID, err := id.ParseRecipientID(chi.URLParam(r, "recipientID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid recipient id"))
		return
	}
	milestones, err := h.graph.ListByRecipient(r.Context(), recipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]milestoneResponse, 0, len(milestones))
	for _, m := range milestones {
		out = append(out, toMilestoneResponse(m))
	}
	writeJSON(w, http.StatusOK, out)
}
