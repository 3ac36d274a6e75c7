package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"almoner/internal/verification"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/requestcontext"
)

// VerificationHandler covers report submission and ratification.
type VerificationHandler struct {
	verification *verification.Service
	logger       *slog.Logger
}

func NewVerificationHandler(verificationService *verification.Service, logger *slog.Logger) *VerificationHandler {
	return &VerificationHandler{verification: verificationService, logger: logger}
}

func (h *VerificationHandler) Register(r chi.Router) {
	r.Post("/milestones/{milestoneID}/reports", h.handleSubmitReport)
	r.Get("/milestones/{milestoneID}/reports", h.handleListReports)
	r.Post("/reports/{reportID}/ratify", h.handleRatify)
}

type submitReportRequest struct {
	Outcome   string `json:"outcome"`
	Narrative string `json:"narrative"`
	// Evidence files travel base64-encoded in JSON.
	Evidence [][]byte `json:"evidence"`
}

func (h *VerificationHandler) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid milestone id"))
		return
	}
	var req submitReportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	report, err := h.verification.SubmitReport(ctx, milestoneID,
		verification.Outcome(req.Outcome), req.Evidence, req.Narrative)
	if err != nil {
		h.logger.WarnContext(ctx, "report rejected",
			"milestone_id", milestoneID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReportResponse(report))
}

func (h *VerificationHandler) handleListReports(w http.ResponseWriter, r *http.Request) {
	milestoneID, err := id.ParseMilestoneID(chi.URLParam(r, "milestoneID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid milestone id"))
		return
	}
	reports, err := h.verification.ListByMilestone(r.Context(), milestoneID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]reportResponse, 0, len(reports))
	for _, report := range reports {
		out = append(out, toReportResponse(report))
	}
	writeJSON(w, http.StatusOK, out)
}

type ratifyRequest struct {
	Decision string `json:"decision"`
}

func (h *VerificationHandler) handleRatify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reportID, err := id.ParseReportID(chi.URLParam(r, "reportID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid report id"))
		return
	}
	var req ratifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	report, err := h.verification.Ratify(ctx, reportID, verification.Outcome(req.Decision))
	if err != nil {
		h.logger.WarnContext(ctx, "ratification rejected",
			"report_id", reportID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportResponse(report))
}
