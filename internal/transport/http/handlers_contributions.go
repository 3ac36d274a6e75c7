package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"almoner/internal/contributions"
	"almoner/internal/ledger"
	"almoner/internal/reconciliation"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
	"almoner/pkg/requestcontext"
)

// ContributionsHandler covers the donor-facing money-in endpoints.
type ContributionsHandler struct {
	contributions  *contributions.Service
	ledger         *ledger.Service
	reconciliation *reconciliation.Service
	logger         *slog.Logger
}

func NewContributionsHandler(
	contributionsService *contributions.Service,
	ledgerService *ledger.Service,
	reconciliationService *reconciliation.Service,
	logger *slog.Logger,
) *ContributionsHandler {
	return &ContributionsHandler{
		contributions:  contributionsService,
		ledger:         ledgerService,
		reconciliation: reconciliationService,
		logger:         logger,
	}
}

func (h *ContributionsHandler) Register(r chi.Router) {
	r.Post("/contributions", h.handleContribute)
	r.Get("/contributions/{contributionID}", h.handleGetContribution)
	r.Post("/contributions/{contributionID}/refund", h.handleRefund)
}

type contributeRequest struct {
	RecipientID   string `json:"recipient_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	PaymentMethod string `json:"payment_method"`
	ClientRef     string `json:"client_ref"`
}

func (h *ContributionsHandler) handleContribute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req contributeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	recipientID, err := id.ParseRecipientID(req.RecipientID)
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid recipient id"))
		return
	}

	contribution, err := h.contributions.Contribute(ctx,
		requestcontext.UserID(ctx), recipientID, id.Amount(req.Amount),
		req.Currency, req.PaymentMethod, req.ClientRef)
	if err != nil {
		h.logger.WarnContext(ctx, "contribution rejected",
			"recipient_id", req.RecipientID,
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContributionResponse(contribution))
}

func (h *ContributionsHandler) handleGetContribution(w http.ResponseWriter, r *http.Request) {
	contributionID, err := id.ParseContributionID(chi.URLParam(r, "contributionID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid contribution id"))
		return
	}
	contribution, err := h.ledger.Contribution(r.Context(), contributionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toContributionResponse(contribution))
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

func (h *ContributionsHandler) handleRefund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	contributionID, err := id.ParseContributionID(chi.URLParam(r, "contributionID"))
	if err != nil {
		writeError(w, derrors.New(derrors.CodeBadRequest, "invalid contribution id"))
		return
	}
	var req refundRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}

	receipt, err := h.reconciliation.RequestRefund(ctx, contributionID, id.Amount(req.Amount))
	if err != nil {
		h.logger.WarnContext(ctx, "refund rejected",
			"contribution_id", contributionID.String(),
			"error", err.Error(),
			"request_id", requestcontext.RequestID(ctx),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRefundResponse(receipt))
}
