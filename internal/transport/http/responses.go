package httptransport

import (
	"time"

	"almoner/internal/disbursement"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	"almoner/internal/milestone"
	"almoner/internal/reconciliation"
	"almoner/internal/verification"
)

type contributionResponse struct {
	ID          string `json:"id"`
	DonorID     string `json:"donor_id"`
	RecipientID string `json:"recipient_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Refunded    int64  `json:"refunded"`
	CreatedAt   string `json:"created_at"`
}

func toContributionResponse(c *ledger.Contribution) contributionResponse {
	return contributionResponse{
		ID:          c.ID.String(),
		DonorID:     c.DonorID.String(),
		RecipientID: c.RecipientID.String(),
		Amount:      int64(c.Amount),
		Currency:    c.Currency,
		Status:      string(c.Status),
		Refunded:    int64(c.Refunded),
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
	}
}

type milestoneResponse struct {
	ID            string `json:"id"`
	RecipientID   string `json:"recipient_id"`
	Sequence      int    `json:"sequence"`
	TargetBps     int32  `json:"target_bps"`
	TargetAmount  int64  `json:"target_amount"`
	Status        string `json:"status"`
	EvidenceCount int    `json:"required_evidence_count"`
	ReplacesID    string `json:"replaces_id,omitempty"`
	ReplacedByID  string `json:"replaced_by_id,omitempty"`
}

func toMilestoneResponse(m *milestone.Milestone) milestoneResponse {
	resp := milestoneResponse{
		ID:            m.ID.String(),
		RecipientID:   m.RecipientID.String(),
		Sequence:      m.Sequence,
		TargetBps:     int32(m.TargetBps),
		TargetAmount:  int64(m.TargetAmount),
		Status:        string(m.Status),
		EvidenceCount: m.RequiredEvidenceCount,
	}
	if !m.ReplacesID.IsZero() {
		resp.ReplacesID = m.ReplacesID.String()
	}
	if !m.ReplacedByID.IsZero() {
		resp.ReplacedByID = m.ReplacedByID.String()
	}
	return resp
}

type onboardResponse struct {
	RecipientID string              `json:"recipient_id"`
	Budget      int64               `json:"budget"`
	Currency    string              `json:"currency"`
	Milestones  []milestoneResponse `json:"milestones"`
}

type progressMilestone struct {
	Milestone milestoneResponse `json:"milestone"`
	Released  int64             `json:"released"`
}

type progressResponse struct {
	RecipientID string              `json:"recipient_id"`
	Budget      int64               `json:"budget"`
	Held        int64               `json:"held"`
	Released    int64               `json:"released"`
	Refunded    int64               `json:"refunded"`
	Milestones  []progressMilestone `json:"milestones"`
}

func toProgressResponse(p *escrow.Progress) progressResponse {
	resp := progressResponse{
		RecipientID: p.Account.RecipientID.String(),
		Budget:      int64(p.Budget),
		Held:        int64(p.Account.HeldTotal),
		Released:    int64(p.Account.ReleasedTotal),
		Refunded:    int64(p.Account.RefundedTotal),
	}
	for _, mp := range p.Milestones {
		resp.Milestones = append(resp.Milestones, progressMilestone{
			Milestone: toMilestoneResponse(mp.Milestone),
			Released:  int64(mp.Released),
		})
	}
	return resp
}

type reportResponse struct {
	ID          string   `json:"id"`
	MilestoneID string   `json:"milestone_id"`
	AgentID     string   `json:"agent_id"`
	Outcome     string   `json:"outcome"`
	Evidence    []string `json:"evidence"`
	Narrative   string   `json:"narrative,omitempty"`
	RatifiedBy  string   `json:"ratified_by,omitempty"`
	Decision    string   `json:"decision,omitempty"`
	SubmittedAt string   `json:"submitted_at"`
}

func toReportResponse(r *verification.Report) reportResponse {
	resp := reportResponse{
		ID:          r.ID.String(),
		MilestoneID: r.MilestoneID.String(),
		AgentID:     r.AgentID.String(),
		Outcome:     string(r.Outcome),
		Evidence:    r.Evidence,
		Narrative:   r.Narrative,
		SubmittedAt: r.SubmittedAt.Format(time.RFC3339),
	}
	if r.Ratified() {
		resp.RatifiedBy = r.RatifiedBy.String()
		resp.Decision = string(r.Decision)
	}
	return resp
}

type orderResponse struct {
	ID            string `json:"id"`
	MilestoneID   string `json:"milestone_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Generation    int    `json:"generation"`
	Status        string `json:"status"`
	Attempts      int    `json:"attempts"`
	SettlementRef string `json:"settlement_ref,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

func toOrderResponse(o *disbursement.Order) orderResponse {
	return orderResponse{
		ID:            o.ID.String(),
		MilestoneID:   o.MilestoneID.String(),
		Amount:        int64(o.Amount),
		Currency:      o.Currency,
		Generation:    o.Generation,
		Status:        string(o.Status),
		Attempts:      o.Attempts,
		SettlementRef: o.SettlementRef,
		LastError:     o.LastError,
	}
}

type caseResponse struct {
	ID          string `json:"id"`
	MilestoneID string `json:"milestone_id"`
	OrderID     string `json:"order_id"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	Resolution  string `json:"resolution,omitempty"`
	Note        string `json:"note,omitempty"`
	OpenedAt    string `json:"opened_at"`
}

func toCaseResponse(c *reconciliation.Case) caseResponse {
	return caseResponse{
		ID:          c.ID.String(),
		MilestoneID: c.MilestoneID.String(),
		OrderID:     c.OrderID.String(),
		Reason:      c.Reason,
		Status:      string(c.Status),
		Resolution:  string(c.Resolution),
		Note:        c.Note,
		OpenedAt:    c.OpenedAt.Format(time.RFC3339),
	}
}

type refundResponse struct {
	ContributionID string `json:"contribution_id"`
	Amount         int64  `json:"amount"`
	Remaining      int64  `json:"remaining"`
}

func toRefundResponse(r *ledger.RefundReceipt) refundResponse {
	return refundResponse{
		ContributionID: r.ContributionID.String(),
		Amount:         int64(r.Amount),
		Remaining:      int64(r.Remaining),
	}
}
