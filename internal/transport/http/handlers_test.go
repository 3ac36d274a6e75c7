package httptransport

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"almoner/internal/adapters/evidence"
	"almoner/internal/adapters/identity"
	"almoner/internal/adapters/notify"
	"almoner/internal/adapters/payments"
	"almoner/internal/audit"
	"almoner/internal/contributions"
	"almoner/internal/disbursement"
	disbursementmetrics "almoner/internal/disbursement/metrics"
	"almoner/internal/escrow"
	"almoner/internal/ledger"
	ledgermetrics "almoner/internal/ledger/metrics"
	"almoner/internal/milestone"
	platformmetrics "almoner/internal/platform/metrics"
	"almoner/internal/reconciliation"
	"almoner/internal/token"
	"almoner/internal/verification"
	verificationmetrics "almoner/internal/verification/metrics"
	id "almoner/pkg/domain"
)

// =============================================================================
// HTTP Handler Test Suite
// =============================================================================
// Justification for handler tests: every service runs on its in-memory store,
// so the suite exercises the full request path end to end: token validation,
// role gates, JSON mapping, and the error envelope, with no transport doubles
// between the router and the domain.

type HandlerSuite struct {
	suite.Suite
	server    *httptest.Server
	validator *token.Validator
	directory *identity.InMemoryDirectory
	gateway   *payments.FakePayoutGateway

	donorToken string
	agentToken string
	adminToken string
	donorID    id.UserID
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()

	milestoneStore := milestone.NewInMemoryStore()
	graph := milestone.NewGraph(milestoneStore, logger)
	ledgerStore := ledger.NewInMemoryStore()
	ledgerSvc := ledger.NewService(ledgerStore, graph, logger, ledgermetrics.New(registry))
	escrowSvc := escrow.NewService(ledgerStore, milestoneStore, logger)

	s.directory = identity.NewInMemoryDirectory()
	notifier := notify.NewInMemory()
	auditPublisher := audit.NewPublisher(audit.NewInMemoryStore())
	s.gateway = payments.NewFakePayout()

	reconciliationSvc := reconciliation.NewService(
		reconciliation.NewInMemoryStore(), ledgerSvc, escrowSvc, graph,
		s.directory, notifier, auditPublisher, logger)
	engine := disbursement.NewEngine(
		disbursement.NewInMemoryStore(), ledgerSvc, escrowSvc, graph,
		s.gateway, notifier, disbursement.NewMemoryClaims(), reconciliationSvc,
		disbursement.Config{MaxAttempts: 3, BackoffBase: time.Millisecond},
		logger, disbursementmetrics.New(registry))
	reconciliationSvc.AttachDisburser(engine)

	verificationSvc := verification.NewService(
		verification.NewInMemoryStore(), graph, evidence.NewInMemoryStore(),
		s.directory, notifier, engine, logger, verificationmetrics.New(registry))
	contributionsSvc := contributions.NewService(
		payments.NewFakeCapture(), ledgerSvc, notifier, logger)

	s.validator = token.NewValidator("test-signing-key")
	router := NewRouter(Dependencies{
		Logger:        logger,
		Metrics:       platformmetrics.New(registry),
		Validator:     s.validator,
		Gatherer:      registry,
		Contributions: NewContributionsHandler(contributionsSvc, ledgerSvc, reconciliationSvc, logger),
		Recipients:    NewRecipientsHandler(graph, escrowSvc, logger),
		Verification:  NewVerificationHandler(verificationSvc, logger),
		Admin:         NewAdminHandler(graph, engine, reconciliationSvc, auditPublisher, logger),
	})
	s.server = httptest.NewServer(router)
	s.T().Cleanup(s.server.Close)

	s.donorID = id.UserID(uuid.New())
	agentID := id.UserID(uuid.New())
	adminID := id.UserID(uuid.New())
	s.directory.Assign(s.donorID, id.RoleDonor)
	s.directory.Assign(agentID, id.RoleAgent)
	s.directory.Assign(adminID, id.RoleAdmin)

	var err error
	s.donorToken, err = s.validator.Sign(s.donorID, []id.Role{id.RoleDonor})
	s.Require().NoError(err)
	s.agentToken, err = s.validator.Sign(agentID, []id.Role{id.RoleAgent})
	s.Require().NoError(err)
	s.adminToken, err = s.validator.Sign(adminID, []id.Role{id.RoleAdmin})
	s.Require().NoError(err)
}

func (s *HandlerSuite) do(method, path, bearer string, body any) *http.Response {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequest(method, s.server.URL+path, reader)
	s.Require().NoError(err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.server.Client().Do(req)
	s.Require().NoError(err)
	return resp
}

func (s *HandlerSuite) decodeBody(resp *http.Response, into any) {
	defer resp.Body.Close()
	s.Require().NoError(json.NewDecoder(resp.Body).Decode(into))
}

func (s *HandlerSuite) onboard() (string, []string) {
	resp := s.do(http.MethodPost, "/recipients", s.adminToken, map[string]any{
		"type":     "student",
		"currency": "EUR",
		"budget":   100_000,
		"milestones": []map[string]any{
			{"sequence": 1, "target_bps": 3000, "required_evidence_count": 1},
			{"sequence": 2, "target_bps": 7000, "required_evidence_count": 1},
		},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var created onboardResponse
	s.decodeBody(resp, &created)

	milestoneIDs := make([]string, 0, len(created.Milestones))
	for _, m := range created.Milestones {
		milestoneIDs = append(milestoneIDs, m.ID)
	}
	return created.RecipientID, milestoneIDs
}

func (s *HandlerSuite) contribute(recipientID string, amount int64, clientRef string) contributionResponse {
	resp := s.do(http.MethodPost, "/contributions", s.donorToken, map[string]any{
		"recipient_id":   recipientID,
		"amount":         amount,
		"currency":       "EUR",
		"payment_method": "card_tok_visa",
		"client_ref":     clientRef,
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var created contributionResponse
	s.decodeBody(resp, &created)
	return created
}

// =============================================================================
// Authentication and Authorization Tests
// =============================================================================

func (s *HandlerSuite) TestAuthRequired() {
	resp := s.do(http.MethodPost, "/contributions", "", map[string]any{})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(http.MethodPost, "/contributions", "not-a-token", map[string]any{})
	s.Equal(http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func (s *HandlerSuite) TestAdminSurfaceRequiresAdminRole() {
	resp := s.do(http.MethodGet, "/admin/cases", s.donorToken, nil)
	s.Equal(http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func (s *HandlerSuite) TestDonorCannotOnboard() {
	resp := s.do(http.MethodPost, "/recipients", s.donorToken, map[string]any{
		"type": "student", "currency": "EUR", "budget": 1000,
	})
	s.Equal(http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// The full path a donation takes: onboarding, contributions, a verification
// report, ratification, and the resulting payout, all through the public API.
func (s *HandlerSuite) TestDonationLifecycle() {
	recipientID, milestoneIDs := s.onboard()

	s.contribute(recipientID, 40_000, "ref_a")
	s.contribute(recipientID, 30_000, "ref_b")
	s.contribute(recipientID, 30_000, "ref_c")

	resp := s.do(http.MethodPost, "/milestones/"+milestoneIDs[0]+"/reports", s.agentToken, map[string]any{
		"outcome":   "approve",
		"narrative": "first term completed",
		"evidence":  []string{"cGhvdG8="},
	})
	s.Require().Equal(http.StatusCreated, resp.StatusCode)
	var report reportResponse
	s.decodeBody(resp, &report)
	s.Empty(report.RatifiedBy)

	resp = s.do(http.MethodPost, "/reports/"+report.ID+"/ratify", s.adminToken, map[string]any{
		"decision": "approve",
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var ratified reportResponse
	s.decodeBody(resp, &ratified)
	s.NotEmpty(ratified.RatifiedBy)

	resp = s.do(http.MethodGet, "/recipients/"+recipientID+"/progress", s.donorToken, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var progress progressResponse
	s.decodeBody(resp, &progress)
	s.Equal(int64(30_000), progress.Released)
	s.Equal(int64(70_000), progress.Held)
	s.Require().Len(progress.Milestones, 2)
	s.Equal("paid", progress.Milestones[0].Milestone.Status)
	s.Equal("pending", progress.Milestones[1].Milestone.Status)

	resp = s.do(http.MethodGet, "/milestones/"+milestoneIDs[0]+"/orders", s.adminToken, nil)
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var orders []orderResponse
	s.decodeBody(resp, &orders)
	s.Require().Len(orders, 1)
	s.Equal("settled", orders[0].Status)
	s.Equal(int64(30_000), orders[0].Amount)
}

func (s *HandlerSuite) TestRefundFlow() {
	recipientID, _ := s.onboard()
	contribution := s.contribute(recipientID, 50_000, "ref_a")

	resp := s.do(http.MethodPost, "/contributions/"+contribution.ID+"/refund", s.donorToken, map[string]any{
		"amount": 20_000,
	})
	s.Require().Equal(http.StatusOK, resp.StatusCode)
	var refund refundResponse
	s.decodeBody(resp, &refund)
	s.Equal(int64(20_000), refund.Amount)
	s.Equal(int64(30_000), refund.Remaining)

	resp = s.do(http.MethodPost, "/contributions/"+contribution.ID+"/refund", s.donorToken, map[string]any{
		"amount": 99_000,
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	var envelope map[string]string
	s.decodeBody(resp, &envelope)
	s.Equal("refund_exceeds_contribution", envelope["error"])
}

func (s *HandlerSuite) TestValidationErrors() {
	resp := s.do(http.MethodPost, "/contributions", s.donorToken, map[string]any{
		"recipient_id": "not-a-uuid", "amount": 100, "currency": "EUR", "client_ref": "r",
	})
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(http.MethodGet, "/contributions/"+uuid.NewString(), s.donorToken, nil)
	s.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func (s *HandlerSuite) TestHealthAndMetricsAreUnauthenticated() {
	resp, err := s.server.Client().Get(s.server.URL + "/healthz")
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = s.server.Client().Get(s.server.URL + "/metrics")
	s.Require().NoError(err)
	s.Equal(http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}
