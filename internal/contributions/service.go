// Package contributions ingests donor payments: charge the payment method
// through the capture gateway, then record the captured funds in the ledger.
// The client-supplied reference makes the whole operation replay-safe.
package contributions

import (
	"context"
	"errors"
	"log/slog"

	"almoner/internal/ledger"
	"almoner/internal/ports"
	id "almoner/pkg/domain"
	derrors "almoner/pkg/domain-errors"
)

type Service struct {
	gateway  ports.PaymentGateway
	ledger   *ledger.Service
	notifier ports.Notifier
	logger   *slog.Logger
}

func NewService(gateway ports.PaymentGateway, ledgerService *ledger.Service, notifier ports.Notifier, logger *slog.Logger) *Service {
	return &Service{gateway: gateway, ledger: ledgerService, notifier: notifier, logger: logger}
}

// Contribute charges the donor and records the contribution. Replaying the
// same clientRef re-reads the gateway's original outcome and lands on the
// ledger's duplicate check, so no retry can double-charge or double-count.
func (s *Service) Contribute(ctx context.Context, donorID id.UserID, recipientID id.RecipientID, amount id.Amount, currency, paymentMethod, clientRef string) (*ledger.Contribution, error) {
	if clientRef == "" {
		return nil, derrors.New(derrors.CodeBadRequest, "a client reference is required")
	}
	if !amount.IsPositive() {
		return nil, derrors.New(derrors.CodeBadRequest, "contribution amount must be positive")
	}

	result, err := s.gateway.Capture(ctx, paymentMethod, amount, currency, clientRef)
	if err != nil {
		return nil, derrors.Wrap(derrors.CodeInternal, "payment capture failed", err)
	}
	if !result.Success {
		s.logger.WarnContext(ctx, "payment declined",
			"donor_id", donorID.String(),
			"recipient_id", recipientID.String(),
			"reason", result.Reason,
		)
		return nil, derrors.New(derrors.CodeBadRequest, "payment declined: "+result.Reason)
	}

	contribution, _, err := s.ledger.RecordContribution(ctx, donorID, recipientID, amount, currency, result.GatewayRef)
	if err != nil {
		var derr *derrors.Error
		if errors.As(err, &derr) && derr.Code == derrors.CodeDuplicateContribution {
			// The capture was replayed; the money moved exactly once and is
			// already on the books.
			return s.byGatewayRef(ctx, recipientID, result.GatewayRef)
		}
		return nil, err
	}

	s.notifier.Notify(ctx, donorID, "contribution.captured", map[string]string{
		"contribution_id": contribution.ID.String(),
		"recipient_id":    recipientID.String(),
		"amount":          amount.String(),
	})
	return contribution, nil
}

func (s *Service) byGatewayRef(ctx context.Context, recipientID id.RecipientID, gatewayRef string) (*ledger.Contribution, error) {
	contributions, err := s.ledger.ContributionsByRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	for _, c := range contributions {
		if c.GatewayRef == gatewayRef {
			return c, nil
		}
	}
	return nil, derrors.New(derrors.CodeInternal, "duplicate contribution not found by gateway reference")
}
