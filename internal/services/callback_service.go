package services

import (
	"context"
	"errors"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/models"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

var ErrNoCorrelation = errors.New("callback carries no order or request id")

// CallbackService reconciles asynchronous provider callbacks with the
// ledger. Duplicates and late arrivals are acknowledged without effect so
// the provider stops resending them.
type CallbackService struct {
	transitioner
	settlement *SettlementService
	cfg        *config.Config
}

func NewCallbackService(
	store repositories.LedgerStore,
	audit repositories.AuditStore,
	settlement *SettlementService,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *CallbackService {
	return &CallbackService{
		transitioner: transitioner{store: store, audit: audit, publisher: publisher, log: log},
		settlement:   settlement,
		cfg:          cfg,
	}
}

// HandleCallback applies a provider callback to the matching entry.
// A nil return means the callback was consumed and must be acknowledged,
// even when it changed nothing.
func (s *CallbackService) HandleCallback(ctx context.Context, payload aggregator.ProviderResponse) error {
	if payload.OrderID == "" && payload.RequestID == "" {
		return ErrNoCorrelation
	}

	e, err := s.store.GetByProviderRef(ctx, payload.OrderID, payload.RequestID)
	if err != nil {
		if errors.Is(err, repositories.ErrEntryNotFound) {
			s.log.Warn("callback for unknown order",
				zap.String("order_id", payload.OrderID),
				zap.String("request_id", payload.RequestID),
			)
			return nil
		}
		return err
	}

	accepted := aggregator.Accepted(payload)

	if models.IsTerminalState(e.State) {
		if e.State == models.StateConfirmed && !accepted {
			s.anomaly(ctx, e, payload, "failure callback after confirmation")
		}
		return nil
	}

	if accepted {
		return s.applyAcceptance(ctx, e, payload)
	}
	return s.applyFailure(ctx, e, payload)
}

func (s *CallbackService) applyAcceptance(ctx context.Context, e *models.LedgerEntry, payload aggregator.ProviderResponse) error {
	switch e.State {
	case models.StateProviderAccepted:
		// Duplicate delivery.
		return nil
	case models.StateProviderRejected:
		// The provider completed an order we already recorded as rejected.
		// Flag it for an operator instead of forcing an illegal transition.
		s.anomaly(ctx, e, payload, "success callback after rejection")
		return nil
	case models.StateSubmitted:
		won, err := s.transition(ctx, e, models.StateProviderAccepted, nil, ActorProvider, map[string]any{
			"status_code": payload.StatusCode,
			"status":      payload.StatusText,
			"via":         "callback",
		})
		if err != nil || !won {
			return err
		}
		if err := s.store.SetLastError(ctx, e.Reference, nil); err != nil {
			return err
		}
	default:
		return nil
	}

	if !e.Escrowed {
		_, err := s.transition(ctx, e, models.StateConfirmed, nil, ActorSystem, map[string]any{"direct": true})
		return err
	}
	if s.cfg.AutoSettle {
		return s.settlement.Confirm(ctx, e.Reference, "auto-settle", ActorSystem)
	}
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  ActorProvider,
		Action:     "settlement_awaiting_confirmation",
		EntityType: "ledger_entry",
		EntityID:   strPtr(e.Reference),
		Meta:       map[string]any{"status": payload.StatusText},
	})
	return nil
}

func (s *CallbackService) applyFailure(ctx context.Context, e *models.LedgerEntry, payload aggregator.ProviderResponse) error {
	raw := payload.StatusText
	if raw == "" {
		raw = payload.StatusCode
	}
	ce := aggregator.Classify(raw, payload.Remark)

	switch e.State {
	case models.StateSubmitted:
		if err := s.store.SetLastError(ctx, e.Reference, &models.LastError{
			Code:      ce.Code,
			Message:   ce.UserMessage,
			Retryable: ce.Retryable,
		}); err != nil {
			return err
		}
		_, err := s.transition(ctx, e, models.StateProviderRejected, nil, ActorProvider, map[string]any{
			"status_code":    payload.StatusCode,
			"status":         payload.StatusText,
			"error_code":     ce.Code,
			"error_category": ce.Category,
			"via":            "callback",
		})
		return err
	case models.StateProviderAccepted:
		// The provider reversed itself after we accepted the order.
		s.anomaly(ctx, e, payload, "failure callback after acceptance")
		if e.Escrowed && s.cfg.AutoSettle {
			return s.settlement.Refund(ctx, e.Reference, "provider reversal: "+ce.Code, "auto-settle", ActorSystem)
		}
		return nil
	default:
		return nil
	}
}

func (s *CallbackService) anomaly(ctx context.Context, e *models.LedgerEntry, payload aggregator.ProviderResponse, detail string) {
	s.log.Warn("callback anomaly",
		zap.String("reference", e.Reference),
		zap.String("state", e.State),
		zap.String("status", payload.StatusText),
		zap.String("detail", detail),
	)
	_ = s.audit.Log(ctx, models.AuditLog{
		ActorType:  ActorProvider,
		Action:     "callback_anomaly",
		EntityType: "ledger_entry",
		EntityID:   strPtr(e.Reference),
		Meta: map[string]any{
			"state":       e.State,
			"status_code": payload.StatusCode,
			"status":      payload.StatusText,
			"detail":      detail,
		},
	})
	if s.publisher != nil {
		s.publisher.Publish(ctx, events.StreamSettlement, events.Event{
			Type: events.EventCallbackAnomaly,
			Payload: map[string]any{
				"reference": e.Reference,
				"state":     e.State,
				"status":    payload.StatusText,
				"detail":    detail,
			},
		})
	}
}
