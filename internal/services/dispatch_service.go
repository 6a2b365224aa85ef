package services

import (
	"context"
	"fmt"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/models"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

// DispatchService drives a captured payment through the aggregator and
// records the outcome. Provider failures never escape this boundary: they
// are classified into the entry's last error and callers observe state
// through the ledger.
type DispatchService struct {
	transitioner
	agg aggregator.Client
	cfg *config.Config
}

func NewDispatchService(
	store repositories.LedgerStore,
	audit repositories.AuditStore,
	agg aggregator.Client,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *DispatchService {
	return &DispatchService{
		transitioner: transitioner{store: store, audit: audit, publisher: publisher, log: log},
		agg:          agg,
		cfg:          cfg,
	}
}

// Dispatch submits the order for the given reference. Safe to call from
// concurrent drivers: the captured->submitted CAS elects a submitter on the
// first attempt, the attempt claim elects one on every re-drive, and losing
// either race counts as success.
func (s *DispatchService) Dispatch(ctx context.Context, reference string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}

	if models.IsTerminalState(e.State) {
		return nil
	}

	switch e.State {
	case models.StateCaptured:
		won, err := s.transition(ctx, e, models.StateSubmitted, nil, ActorSystem, nil)
		if err != nil {
			return err
		}
		if !won {
			return s.rereadAndSkip(ctx, reference)
		}
	case models.StateSubmitted:
		// A prior attempt failed before the provider answered; re-drive.
		// The recorded last error is the proof that no driver is in
		// flight, and it is cleared before the claim so a late reader
		// stands down instead of claiming the next attempt.
		if e.LastError == nil {
			s.log.Info("entry is in flight with another driver",
				zap.String("reference", reference),
			)
			return nil
		}
		if err := s.store.SetLastError(ctx, reference, nil); err != nil {
			return err
		}
	case models.StateProviderRejected:
		if e.LastError == nil || !e.LastError.Retryable {
			return fmt.Errorf("entry %s was rejected and is not retryable", reference)
		}
		won, err := s.transition(ctx, e, models.StateSubmitted, nil, ActorSystem, map[string]any{"retry": true})
		if err != nil {
			return err
		}
		if !won {
			return s.rereadAndSkip(ctx, reference)
		}
	default:
		// provider_accepted: nothing left for the dispatcher to do.
		return nil
	}

	claimed, err := s.store.ClaimAttempt(ctx, reference, e.Attempts)
	if err != nil {
		return err
	}
	if !claimed {
		s.log.Info("dispatch lost the attempt claim, leaving entry to the winner",
			zap.String("reference", reference),
			zap.Int("attempts", e.Attempts),
		)
		return nil
	}

	// A request id from an earlier attempt means the order may have gone
	// through even though we never saw the answer. Reconcile before risking
	// a double submission.
	if e.ProviderRequestID != nil {
		done, err := s.reconcileSubmitted(ctx, e)
		if done || err != nil {
			return err
		}
	}

	req := aggregator.OrderRequest{
		ServiceKind: e.ServiceKind,
		Amount:      e.Amount,
		Params:      e.ServiceParams,
	}

	// Malformed orders are a rejection, not a provider call.
	if err := aggregator.ValidateOrder(req); err != nil {
		ce := aggregator.ClassifiedError{
			Code:        "INVALID_ORDER",
			Category:    aggregator.CategoryValidation,
			Retryable:   false,
			UserMessage: "The order details are invalid",
		}
		return s.reject(ctx, e, ce, map[string]any{"validation_error": err.Error()})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderCallTimeout)
	defer cancel()

	resp, err := s.agg.SubmitOrder(callCtx, req)
	if resp.RequestID != "" {
		// Keep the pre-generated id even when the call failed, for later
		// reconciliation via QueryOrder.
		_ = s.store.SetProviderRefs(ctx, reference, nil, strPtr(resp.RequestID))
	}
	if err != nil {
		s.log.Warn("provider call failed",
			zap.String("reference", reference),
			zap.Error(err),
		)
		// The entry stays submitted; the retry sweep will re-drive it.
		return s.store.SetLastError(ctx, reference, &models.LastError{
			Code:      "PROVIDER_UNREACHABLE",
			Message:   "provider call failed",
			Retryable: true,
		})
	}

	if resp.OrderID != "" {
		_ = s.store.SetProviderRefs(ctx, reference, strPtr(resp.OrderID), nil)
	}

	if !aggregator.Accepted(resp) {
		raw := resp.StatusText
		if raw == "" {
			raw = resp.StatusCode
		}
		return s.reject(ctx, e, aggregator.Classify(raw, resp.Remark), map[string]any{
			"status_code": resp.StatusCode,
			"status":      resp.StatusText,
		})
	}

	if err := s.store.SetLastError(ctx, reference, nil); err != nil {
		return err
	}
	won, err := s.transition(ctx, e, models.StateProviderAccepted, nil, ActorProvider, map[string]any{
		"order_id":   resp.OrderID,
		"request_id": resp.RequestID,
	})
	if err != nil {
		return err
	}
	if !won {
		return s.rereadAndSkip(ctx, reference)
	}

	// Direct transfers already moved funds; acceptance settles them.
	if !e.Escrowed {
		if _, err := s.transition(ctx, e, models.StateConfirmed, nil, ActorSystem, map[string]any{"direct": true}); err != nil {
			return err
		}
	}
	return nil
}

// reconcileSubmitted asks the provider what became of an earlier submission.
// Returns done=true when the query settled the entry's fate; done=false means
// the provider has no record and a fresh submission is safe.
func (s *DispatchService) reconcileSubmitted(ctx context.Context, e *models.LedgerEntry) (bool, error) {
	var orderID string
	if e.ProviderOrderID != nil {
		orderID = *e.ProviderOrderID
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderCallTimeout)
	defer cancel()

	resp, err := s.agg.QueryOrder(callCtx, orderID, *e.ProviderRequestID)
	if err != nil {
		s.log.Warn("order query failed",
			zap.String("reference", e.Reference),
			zap.Error(err),
		)
		return true, s.store.SetLastError(ctx, e.Reference, &models.LastError{
			Code:      "PROVIDER_UNREACHABLE",
			Message:   "provider query failed",
			Retryable: true,
		})
	}

	if aggregator.Accepted(resp) {
		if resp.OrderID != "" {
			_ = s.store.SetProviderRefs(ctx, e.Reference, strPtr(resp.OrderID), nil)
		}
		if err := s.store.SetLastError(ctx, e.Reference, nil); err != nil {
			return true, err
		}
		won, err := s.transition(ctx, e, models.StateProviderAccepted, nil, ActorProvider, map[string]any{
			"order_id": resp.OrderID,
			"via":      "query",
		})
		if err != nil {
			return true, err
		}
		if !won {
			return true, s.rereadAndSkip(ctx, e.Reference)
		}
		if !e.Escrowed {
			if _, err := s.transition(ctx, e, models.StateConfirmed, nil, ActorSystem, map[string]any{"direct": true}); err != nil {
				return true, err
			}
		}
		return true, nil
	}

	raw := resp.StatusText
	if raw == "" {
		raw = resp.StatusCode
	}
	ce := aggregator.Classify(raw, resp.Remark)
	if ce.Category == aggregator.CategoryUnknown {
		// No definitive record on the provider side; submit fresh.
		return false, nil
	}
	return true, s.reject(ctx, e, ce, map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.StatusText,
		"via":         "query",
	})
}

func (s *DispatchService) reject(ctx context.Context, e *models.LedgerEntry, ce aggregator.ClassifiedError, meta map[string]any) error {
	if err := s.store.SetLastError(ctx, e.Reference, &models.LastError{
		Code:      ce.Code,
		Message:   ce.UserMessage,
		Retryable: ce.Retryable,
	}); err != nil {
		return err
	}
	meta["error_code"] = ce.Code
	meta["error_category"] = ce.Category
	meta["retryable"] = ce.Retryable
	if _, err := s.transition(ctx, e, models.StateProviderRejected, nil, ActorProvider, meta); err != nil {
		return err
	}
	return nil
}

// rereadAndSkip resolves a lost CAS race: a loss against a terminal state
// is success, anything else means a concurrent driver owns the entry now.
func (s *DispatchService) rereadAndSkip(ctx context.Context, reference string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if models.IsTerminalState(e.State) || e.State == models.StateProviderAccepted {
		return nil
	}
	s.log.Info("dispatch lost the race, leaving entry to the winner",
		zap.String("reference", reference),
		zap.String("state", e.State),
	)
	return nil
}
