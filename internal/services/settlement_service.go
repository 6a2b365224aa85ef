package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/billsub/backend/internal/aggregator"
	"github.com/billsub/backend/internal/config"
	"github.com/billsub/backend/internal/escrow"
	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/models"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

var ErrConflictingSettlement = errors.New("settlement conflicts with the entry's terminal state")

// SettlementService owns the money side of the pipeline: capturing funds
// into the ledger, releasing escrow to the treasury on confirm, and sending
// it back to the payer on refund or expiry.
type SettlementService struct {
	transitioner
	esc escrow.Client
	agg aggregator.Client
	cfg *config.Config
}

func NewSettlementService(
	store repositories.LedgerStore,
	audit repositories.AuditStore,
	esc escrow.Client,
	agg aggregator.Client,
	publisher events.Publisher,
	cfg *config.Config,
	log *zap.Logger,
) *SettlementService {
	return &SettlementService{
		transitioner: transitioner{store: store, audit: audit, publisher: publisher, log: log},
		esc:          esc,
		agg:          agg,
		cfg:          cfg,
	}
}

// CaptureInput is what the payment endpoint collects from the user.
type CaptureInput struct {
	Reference     string
	Payer         string
	ServiceKind   string
	Amount        string
	TokenKind     string
	ServiceParams map[string]string
	Escrowed      bool
}

// Capture records a new payment in the ledger. Replays with the same
// reference return the existing entry instead of creating a second one.
func (s *SettlementService) Capture(ctx context.Context, in CaptureInput) (*models.LedgerEntry, error) {
	if !models.IsValidServiceKind(in.ServiceKind) {
		return nil, fmt.Errorf("unknown service kind %q", in.ServiceKind)
	}

	reference := in.Reference
	if in.Escrowed {
		res, err := s.esc.Capture(ctx, escrow.CaptureRequest{
			Reference:   in.Reference,
			Payer:       in.Payer,
			Amount:      in.Amount,
			TokenKind:   in.TokenKind,
			ServiceKind: in.ServiceKind,
		})
		if err != nil {
			return nil, fmt.Errorf("escrow capture: %w", err)
		}
		reference = res.Reference
	}

	e := &models.LedgerEntry{
		Reference:     reference,
		Payer:         in.Payer,
		ServiceKind:   in.ServiceKind,
		Amount:        in.Amount,
		TokenKind:     in.TokenKind,
		ServiceParams: in.ServiceParams,
		Escrowed:      in.Escrowed,
		State:         models.StateCaptured,
	}
	if err := s.store.Create(ctx, e); err != nil {
		if errors.Is(err, repositories.ErrDuplicateReference) {
			return s.store.GetByReference(ctx, reference)
		}
		return nil, err
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorID:    strPtr(in.Payer),
		ActorType:  ActorUser,
		Action:     "payment_captured",
		EntityType: "ledger_entry",
		EntityID:   strPtr(reference),
		Meta: map[string]any{
			"service_kind": in.ServiceKind,
			"amount":       in.Amount,
			"escrowed":     in.Escrowed,
		},
	})
	return e, nil
}

// Confirm settles an accepted order: escrow goes to the treasury, the
// entry goes terminal. Repeat confirms are no-ops.
func (s *SettlementService) Confirm(ctx context.Context, reference string, actorID string, actorType string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	switch e.State {
	case models.StateConfirmed:
		// Replay: the entry is closed, make sure the payout followed.
		return s.releaseToTreasury(ctx, e)
	case models.StateRefunded, models.StateExpired, models.StateCancelled:
		return ErrConflictingSettlement
	case models.StateProviderAccepted:
	default:
		return fmt.Errorf("entry %s is %s, confirm requires provider acceptance", reference, e.State)
	}

	// The ledger transition is the arbiter: escrow moves only once this
	// caller owns the terminal state, so a racing refund, retry or expiry
	// never sees money move under an entry it still holds.
	won, err := s.transition(ctx, e, models.StateConfirmed, strPtr(actorID), actorType, nil)
	if err != nil {
		return err
	}
	if !won {
		return s.resolveRace(ctx, reference, models.StateConfirmed)
	}
	return s.releaseToTreasury(ctx, e)
}

func (s *SettlementService) releaseToTreasury(ctx context.Context, e *models.LedgerEntry) error {
	if !e.Escrowed {
		return nil
	}
	if _, err := s.esc.Confirm(ctx, e.Reference); err != nil {
		if errors.Is(err, escrow.ErrConflictingState) {
			return ErrConflictingSettlement
		}
		return fmt.Errorf("escrow confirm: %w", err)
	}
	return nil
}

// Refund returns escrowed funds to the payer and closes the entry.
func (s *SettlementService) Refund(ctx context.Context, reference string, reason string, actorID string, actorType string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	switch e.State {
	case models.StateRefunded:
		// Replay: make sure the money actually went back.
		return s.returnToPayer(ctx, e, reason)
	case models.StateConfirmed, models.StateExpired, models.StateCancelled:
		return ErrConflictingSettlement
	case models.StateProviderAccepted, models.StateProviderRejected:
	default:
		return fmt.Errorf("entry %s is %s, refund requires a provider outcome", reference, e.State)
	}
	if !e.Escrowed {
		return fmt.Errorf("entry %s is a direct transfer, nothing to refund", reference)
	}

	// Claim the terminal state before anything moves. A concurrent retry
	// sweep fights over the same rejected state: whoever wins this or the
	// submitted transition owns the entry, and the loser backs off with
	// the escrow untouched.
	won, err := s.transition(ctx, e, models.StateRefunded, strPtr(actorID), actorType, map[string]any{"reason": reason})
	if err != nil {
		return err
	}
	if !won {
		return s.resolveRace(ctx, reference, models.StateRefunded)
	}

	// Best effort: ask the provider to cancel the order before the money
	// moves back. A cancel failure never blocks the refund.
	if e.ProviderOrderID != nil {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderCallTimeout)
		if _, err := s.agg.CancelOrder(callCtx, *e.ProviderOrderID); err != nil {
			s.log.Warn("provider cancel failed",
				zap.String("reference", reference),
				zap.String("order_id", *e.ProviderOrderID),
				zap.Error(err),
			)
		}
		cancel()
	}

	return s.returnToPayer(ctx, e, reason)
}

func (s *SettlementService) returnToPayer(ctx context.Context, e *models.LedgerEntry, reason string) error {
	if !e.Escrowed {
		return nil
	}
	if _, err := s.esc.Refund(ctx, e.Reference, reason); err != nil {
		if errors.Is(err, escrow.ErrConflictingState) {
			return ErrConflictingSettlement
		}
		return fmt.Errorf("escrow refund: %w", err)
	}
	return nil
}

// Cancel withdraws a payment that was captured but never submitted. Once
// the order reached the provider, only refund or expiry can close it.
func (s *SettlementService) Cancel(ctx context.Context, reference string, actorID string, actorType string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	switch e.State {
	case models.StateCancelled:
		return s.returnToPayer(ctx, e, "cancelled by payer")
	case models.StateCaptured:
	default:
		return fmt.Errorf("entry %s is %s, only captured payments can be cancelled", reference, e.State)
	}

	// Same arbitration as confirm and refund: win captured->cancelled
	// before the hold moves, so a dispatcher that won captured->submitted
	// keeps the funds under the order it is about to place.
	won, err := s.transition(ctx, e, models.StateCancelled, strPtr(actorID), actorType, nil)
	if err != nil {
		return err
	}
	if !won {
		return s.resolveRace(ctx, reference, models.StateCancelled)
	}
	return s.returnToPayer(ctx, e, "cancelled by payer")
}

// ClaimExpired reclaims a hold whose window has run out without a settlement.
func (s *SettlementService) ClaimExpired(ctx context.Context, reference string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if e.State == models.StateExpired {
		// Replay: re-drive the escrow claim in case an earlier run died
		// between the transition and the payout.
		return s.reclaimHold(ctx, e)
	}
	if models.IsTerminalState(e.State) {
		return nil
	}
	if !e.Escrowed {
		return fmt.Errorf("entry %s is a direct transfer, nothing to expire", reference)
	}
	if time.Since(e.CreatedAt) < s.cfg.EscrowExpiry {
		return escrow.ErrNotExpired
	}

	won, err := s.transition(ctx, e, models.StateExpired, nil, ActorSystem, map[string]any{
		"captured_at": e.CreatedAt,
	})
	if err != nil {
		return err
	}
	if !won {
		return s.resolveRace(ctx, reference, models.StateExpired)
	}
	return s.reclaimHold(ctx, e)
}

func (s *SettlementService) reclaimHold(ctx context.Context, e *models.LedgerEntry) error {
	if !e.Escrowed {
		return nil
	}
	if _, err := s.esc.ClaimExpired(ctx, e.Reference); err != nil {
		if errors.Is(err, escrow.ErrConflictingState) {
			return ErrConflictingSettlement
		}
		return err
	}
	return nil
}

// resolveRace decides what a lost settlement CAS means: landing on the
// same terminal state is idempotent success, a different one is a conflict.
func (s *SettlementService) resolveRace(ctx context.Context, reference string, wanted string) error {
	e, err := s.store.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if e.State == wanted {
		return nil
	}
	if models.IsTerminalState(e.State) {
		return ErrConflictingSettlement
	}
	return fmt.Errorf("entry %s moved to %s during settlement", reference, e.State)
}
