package services

import (
	"context"
	"fmt"

	"github.com/billsub/backend/internal/events"
	"github.com/billsub/backend/internal/models"
	"github.com/billsub/backend/internal/repositories"
	"go.uber.org/zap"
)

// Actor types for audit records.
const (
	ActorUser     = "user"
	ActorOperator = "operator"
	ActorSystem   = "system"
	ActorProvider = "provider"
)

// transitioner applies compare-and-set state transitions with audit logging
// and event publishing. Shared by every service that mutates the ledger.
type transitioner struct {
	store     repositories.LedgerStore
	audit     repositories.AuditStore
	publisher events.Publisher
	log       *zap.Logger
}

// transition attempts the CAS from the entry's current state. Returns false
// when a concurrent driver won the race; the caller re-reads and branches,
// never blind-overwrites. On a win the entry's State field is updated.
func (t *transitioner) transition(ctx context.Context, e *models.LedgerEntry, to string, actorID *string, actorType string, meta map[string]any) (bool, error) {
	from := e.State
	won, err := t.store.UpdateState(ctx, e.Reference, from, to)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	e.State = to

	if meta == nil {
		meta = map[string]any{}
	}
	meta["old_state"] = from
	meta["new_state"] = to

	ref := e.Reference
	_ = t.audit.Log(ctx, models.AuditLog{
		ActorID:    actorID,
		ActorType:  actorType,
		Action:     fmt.Sprintf("settlement_%s_to_%s", from, to),
		EntityType: "ledger_entry",
		EntityID:   &ref,
		Meta:       meta,
	})

	_ = t.publisher.Publish(ctx, events.StreamSettlement, events.Event{
		Type: events.EventSettlementStateChanged,
		Payload: map[string]any{
			"reference": e.Reference,
			"old_state": from,
			"new_state": to,
		},
	})

	t.log.Info("settlement state changed",
		zap.String("reference", e.Reference),
		zap.String("old_state", from),
		zap.String("new_state", to),
		zap.String("actor_type", actorType),
	)
	return true, nil
}

func strPtr(s string) *string {
	return &s
}
