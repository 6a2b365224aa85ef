package events

import "context"

// Event types
const (
	EventSettlementStateChanged = "settlement_state_changed"
	EventPaymentObserved        = "payment_observed"
	EventCallbackAnomaly        = "callback_anomaly"
)

// StreamSettlement carries every ledger state change and observed deposit.
const StreamSettlement = "events:settlement"

type Event struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, stream string, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, stream string, handler func(Event)) error
}
