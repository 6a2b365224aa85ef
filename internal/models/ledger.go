package models

import (
	"time"
)

// Service kinds
const (
	ServiceAirtime     = "airtime"
	ServiceData        = "data"
	ServiceElectricity = "electricity"
	ServiceTV          = "tv"
)

func IsValidServiceKind(kind string) bool {
	switch kind {
	case ServiceAirtime, ServiceData, ServiceElectricity, ServiceTV:
		return true
	}
	return false
}

// Settlement states
const (
	StateCaptured         = "captured"
	StateSubmitted        = "submitted"
	StateProviderAccepted = "provider_accepted"
	StateProviderRejected = "provider_rejected"
	StateConfirmed        = "confirmed"
	StateRefunded         = "refunded"
	StateExpired          = "expired"
	StateCancelled        = "cancelled"
)

// Valid state transitions: from -> []to
var ValidTransitions = map[string][]string{
	StateCaptured:         {StateSubmitted, StateCancelled, StateExpired},
	StateSubmitted:        {StateProviderAccepted, StateProviderRejected, StateExpired},
	StateProviderAccepted: {StateConfirmed, StateRefunded, StateExpired},
	StateProviderRejected: {StateSubmitted, StateRefunded, StateExpired},
	StateConfirmed:        {},
	StateRefunded:         {},
	StateExpired:          {},
	StateCancelled:        {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminalState reports whether no further transitions are permitted.
func IsTerminalState(state string) bool {
	switch state {
	case StateConfirmed, StateRefunded, StateExpired, StateCancelled:
		return true
	}
	return false
}

// LastError is the classified outcome of the most recent failed provider call,
// attached to a ledger entry for retry decisions and operator display.
type LastError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// LedgerEntry is one settlement attempt, keyed by the payment reference.
// The reference is the idempotency key for every downstream write; an entry
// is never deleted, terminal entries persist for audit.
type LedgerEntry struct {
	Reference         string            `json:"reference"`
	Payer             string            `json:"payer"`
	ServiceKind       string            `json:"service_kind"`
	Amount            string            `json:"amount"` // numeric as string
	TokenKind         string            `json:"token_kind"`
	ServiceParams     map[string]string `json:"service_params"`
	Escrowed          bool              `json:"escrowed"`
	State             string            `json:"state"`
	ProviderOrderID   *string           `json:"provider_order_id,omitempty"`
	ProviderRequestID *string           `json:"provider_request_id,omitempty"`
	LastError         *LastError        `json:"last_error,omitempty"`
	Attempts          int               `json:"attempts"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}
