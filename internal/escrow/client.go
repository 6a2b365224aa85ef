package escrow

import (
	"context"
	"time"
)

// Hold states as seen by the escrow boundary.
const (
	HoldStateHeld      = "held"
	HoldStateConfirmed = "confirmed"
	HoldStateRefunded  = "refunded"
)

// CaptureRequest describes funds to hold. Reference is the memo the payer
// attached to the on-chain transfer; when empty, the client derives one.
type CaptureRequest struct {
	Reference   string
	Payer       string
	Amount      string // decimal token amount as string
	TokenKind   string
	ServiceKind string
}

type CaptureResult struct {
	Reference string
	Escrowed  bool
}

// Result of a fund-moving call. TxHash may be a provisional marker until the
// outbound transfer is observed on chain.
type Result struct {
	TxHash string
}

// HoldStatus is the read-only view of a hold.
type HoldStatus struct {
	State     string
	Amount    string
	Payer     string
	ExpiresAt time.Time
	IsExpired bool
}

// Client abstracts the on-chain escrow interaction. Confirm and Refund are
// idempotent per reference and mutually exclusive: repeating the action that
// already succeeded is a no-op success, attempting the opposite one fails
// with ErrConflictingState.
type Client interface {
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)
	Confirm(ctx context.Context, reference string) (Result, error)
	Refund(ctx context.Context, reference, reason string) (Result, error)
	ClaimExpired(ctx context.Context, reference string) (Result, error)
	QueryStatus(ctx context.Context, reference string) (HoldStatus, error)
}
