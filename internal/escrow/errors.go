package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrConflictingState means the opposite terminal action already
	// succeeded for the reference. Never retried, always surfaced.
	ErrConflictingState = errors.New("conflicting terminal action for reference")

	// ErrNotExpired means ClaimExpired was called before the expiry window.
	ErrNotExpired = errors.New("hold has not expired yet")

	// ErrNotFound means no hold exists for the reference.
	ErrNotFound = errors.New("no hold for reference")
)

// ChainError wraps a chain-layer failure (timeout, gas, object missing).
// These never indicate a business rejection and are always retryable.
type ChainError struct {
	Op  string
	Err error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %s failed: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// IsChainError reports whether err is a chain-layer failure.
func IsChainError(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce)
}
