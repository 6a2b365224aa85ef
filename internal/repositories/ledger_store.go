package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/billsub/backend/internal/models"
)

var (
	// ErrDuplicateReference means an entry already exists for the
	// reference. Creation is at-most-once by uniqueness, not locking.
	ErrDuplicateReference = errors.New("ledger entry already exists for reference")

	// ErrEntryNotFound means no ledger entry matches the lookup.
	ErrEntryNotFound = errors.New("ledger entry not found")
)

// LedgerFilter narrows List results. Zero fields are ignored.
type LedgerFilter struct {
	Payer  *string
	State  *string
	After  *time.Time
	Before *time.Time
	Limit  int
	Offset int
}

// LedgerStore persists settlement ledger entries. UpdateState is the only
// mutation primitive for the state column: a compare-and-set keyed on
// (reference, expected state) that reports whether this caller won.
// ClaimAttempt is the same primitive for the attempts counter: it increments
// only when the counter still holds the value the caller read, so concurrent
// drivers of one entry elect a single submitter per attempt.
type LedgerStore interface {
	Create(ctx context.Context, e *models.LedgerEntry) error
	GetByReference(ctx context.Context, reference string) (*models.LedgerEntry, error)
	GetByProviderRef(ctx context.Context, orderID, requestID string) (*models.LedgerEntry, error)
	UpdateState(ctx context.Context, reference, from, to string) (bool, error)
	SetProviderRefs(ctx context.Context, reference string, orderID, requestID *string) error
	SetLastError(ctx context.Context, reference string, lastErr *models.LastError) error
	ClaimAttempt(ctx context.Context, reference string, attempts int) (bool, error)
	List(ctx context.Context, f LedgerFilter) ([]models.LedgerEntry, error)
	ListRetryable(ctx context.Context, maxAttempts int, backoffBase time.Duration, limit int) ([]models.LedgerEntry, error)
	ListExpiredEscrows(ctx context.Context, expiry time.Duration, limit int) ([]models.LedgerEntry, error)
}
