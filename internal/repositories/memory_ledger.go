package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/billsub/backend/internal/models"
)

// MemoryLedgerStore is mostly for testing and offline runs. It enforces the
// same at-most-once creation and compare-and-set semantics as the Postgres
// store.
type MemoryLedgerStore struct {
	mu      sync.Mutex
	entries map[string]*models.LedgerEntry
	now     func() time.Time
}

func NewMemoryLedgerStore() *MemoryLedgerStore {
	return &MemoryLedgerStore{
		entries: make(map[string]*models.LedgerEntry),
		now:     time.Now,
	}
}

// SetNow overrides the clock, for sweep tests.
func (m *MemoryLedgerStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func copyEntry(e *models.LedgerEntry) *models.LedgerEntry {
	c := *e
	if e.ServiceParams != nil {
		c.ServiceParams = make(map[string]string, len(e.ServiceParams))
		for k, v := range e.ServiceParams {
			c.ServiceParams[k] = v
		}
	}
	if e.LastError != nil {
		le := *e.LastError
		c.LastError = &le
	}
	if e.ProviderOrderID != nil {
		v := *e.ProviderOrderID
		c.ProviderOrderID = &v
	}
	if e.ProviderRequestID != nil {
		v := *e.ProviderRequestID
		c.ProviderRequestID = &v
	}
	return &c
}

func (m *MemoryLedgerStore) Create(_ context.Context, e *models.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[e.Reference]; ok {
		return ErrDuplicateReference
	}
	now := m.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	m.entries[e.Reference] = copyEntry(e)
	return nil
}

func (m *MemoryLedgerStore) GetByReference(_ context.Context, reference string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reference]
	if !ok {
		return nil, ErrEntryNotFound
	}
	return copyEntry(e), nil
}

func (m *MemoryLedgerStore) GetByProviderRef(_ context.Context, orderID, requestID string) (*models.LedgerEntry, error) {
	if orderID == "" && requestID == "" {
		return nil, ErrEntryNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if orderID != "" && e.ProviderOrderID != nil && *e.ProviderOrderID == orderID {
			return copyEntry(e), nil
		}
		if requestID != "" && e.ProviderRequestID != nil && *e.ProviderRequestID == requestID {
			return copyEntry(e), nil
		}
	}
	return nil, ErrEntryNotFound
}

func (m *MemoryLedgerStore) UpdateState(_ context.Context, reference, from, to string) (bool, error) {
	if !models.IsValidTransition(from, to) {
		return false, fmt.Errorf("invalid transition from %s to %s", from, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reference]
	if !ok || e.State != from {
		return false, nil
	}
	e.State = to
	e.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryLedgerStore) SetProviderRefs(_ context.Context, reference string, orderID, requestID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reference]
	if !ok {
		return ErrEntryNotFound
	}
	if orderID != nil {
		v := *orderID
		e.ProviderOrderID = &v
	}
	if requestID != nil {
		v := *requestID
		e.ProviderRequestID = &v
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedgerStore) SetLastError(_ context.Context, reference string, lastErr *models.LastError) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reference]
	if !ok {
		return ErrEntryNotFound
	}
	if lastErr != nil {
		le := *lastErr
		e.LastError = &le
	} else {
		e.LastError = nil
	}
	e.UpdatedAt = m.now()
	return nil
}

func (m *MemoryLedgerStore) ClaimAttempt(_ context.Context, reference string, attempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[reference]
	if !ok {
		return false, ErrEntryNotFound
	}
	if e.Attempts != attempts {
		return false, nil
	}
	e.Attempts++
	e.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryLedgerStore) List(_ context.Context, f LedgerFilter) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []models.LedgerEntry
	for _, e := range m.entries {
		if f.Payer != nil && e.Payer != *f.Payer {
			continue
		}
		if f.State != nil && e.State != *f.State {
			continue
		}
		if f.After != nil && e.CreatedAt.Before(*f.After) {
			continue
		}
		if f.Before != nil && !e.CreatedAt.Before(*f.Before) {
			continue
		}
		entries = append(entries, *copyEntry(e))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if f.Offset >= len(entries) {
		return nil, nil
	}
	entries = entries[f.Offset:]
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryLedgerStore) ListRetryable(_ context.Context, maxAttempts int, backoffBase time.Duration, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var entries []models.LedgerEntry
	for _, e := range m.entries {
		if e.State != models.StateSubmitted && e.State != models.StateProviderRejected {
			continue
		}
		if e.LastError == nil || !e.LastError.Retryable {
			continue
		}
		if e.Attempts >= maxAttempts {
			continue
		}
		floor := backoffBase << uint(max(e.Attempts-1, 0))
		if now.Sub(e.UpdatedAt) < floor {
			continue
		}
		entries = append(entries, *copyEntry(e))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UpdatedAt.Before(entries[j].UpdatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (m *MemoryLedgerStore) ListExpiredEscrows(_ context.Context, expiry time.Duration, limit int) ([]models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var entries []models.LedgerEntry
	for _, e := range m.entries {
		if !e.Escrowed || models.IsTerminalState(e.State) {
			continue
		}
		if now.Sub(e.CreatedAt) < expiry {
			continue
		}
		entries = append(entries, *copyEntry(e))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
