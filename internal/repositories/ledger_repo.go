package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/billsub/backend/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LedgerRepo is the PostgreSQL LedgerStore.
type LedgerRepo struct {
	pool *pgxpool.Pool
}

func NewLedgerRepo(pool *pgxpool.Pool) *LedgerRepo {
	return &LedgerRepo{pool: pool}
}

const ledgerColumns = `reference, payer, service_kind, amount, token_kind, service_params,
	       escrowed, state, provider_order_id, provider_request_id, last_error,
	       attempts, created_at, updated_at`

func (r *LedgerRepo) Create(ctx context.Context, e *models.LedgerEntry) error {
	paramsBytes, err := json.Marshal(e.ServiceParams)
	if err != nil {
		return err
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_entries (reference, payer, service_kind, amount, token_kind, service_params, escrowed, state)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (reference) DO NOTHING
	`, e.Reference, e.Payer, e.ServiceKind, e.Amount, e.TokenKind, paramsBytes, e.Escrowed, e.State)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateReference
	}

	return r.pool.QueryRow(ctx,
		`SELECT created_at, updated_at FROM ledger_entries WHERE reference = $1`,
		e.Reference).Scan(&e.CreatedAt, &e.UpdatedAt)
}

func (r *LedgerRepo) GetByReference(ctx context.Context, reference string) (*models.LedgerEntry, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries WHERE reference = $1
	`, reference)
	return scanEntry(row)
}

func (r *LedgerRepo) GetByProviderRef(ctx context.Context, orderID, requestID string) (*models.LedgerEntry, error) {
	if orderID == "" && requestID == "" {
		return nil, ErrEntryNotFound
	}
	row := r.pool.QueryRow(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE ($1 <> '' AND provider_order_id = $1)
		   OR ($2 <> '' AND provider_request_id = $2)
		LIMIT 1
	`, orderID, requestID)
	return scanEntry(row)
}

// UpdateState is the compare-and-set transition. Returns false when the
// entry was not in the expected state, without touching the row.
func (r *LedgerRepo) UpdateState(ctx context.Context, reference, from, to string) (bool, error) {
	if !models.IsValidTransition(from, to) {
		return false, fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_entries SET state = $1, updated_at = now()
		WHERE reference = $2 AND state = $3
	`, to, reference, from)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepo) SetProviderRefs(ctx context.Context, reference string, orderID, requestID *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE ledger_entries
		SET provider_order_id = COALESCE($1, provider_order_id),
		    provider_request_id = COALESCE($2, provider_request_id),
		    updated_at = now()
		WHERE reference = $3
	`, orderID, requestID, reference)
	return err
}

func (r *LedgerRepo) SetLastError(ctx context.Context, reference string, lastErr *models.LastError) error {
	var errBytes []byte
	if lastErr != nil {
		var err error
		errBytes, err = json.Marshal(lastErr)
		if err != nil {
			return err
		}
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE ledger_entries SET last_error = $1, updated_at = now() WHERE reference = $2
	`, errBytes, reference)
	return err
}

func (r *LedgerRepo) ClaimAttempt(ctx context.Context, reference string, attempts int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_entries SET attempts = attempts + 1, updated_at = now()
		WHERE reference = $1 AND attempts = $2
	`, reference, attempts)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *LedgerRepo) List(ctx context.Context, f LedgerFilter) ([]models.LedgerEntry, error) {
	query := `SELECT ` + ledgerColumns + ` FROM ledger_entries`
	args := []any{}
	argIdx := 1
	where := []string{}

	if f.Payer != nil {
		where = append(where, fmt.Sprintf("payer = $%d", argIdx))
		args = append(args, *f.Payer)
		argIdx++
	}
	if f.State != nil {
		where = append(where, fmt.Sprintf("state = $%d", argIdx))
		args = append(args, *f.State)
		argIdx++
	}
	if f.After != nil {
		where = append(where, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, *f.After)
		argIdx++
	}
	if f.Before != nil {
		where = append(where, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, *f.Before)
		argIdx++
	}

	if len(where) > 0 {
		query += " WHERE "
		for i, w := range where {
			if i > 0 {
				query += " AND "
			}
			query += w
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, f.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (r *LedgerRepo) ListRetryable(ctx context.Context, maxAttempts int, backoffBase time.Duration, limit int) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE state IN ($1, $2)
		  AND (last_error->>'retryable')::boolean
		  AND attempts < $3
		  AND updated_at < now() - make_interval(secs => $4 * power(2, greatest(attempts - 1, 0)))
		ORDER BY updated_at ASC
		LIMIT $5
	`, models.StateSubmitted, models.StateProviderRejected, maxAttempts, backoffBase.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (r *LedgerRepo) ListExpiredEscrows(ctx context.Context, expiry time.Duration, limit int) ([]models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE escrowed
		  AND state IN ($1, $2, $3, $4)
		  AND created_at < now() - make_interval(secs => $5)
		ORDER BY created_at ASC
		LIMIT $6
	`, models.StateCaptured, models.StateSubmitted, models.StateProviderAccepted, models.StateProviderRejected,
		expiry.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntry(row pgx.Row) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var paramsBytes, errBytes []byte
	err := row.Scan(&e.Reference, &e.Payer, &e.ServiceKind, &e.Amount, &e.TokenKind, &paramsBytes,
		&e.Escrowed, &e.State, &e.ProviderOrderID, &e.ProviderRequestID, &errBytes,
		&e.Attempts, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal(paramsBytes, &e.ServiceParams)
	if len(errBytes) > 0 {
		_ = json.Unmarshal(errBytes, &e.LastError)
	}
	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var paramsBytes, errBytes []byte
		if err := rows.Scan(&e.Reference, &e.Payer, &e.ServiceKind, &e.Amount, &e.TokenKind, &paramsBytes,
			&e.Escrowed, &e.State, &e.ProviderOrderID, &e.ProviderRequestID, &errBytes,
			&e.Attempts, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(paramsBytes, &e.ServiceParams)
		if len(errBytes) > 0 {
			_ = json.Unmarshal(errBytes, &e.LastError)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
