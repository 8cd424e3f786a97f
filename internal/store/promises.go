package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

const promiseColumns = `id, execution_id, name, status, value, error_message, timeout_at, idempotency_key, created_at, resolved_at`

type promiseRow struct {
	ID             string  `db:"id"`
	ExecutionID    string  `db:"execution_id"`
	Name           *string `db:"name"`
	Status         string  `db:"status"`
	Value          *string `db:"value"`
	ErrorMessage   *string `db:"error_message"`
	TimeoutAt      *int64  `db:"timeout_at"`
	IdempotencyKey *string `db:"idempotency_key"`
	CreatedAt      int64   `db:"created_at"`
	ResolvedAt     *int64  `db:"resolved_at"`
}

func (row promiseRow) toDomain() *domain.Promise {
	return &domain.Promise{
		ID:             row.ID,
		ExecutionID:    row.ExecutionID,
		Name:           deref(row.Name),
		Status:         domain.PromiseStatus(row.Status),
		Value:          raw(row.Value),
		ErrorMessage:   deref(row.ErrorMessage),
		TimeoutAt:      fromMillisPtr(row.TimeoutAt),
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      fromMillis(row.CreatedAt),
		ResolvedAt:     fromMillisPtr(row.ResolvedAt),
	}
}

type Promises struct {
	q sqlx.ExtContext
	d dialect
}

func (r Promises) Insert(ctx context.Context, p *domain.Promise) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`INSERT INTO promises (`+promiseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.ExecutionID, strPtr(p.Name), string(p.Status), rawPtr(p.Value), strPtr(p.ErrorMessage),
		millisPtr(p.TimeoutAt), p.IdempotencyKey, millis(p.CreatedAt), millisPtr(p.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to insert promise: %w", err)
	}
	return nil
}

func (r Promises) get(ctx context.Context, query string, args ...any) (*domain.Promise, error) {
	var row promiseRow
	if err := sqlx.GetContext(ctx, r.q, &row, r.d.q(query), args...); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (r Promises) Get(ctx context.Context, id string) (*domain.Promise, error) {
	p, err := r.get(ctx, `SELECT `+promiseColumns+` FROM promises WHERE id = ?`, id)
	if err != nil {
		return nil, domain.E("get promise", id, err)
	}
	return p, nil
}

func (r Promises) FindByIdempotencyKey(ctx context.Context, executionID, key string) (*domain.Promise, error) {
	return r.get(ctx, `SELECT `+promiseColumns+` FROM promises WHERE execution_id = ? AND idempotency_key = ?`, executionID, key)
}

// Settle moves a PENDING promise to status. It reports false when the
// promise had already left PENDING.
func (r Promises) Settle(ctx context.Context, id string, status domain.PromiseStatus, value json.RawMessage, errMsg string, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.d.q(`
UPDATE promises SET status = ?, value = ?, error_message = ?, resolved_at = ?
WHERE id = ? AND status = 'PENDING'`), string(status), rawPtr(value), strPtr(errMsg), millis(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to settle promise: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimTimedOut moves the earliest overdue PENDING promise to TIMED_OUT and
// returns it, or ErrEmpty.
func (r Promises) ClaimTimedOut(ctx context.Context, now time.Time) (*domain.Promise, error) {
	var row promiseRow
	err := r.q.QueryRowxContext(ctx, r.d.q(`
UPDATE promises SET status = 'TIMED_OUT', resolved_at = ?
WHERE id = (
  SELECT id FROM promises
  WHERE status = 'PENDING' AND timeout_at IS NOT NULL AND timeout_at <= ?
  ORDER BY timeout_at LIMIT 1`+r.d.skipLocked()+`
) AND status = 'PENDING'
RETURNING `+promiseColumns), millis(now), millis(now)).StructScan(&row)
	if err != nil {
		if domain.IsNotFound(notFound(err)) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to time out promise: %w", err)
	}
	return row.toDomain(), nil
}

// PutKey binds an external resolution key to a promise. It reports false if
// the key was already bound, to this or another promise.
func (r Promises) PutKey(ctx context.Context, key, promiseID string, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.d.q(`
INSERT INTO promise_keys (idempotency_key, promise_id, created_at) VALUES (?, ?, ?)
ON CONFLICT (idempotency_key) DO NOTHING`), key, promiseID, millis(now))
	if err != nil {
		return false, fmt.Errorf("failed to store promise key: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// LookupKey returns the promise id bound to key, or domain.ErrNotFound.
func (r Promises) LookupKey(ctx context.Context, key string) (string, error) {
	var id string
	if err := sqlx.GetContext(ctx, r.q, &id, r.d.q(`SELECT promise_id FROM promise_keys WHERE idempotency_key = ?`), key); err != nil {
		return "", notFound(err)
	}
	return id, nil
}

func (r Promises) ListForExecution(ctx context.Context, executionID string) ([]*domain.Promise, error) {
	var rows []promiseRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(`SELECT `+promiseColumns+` FROM promises WHERE execution_id = ? ORDER BY created_at, id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list promises: %w", err)
	}
	out := make([]*domain.Promise, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Lock reads a promise holding its row lock on Postgres.
func (r Promises) Lock(ctx context.Context, id string) (*domain.Promise, error) {
	p, err := r.get(ctx, `SELECT `+promiseColumns+` FROM promises WHERE id = ?`+r.d.forUpdate(), id)
	if err != nil {
		return nil, domain.E("lock promise", id, err)
	}
	return p, nil
}
