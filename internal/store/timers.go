package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

const timerColumns = `id, execution_id, name, fire_at, fired_at, cancelled_at, idempotency_key, created_at`

type timerRow struct {
	ID             string  `db:"id"`
	ExecutionID    string  `db:"execution_id"`
	Name           *string `db:"name"`
	FireAt         int64   `db:"fire_at"`
	FiredAt        *int64  `db:"fired_at"`
	CancelledAt    *int64  `db:"cancelled_at"`
	IdempotencyKey *string `db:"idempotency_key"`
	CreatedAt      int64   `db:"created_at"`
}

func (row timerRow) toDomain() *domain.Timer {
	return &domain.Timer{
		ID:             row.ID,
		ExecutionID:    row.ExecutionID,
		Name:           deref(row.Name),
		FireAt:         fromMillis(row.FireAt),
		FiredAt:        fromMillisPtr(row.FiredAt),
		CancelledAt:    fromMillisPtr(row.CancelledAt),
		IdempotencyKey: row.IdempotencyKey,
		CreatedAt:      fromMillis(row.CreatedAt),
	}
}

type Timers struct {
	q sqlx.ExtContext
	d dialect
}

func (r Timers) Insert(ctx context.Context, t *domain.Timer) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`INSERT INTO timers (`+timerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.ExecutionID, strPtr(t.Name), millis(t.FireAt), millisPtr(t.FiredAt), millisPtr(t.CancelledAt),
		t.IdempotencyKey, millis(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert timer: %w", err)
	}
	return nil
}

func (r Timers) get(ctx context.Context, query string, args ...any) (*domain.Timer, error) {
	var row timerRow
	if err := sqlx.GetContext(ctx, r.q, &row, r.d.q(query), args...); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (r Timers) Get(ctx context.Context, id string) (*domain.Timer, error) {
	t, err := r.get(ctx, `SELECT `+timerColumns+` FROM timers WHERE id = ?`, id)
	if err != nil {
		return nil, domain.E("get timer", id, err)
	}
	return t, nil
}

func (r Timers) FindByIdempotencyKey(ctx context.Context, executionID, key string) (*domain.Timer, error) {
	return r.get(ctx, `SELECT `+timerColumns+` FROM timers WHERE execution_id = ? AND idempotency_key = ?`, executionID, key)
}

// Cancel marks a timer cancelled if it has neither fired nor been cancelled.
// It reports whether the timer changed.
func (r Timers) Cancel(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.q.ExecContext(ctx, r.d.q(`
UPDATE timers SET cancelled_at = ? WHERE id = ? AND fired_at IS NULL AND cancelled_at IS NULL`), millis(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to cancel timer: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CancelForExecution cancels every outstanding timer of an execution.
func (r Timers) CancelForExecution(ctx context.Context, executionID string, now time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, r.d.q(`
UPDATE timers SET cancelled_at = ? WHERE execution_id = ? AND fired_at IS NULL AND cancelled_at IS NULL`), millis(now), executionID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel timers: %w", err)
	}
	return res.RowsAffected()
}

// ClaimDue marks the earliest due timer fired and returns it. The update is a
// single statement, so two sweepers can never both claim one timer. It
// returns ErrEmpty when no timer is due.
func (r Timers) ClaimDue(ctx context.Context, now time.Time) (*domain.Timer, error) {
	var row timerRow
	err := r.q.QueryRowxContext(ctx, r.d.q(`
UPDATE timers SET fired_at = ?
WHERE id = (
  SELECT id FROM timers
  WHERE fired_at IS NULL AND cancelled_at IS NULL AND fire_at <= ?
  ORDER BY fire_at LIMIT 1`+r.d.skipLocked()+`
) AND fired_at IS NULL AND cancelled_at IS NULL
RETURNING `+timerColumns), millis(now), millis(now)).StructScan(&row)
	if err != nil {
		if domain.IsNotFound(notFound(err)) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to claim timer: %w", err)
	}
	return row.toDomain(), nil
}

func (r Timers) ListForExecution(ctx context.Context, executionID string) ([]*domain.Timer, error) {
	var rows []timerRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(`SELECT `+timerColumns+` FROM timers WHERE execution_id = ? ORDER BY created_at, id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list timers: %w", err)
	}
	out := make([]*domain.Timer, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}
