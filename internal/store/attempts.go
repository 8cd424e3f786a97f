package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

type attemptRow struct {
	ID           string  `db:"id"`
	ExecutionID  string  `db:"execution_id"`
	Attempt      int     `db:"attempt"`
	WorkerID     string  `db:"worker_id"`
	Outcome      string  `db:"outcome"`
	ErrorMessage *string `db:"error_message"`
	StartedAt    int64   `db:"started_at"`
	FinishedAt   *int64  `db:"finished_at"`
}

// Attempts is the audit trail of claims, one row per claim.
type Attempts struct {
	q sqlx.ExtContext
	d dialect
}

// Start opens the attempt record for a fresh claim.
func (r Attempts) Start(ctx context.Context, e *domain.Execution, workerID string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`
INSERT INTO execution_attempts (id, execution_id, attempt, worker_id, outcome, started_at)
VALUES (?, ?, ?, ?, ?, ?)`),
		"att_"+uuid.NewString(), e.ID, e.Attempt, workerID, string(domain.AttemptRunning), millis(now))
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// Finish closes the open attempt of an execution, if any.
func (r Attempts) Finish(ctx context.Context, executionID string, outcome domain.AttemptOutcome, errMsg string, now time.Time) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`
UPDATE execution_attempts SET outcome = ?, error_message = ?, finished_at = ?
WHERE execution_id = ? AND finished_at IS NULL`), string(outcome), strPtr(errMsg), millis(now), executionID)
	if err != nil {
		return fmt.Errorf("failed to finish attempt: %w", err)
	}
	return nil
}

func (r Attempts) List(ctx context.Context, executionID string) ([]domain.Attempt, error) {
	var rows []attemptRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(`
SELECT id, execution_id, attempt, worker_id, outcome, error_message, started_at, finished_at
FROM execution_attempts WHERE execution_id = ? ORDER BY started_at, id`), executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	out := make([]domain.Attempt, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.Attempt{
			ID:           row.ID,
			ExecutionID:  row.ExecutionID,
			Attempt:      row.Attempt,
			WorkerID:     row.WorkerID,
			Outcome:      domain.AttemptOutcome(row.Outcome),
			ErrorMessage: deref(row.ErrorMessage),
			StartedAt:    fromMillis(row.StartedAt),
			FinishedAt:   fromMillisPtr(row.FinishedAt),
		})
	}
	return out, nil
}
