package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
)

const executionColumns = `id, tenant_id, type, kind, queue, status, input, output, error_message, error_category,
attempt, max_retries, priority, timeout_seconds, scheduled_at, deadline_at, parent_execution_id, idempotency_key,
retried_from_id, schedule_id, wait_type, wait_ref, sequence, claimed_sequence, worker_id, lease_expires_at,
created_at, updated_at, completed_at`

type executionRow struct {
	ID                string  `db:"id"`
	TenantID          string  `db:"tenant_id"`
	Type              string  `db:"type"`
	Kind              string  `db:"kind"`
	Queue             string  `db:"queue"`
	Status            string  `db:"status"`
	Input             *string `db:"input"`
	Output            *string `db:"output"`
	ErrorMessage      *string `db:"error_message"`
	ErrorCategory     *string `db:"error_category"`
	Attempt           int     `db:"attempt"`
	MaxRetries        int     `db:"max_retries"`
	Priority          int     `db:"priority"`
	TimeoutSeconds    int     `db:"timeout_seconds"`
	ScheduledAt       int64   `db:"scheduled_at"`
	DeadlineAt        *int64  `db:"deadline_at"`
	ParentExecutionID *string `db:"parent_execution_id"`
	IdempotencyKey    *string `db:"idempotency_key"`
	RetriedFromID     *string `db:"retried_from_id"`
	ScheduleID        *string `db:"schedule_id"`
	WaitType          *string `db:"wait_type"`
	WaitRef           *string `db:"wait_ref"`
	Sequence          int64   `db:"sequence"`
	ClaimedSequence   int64   `db:"claimed_sequence"`
	WorkerID          *string `db:"worker_id"`
	LeaseExpiresAt    *int64  `db:"lease_expires_at"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
	CompletedAt       *int64  `db:"completed_at"`
}

func toExecutionRow(e *domain.Execution) executionRow {
	row := executionRow{
		ID:                e.ID,
		TenantID:          e.TenantID,
		Type:              string(e.Type),
		Kind:              e.Kind,
		Queue:             e.Queue,
		Status:            string(e.Status),
		Input:             rawPtr(e.Input),
		Output:            rawPtr(e.Output),
		Attempt:           e.Attempt,
		MaxRetries:        e.MaxRetries,
		Priority:          e.Priority,
		TimeoutSeconds:    e.TimeoutSeconds,
		ScheduledAt:       millis(e.ScheduledAt),
		DeadlineAt:        millisPtr(e.DeadlineAt),
		ParentExecutionID: e.ParentExecutionID,
		IdempotencyKey:    e.IdempotencyKey,
		RetriedFromID:     e.RetriedFromID,
		ScheduleID:        e.ScheduleID,
		Sequence:          e.Sequence,
		ClaimedSequence:   e.ClaimedSequence,
		WorkerID:          e.WorkerID,
		LeaseExpiresAt:    millisPtr(e.LeaseExpiresAt),
		CreatedAt:         millis(e.CreatedAt),
		UpdatedAt:         millis(e.UpdatedAt),
		CompletedAt:       millisPtr(e.CompletedAt),
	}
	if e.Error != nil {
		row.ErrorMessage = &e.Error.Message
		row.ErrorCategory = strPtr(string(e.Error.Category))
	}
	if e.Wait != nil {
		row.WaitType = strPtr(string(e.Wait.Type))
		row.WaitRef = strPtr(e.Wait.Ref)
	}
	return row
}

func (row executionRow) toDomain() *domain.Execution {
	e := &domain.Execution{
		ID:                row.ID,
		TenantID:          row.TenantID,
		Type:              domain.ExecutionType(row.Type),
		Kind:              row.Kind,
		Queue:             row.Queue,
		Status:            domain.Status(row.Status),
		Input:             raw(row.Input),
		Output:            raw(row.Output),
		Attempt:           row.Attempt,
		MaxRetries:        row.MaxRetries,
		Priority:          row.Priority,
		TimeoutSeconds:    row.TimeoutSeconds,
		ScheduledAt:       fromMillis(row.ScheduledAt),
		DeadlineAt:        fromMillisPtr(row.DeadlineAt),
		ParentExecutionID: row.ParentExecutionID,
		IdempotencyKey:    row.IdempotencyKey,
		RetriedFromID:     row.RetriedFromID,
		ScheduleID:        row.ScheduleID,
		Sequence:          row.Sequence,
		ClaimedSequence:   row.ClaimedSequence,
		WorkerID:          row.WorkerID,
		LeaseExpiresAt:    fromMillisPtr(row.LeaseExpiresAt),
		CreatedAt:         fromMillis(row.CreatedAt),
		UpdatedAt:         fromMillis(row.UpdatedAt),
		CompletedAt:       fromMillisPtr(row.CompletedAt),
	}
	if row.ErrorMessage != nil || row.ErrorCategory != nil {
		e.Error = &domain.ExecutionError{
			Message:  deref(row.ErrorMessage),
			Category: domain.ErrorCategory(deref(row.ErrorCategory)),
		}
	}
	if row.WaitType != nil {
		e.Wait = &domain.WaitCondition{Type: domain.WaitType(*row.WaitType), Ref: deref(row.WaitRef)}
	}
	return e
}

// Executions is the repository for workflow and task executions.
type Executions struct {
	q sqlx.ExtContext
	d dialect
}

// Insert stores e unless an execution with the same idempotency key exists
// under the same owner. It reports whether a row was written.
func (r Executions) Insert(ctx context.Context, e *domain.Execution) (bool, error) {
	res, err := sqlx.NamedExecContext(ctx, r.q, `
INSERT INTO executions (`+executionColumns+`)
VALUES (:id, :tenant_id, :type, :kind, :queue, :status, :input, :output, :error_message, :error_category,
:attempt, :max_retries, :priority, :timeout_seconds, :scheduled_at, :deadline_at, :parent_execution_id, :idempotency_key,
:retried_from_id, :schedule_id, :wait_type, :wait_ref, :sequence, :claimed_sequence, :worker_id, :lease_expires_at,
:created_at, :updated_at, :completed_at)
ON CONFLICT DO NOTHING`, toExecutionRow(e))
	if err != nil {
		return false, fmt.Errorf("failed to insert execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Executions) get(ctx context.Context, query string, args ...any) (*domain.Execution, error) {
	var row executionRow
	if err := sqlx.GetContext(ctx, r.q, &row, r.d.q(query), args...); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (r Executions) Get(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := r.get(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	if err != nil {
		return nil, domain.E("get execution", id, err)
	}
	return e, nil
}

// Lock reads an execution and, on Postgres, holds its row lock until the
// surrounding transaction ends.
func (r Executions) Lock(ctx context.Context, id string) (*domain.Execution, error) {
	e, err := r.get(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`+r.d.forUpdate(), id)
	if err != nil {
		return nil, domain.E("lock execution", id, err)
	}
	return e, nil
}

// FindByIdempotencyKey looks a key up under parentID, or among top-level
// executions of tenantID when parentID is empty.
func (r Executions) FindByIdempotencyKey(ctx context.Context, tenantID, parentID, key string) (*domain.Execution, error) {
	if parentID != "" {
		return r.get(ctx, `SELECT `+executionColumns+` FROM executions WHERE parent_execution_id = ? AND idempotency_key = ?`, parentID, key)
	}
	return r.get(ctx, `SELECT `+executionColumns+` FROM executions
WHERE tenant_id = ? AND parent_execution_id IS NULL AND idempotency_key = ?`, tenantID, key)
}

type ClaimParams struct {
	TenantID   string
	Queue      string
	Kinds      []string
	WorkerID   string
	Now        time.Time
	LeaseUntil time.Time
}

// Claim selects the highest priority, oldest ready execution of a supported
// kind, locks it and marks it RUNNING in one statement. Concurrent callers
// never receive the same row. It returns ErrEmpty when nothing is ready.
func (r Executions) Claim(ctx context.Context, p ClaimParams) (*domain.Execution, error) {
	if len(p.Kinds) == 0 {
		return nil, ErrEmpty
	}
	query, args, err := sqlx.In(`
UPDATE executions
SET status = 'RUNNING', worker_id = ?, lease_expires_at = ?, claimed_sequence = sequence, updated_at = ?
WHERE id = (
  SELECT id FROM executions
  WHERE status = 'PENDING' AND tenant_id = ? AND queue = ? AND scheduled_at <= ? AND kind IN (?)
  ORDER BY priority DESC, scheduled_at ASC, created_at ASC
  LIMIT 1`+r.d.skipLocked()+`
) AND status = 'PENDING'
RETURNING `+executionColumns,
		p.WorkerID, millis(p.LeaseUntil), millis(p.Now),
		p.TenantID, p.Queue, millis(p.Now), p.Kinds)
	if err != nil {
		return nil, err
	}

	var row executionRow
	if err := r.q.QueryRowxContext(ctx, r.d.q(query), args...).StructScan(&row); err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return nil, ErrEmpty
		}
		return nil, fmt.Errorf("failed to claim execution: %w", err)
	}
	return row.toDomain(), nil
}

// Save writes the mutable fields of e if its stored status is one of from.
// It returns domain.ErrConflict when the status moved underneath the caller.
// The event cursor is owned by Events.Append and never written here.
func (r Executions) Save(ctx context.Context, e *domain.Execution, from ...domain.Status) error {
	row := toExecutionRow(e)
	query, args, err := sqlx.In(`
UPDATE executions
SET status = ?, output = ?, error_message = ?, error_category = ?, attempt = ?, priority = ?,
    scheduled_at = ?, deadline_at = ?, wait_type = ?, wait_ref = ?, worker_id = ?, lease_expires_at = ?,
    updated_at = ?, completed_at = ?
WHERE id = ? AND status IN (?)`,
		row.Status, row.Output, row.ErrorMessage, row.ErrorCategory, row.Attempt, row.Priority,
		row.ScheduledAt, row.DeadlineAt, row.WaitType, row.WaitRef, row.WorkerID, row.LeaseExpiresAt,
		row.UpdatedAt, row.CompletedAt,
		row.ID, statusStrings(from))
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, r.d.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.E("save execution", e.ID, domain.ErrConflict)
	}
	return nil
}

// Wake moves a WAITING execution back to PENDING when w satisfies its wait
// condition. It returns the execution's queue and whether it woke.
func (r Executions) Wake(ctx context.Context, id string, w domain.WaitCondition, now time.Time) (string, bool, error) {
	var queue string
	err := r.q.QueryRowxContext(ctx, r.d.q(`
UPDATE executions
SET status = 'PENDING', wait_type = NULL, wait_ref = NULL, updated_at = ?
WHERE id = ? AND status = 'WAITING' AND (wait_type = 'ANY' OR (wait_type = ? AND wait_ref = ?))
RETURNING queue`), millis(now), id, string(w.Type), w.Ref).Scan(&queue)
	if err != nil {
		if errors.Is(notFound(err), domain.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to wake execution: %w", err)
	}
	return queue, true, nil
}

// LiveChildren returns the non-terminal executions owned by parentID.
func (r Executions) LiveChildren(ctx context.Context, parentID string) ([]*domain.Execution, error) {
	query, args, err := sqlx.In(`SELECT `+executionColumns+` FROM executions
WHERE parent_execution_id = ? AND status IN (?) ORDER BY created_at`, parentID, statusStrings(domain.NonTerminalStatuses))
	if err != nil {
		return nil, err
	}
	return r.selectRows(ctx, query, args...)
}

// LockDueDeadline locks one unfinished execution whose deadline passed.
func (r Executions) LockDueDeadline(ctx context.Context, now time.Time) (*domain.Execution, error) {
	return r.get(ctx, `SELECT `+executionColumns+` FROM executions
WHERE deadline_at IS NOT NULL AND deadline_at <= ? AND status IN ('PENDING','RUNNING','WAITING','CANCELLING')
ORDER BY deadline_at LIMIT 1`+r.d.skipLocked(), millis(now))
}

// LockExpiredLease locks one claimed execution whose worker stopped renewing.
func (r Executions) LockExpiredLease(ctx context.Context, now time.Time) (*domain.Execution, error) {
	return r.get(ctx, `SELECT `+executionColumns+` FROM executions
WHERE lease_expires_at IS NOT NULL AND lease_expires_at <= ? AND status IN ('RUNNING','CANCELLING')
ORDER BY lease_expires_at LIMIT 1`+r.d.skipLocked(), millis(now))
}

// ExtendLeases renews the claims workerID holds on ids. A claim left behind
// by an earlier process under the same worker id is not in ids and keeps
// expiring.
func (r Executions) ExtendLeases(ctx context.Context, workerID string, ids []string, until, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
UPDATE executions SET lease_expires_at = ?, updated_at = ?
WHERE id IN (?) AND worker_id = ? AND status IN ('RUNNING','CANCELLING')`, millis(until), millis(now), ids, workerID)
	if err != nil {
		return 0, err
	}
	res, err := r.q.ExecContext(ctx, r.d.q(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to extend leases: %w", err)
	}
	return res.RowsAffected()
}

// CancellingFor lists which of ids, held by workerID, had cancellation requested.
func (r Executions) CancellingFor(ctx context.Context, workerID string, ids []string) ([]string, error) {
	out := []string{}
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
SELECT id FROM executions WHERE id IN (?) AND worker_id = ? AND status = 'CANCELLING' ORDER BY id`, ids, workerID)
	if err != nil {
		return nil, err
	}
	if err := sqlx.SelectContext(ctx, r.q, &out, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list cancelling executions: %w", err)
	}
	return out, nil
}

func (r Executions) List(ctx context.Context, f protocol.ListExecutionsRequest) ([]*domain.Execution, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.TenantID != "" {
		add("tenant_id = ?", f.TenantID)
	}
	if f.Type != "" {
		add("type = ?", string(f.Type))
	}
	if f.Kind != "" {
		add("kind = ?", f.Kind)
	}
	if f.Queue != "" {
		add("queue = ?", f.Queue)
	}
	if f.ParentExecutionID != "" {
		add("parent_execution_id = ?", f.ParentExecutionID)
	}
	if f.ScheduleID != "" {
		add("schedule_id = ?", f.ScheduleID)
	}
	if len(f.Statuses) > 0 {
		add("status IN (?)", statusStrings(f.Statuses))
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	return r.selectRows(ctx, query, args...)
}

// CountByStatus returns the number of executions per status.
func (r Executions) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, r.q, &rows, `SELECT status, COUNT(*) AS n FROM executions GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	counts := make(map[domain.Status]int, len(rows))
	for _, row := range rows {
		counts[domain.Status(row.Status)] = row.Count
	}
	return counts, nil
}

func (r Executions) selectRows(ctx context.Context, query string, args ...any) ([]*domain.Execution, error) {
	var rows []executionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*domain.Execution, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func statusStrings(statuses []domain.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
