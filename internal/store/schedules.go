package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"durableflow/internal/domain"
)

const scheduleColumns = `id, tenant_id, name, cron_expr, run_at, overlap_policy, missed_run_policy, catchup_window_ms,
target_type, target_kind, target_queue, target_input, target_max_retries, target_timeout_seconds, target_priority,
enabled, next_run_at, last_run_at, created_at, updated_at`

type scheduleRow struct {
	ID                   string  `db:"id"`
	TenantID             string  `db:"tenant_id"`
	Name                 string  `db:"name"`
	CronExpr             *string `db:"cron_expr"`
	RunAt                *int64  `db:"run_at"`
	OverlapPolicy        string  `db:"overlap_policy"`
	MissedRunPolicy      string  `db:"missed_run_policy"`
	CatchupWindowMs      int64   `db:"catchup_window_ms"`
	TargetType           string  `db:"target_type"`
	TargetKind           string  `db:"target_kind"`
	TargetQueue          string  `db:"target_queue"`
	TargetInput          *string `db:"target_input"`
	TargetMaxRetries     int     `db:"target_max_retries"`
	TargetTimeoutSeconds int     `db:"target_timeout_seconds"`
	TargetPriority       int     `db:"target_priority"`
	Enabled              bool    `db:"enabled"`
	NextRunAt            *int64  `db:"next_run_at"`
	LastRunAt            *int64  `db:"last_run_at"`
	CreatedAt            int64   `db:"created_at"`
	UpdatedAt            int64   `db:"updated_at"`
}

func toScheduleRow(s *domain.Schedule) scheduleRow {
	return scheduleRow{
		ID:                   s.ID,
		TenantID:             s.TenantID,
		Name:                 s.Name,
		CronExpr:             strPtr(s.CronExpr),
		RunAt:                millisPtr(s.RunAt),
		OverlapPolicy:        string(s.OverlapPolicy),
		MissedRunPolicy:      string(s.MissedRunPolicy),
		CatchupWindowMs:      s.CatchupWindow.Milliseconds(),
		TargetType:           string(s.Target.Type),
		TargetKind:           s.Target.Kind,
		TargetQueue:          s.Target.Queue,
		TargetInput:          rawPtr(s.Target.Input),
		TargetMaxRetries:     s.Target.MaxRetries,
		TargetTimeoutSeconds: s.Target.TimeoutSeconds,
		TargetPriority:       s.Target.Priority,
		Enabled:              s.Enabled,
		NextRunAt:            millisPtr(s.NextRunAt),
		LastRunAt:            millisPtr(s.LastRunAt),
		CreatedAt:            millis(s.CreatedAt),
		UpdatedAt:            millis(s.UpdatedAt),
	}
}

func (row scheduleRow) toDomain() *domain.Schedule {
	return &domain.Schedule{
		ID:              row.ID,
		TenantID:        row.TenantID,
		Name:            row.Name,
		CronExpr:        deref(row.CronExpr),
		RunAt:           fromMillisPtr(row.RunAt),
		OverlapPolicy:   domain.OverlapPolicy(row.OverlapPolicy),
		MissedRunPolicy: domain.MissedRunPolicy(row.MissedRunPolicy),
		CatchupWindow:   time.Duration(row.CatchupWindowMs) * time.Millisecond,
		Target: domain.ScheduleTarget{
			Type:           domain.ExecutionType(row.TargetType),
			Kind:           row.TargetKind,
			Queue:          row.TargetQueue,
			Input:          raw(row.TargetInput),
			MaxRetries:     row.TargetMaxRetries,
			TimeoutSeconds: row.TargetTimeoutSeconds,
			Priority:       row.TargetPriority,
		},
		Enabled:   row.Enabled,
		NextRunAt: fromMillisPtr(row.NextRunAt),
		LastRunAt: fromMillisPtr(row.LastRunAt),
		CreatedAt: fromMillis(row.CreatedAt),
		UpdatedAt: fromMillis(row.UpdatedAt),
	}
}

type Schedules struct {
	q sqlx.ExtContext
	d dialect
}

func (r Schedules) Insert(ctx context.Context, s *domain.Schedule) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
INSERT INTO schedules (`+scheduleColumns+`)
VALUES (:id, :tenant_id, :name, :cron_expr, :run_at, :overlap_policy, :missed_run_policy, :catchup_window_ms,
:target_type, :target_kind, :target_queue, :target_input, :target_max_retries, :target_timeout_seconds, :target_priority,
:enabled, :next_run_at, :last_run_at, :created_at, :updated_at)`, toScheduleRow(s))
	if err != nil {
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

// Update rewrites every mutable column of s.
func (r Schedules) Update(ctx context.Context, s *domain.Schedule) error {
	res, err := sqlx.NamedExecContext(ctx, r.q, `
UPDATE schedules SET name = :name, cron_expr = :cron_expr, run_at = :run_at, overlap_policy = :overlap_policy,
  missed_run_policy = :missed_run_policy, catchup_window_ms = :catchup_window_ms, target_type = :target_type,
  target_kind = :target_kind, target_queue = :target_queue, target_input = :target_input,
  target_max_retries = :target_max_retries, target_timeout_seconds = :target_timeout_seconds,
  target_priority = :target_priority, enabled = :enabled, next_run_at = :next_run_at, updated_at = :updated_at
WHERE id = :id`, toScheduleRow(s))
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E("update schedule", s.ID, domain.ErrNotFound)
	}
	return nil
}

func (r Schedules) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, r.d.q(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.E("delete schedule", id, domain.ErrNotFound)
	}
	return nil
}

func (r Schedules) get(ctx context.Context, query string, args ...any) (*domain.Schedule, error) {
	var row scheduleRow
	if err := sqlx.GetContext(ctx, r.q, &row, r.d.q(query), args...); err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (r Schedules) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	s, err := r.get(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	if err != nil {
		return nil, domain.E("get schedule", id, err)
	}
	return s, nil
}

// Lock reads a schedule holding its row lock on Postgres.
func (r Schedules) Lock(ctx context.Context, id string) (*domain.Schedule, error) {
	s, err := r.get(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`+r.d.forUpdate(), id)
	if err != nil {
		return nil, domain.E("lock schedule", id, err)
	}
	return s, nil
}

// LockDue locks the enabled schedule whose next run is the most overdue.
// Rows locked by another sweeper are skipped.
func (r Schedules) LockDue(ctx context.Context, now time.Time) (*domain.Schedule, error) {
	return r.get(ctx, `SELECT `+scheduleColumns+` FROM schedules
WHERE enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
ORDER BY next_run_at LIMIT 1`+r.d.skipLocked(), true, millis(now))
}

func (r Schedules) List(ctx context.Context, tenantID string) ([]*domain.Schedule, error) {
	var rows []scheduleRow
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if tenantID != "" {
		query += ` WHERE tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` ORDER BY name, id`
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	out := make([]*domain.Schedule, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Advance records a firing and moves next_run_at. A nil next disables
// further automatic firings.
func (r Schedules) Advance(ctx context.Context, id string, lastRun *time.Time, next *time.Time, now time.Time) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`
UPDATE schedules SET last_run_at = COALESCE(?, last_run_at), next_run_at = ?, updated_at = ? WHERE id = ?`),
		millisPtr(lastRun), millisPtr(next), millis(now), id)
	if err != nil {
		return fmt.Errorf("failed to advance schedule: %w", err)
	}
	return nil
}

const scheduleRunColumns = `id, schedule_id, execution_id, run_trigger, status, reason, scheduled_for, created_at`

type scheduleRunRow struct {
	ID           string  `db:"id"`
	ScheduleID   string  `db:"schedule_id"`
	ExecutionID  *string `db:"execution_id"`
	Trigger      string  `db:"run_trigger"`
	Status       string  `db:"status"`
	Reason       *string `db:"reason"`
	ScheduledFor int64   `db:"scheduled_for"`
	CreatedAt    int64   `db:"created_at"`
}

func (r Schedules) InsertRun(ctx context.Context, run *domain.ScheduleRun) error {
	_, err := r.q.ExecContext(ctx, r.d.q(`INSERT INTO schedule_runs (`+scheduleRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.ScheduleID, run.ExecutionID, string(run.Trigger), string(run.Status), strPtr(run.Reason),
		millis(run.ScheduledFor), millis(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert schedule run: %w", err)
	}
	return nil
}

// ListRuns returns the newest runs of a schedule first.
func (r Schedules) ListRuns(ctx context.Context, scheduleID string, limit int) ([]*domain.ScheduleRun, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []scheduleRunRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.d.q(`SELECT `+scheduleRunColumns+` FROM schedule_runs
WHERE schedule_id = ? ORDER BY created_at DESC, id LIMIT ?`), scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	out := make([]*domain.ScheduleRun, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.ScheduleRun{
			ID:           row.ID,
			ScheduleID:   row.ScheduleID,
			ExecutionID:  row.ExecutionID,
			Trigger:      domain.RunTrigger(row.Trigger),
			Status:       domain.RunStatus(row.Status),
			Reason:       deref(row.Reason),
			ScheduledFor: fromMillis(row.ScheduledFor),
			CreatedAt:    fromMillis(row.CreatedAt),
		})
	}
	return out, nil
}
