package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// migrations is the versioned schema. The DDL sticks to types both SQLite
// and Postgres accept; timestamps are BIGINT Unix milliseconds.
func migrations() map[int]string {
	return map[int]string{
		1: `
CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  type TEXT NOT NULL CHECK (type IN ('WORKFLOW','TASK')),
  kind TEXT NOT NULL,
  queue TEXT NOT NULL,
  status TEXT NOT NULL CHECK (status IN ('PENDING','RUNNING','WAITING','CANCELLING','COMPLETED','FAILED','CANCELLED')),
  input TEXT,
  output TEXT,
  error_message TEXT,
  error_category TEXT,
  attempt INTEGER NOT NULL DEFAULT 1,
  max_retries INTEGER NOT NULL DEFAULT 0,
  priority INTEGER NOT NULL DEFAULT 0,
  timeout_seconds INTEGER NOT NULL DEFAULT 0,
  scheduled_at BIGINT NOT NULL,
  deadline_at BIGINT,
  parent_execution_id TEXT REFERENCES executions(id) ON DELETE CASCADE,
  idempotency_key TEXT,
  retried_from_id TEXT,
  schedule_id TEXT,
  wait_type TEXT,
  wait_ref TEXT,
  sequence BIGINT NOT NULL DEFAULT 0,
  claimed_sequence BIGINT NOT NULL DEFAULT 0,
  worker_id TEXT,
  lease_expires_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL,
  completed_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_executions_claim ON executions(status, queue, scheduled_at, priority);
CREATE INDEX IF NOT EXISTS idx_executions_parent ON executions(parent_execution_id, status);
CREATE INDEX IF NOT EXISTS idx_executions_deadline ON executions(deadline_at) WHERE deadline_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_executions_lease ON executions(lease_expires_at) WHERE lease_expires_at IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_executions_worker ON executions(worker_id) WHERE worker_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_executions_schedule ON executions(schedule_id, status) WHERE schedule_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_child_idem ON executions(parent_execution_id, idempotency_key)
  WHERE parent_execution_id IS NOT NULL AND idempotency_key IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_root_idem ON executions(tenant_id, idempotency_key)
  WHERE parent_execution_id IS NULL AND idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS events (
  id TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
  sequence BIGINT NOT NULL,
  event_type TEXT NOT NULL,
  ref_id TEXT,
  payload TEXT,
  created_at BIGINT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_events_sequence ON events(execution_id, sequence);

CREATE TABLE IF NOT EXISTS execution_attempts (
  id TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
  attempt INTEGER NOT NULL,
  worker_id TEXT NOT NULL,
  outcome TEXT NOT NULL,
  error_message TEXT,
  started_at BIGINT NOT NULL,
  finished_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_attempts_execution ON execution_attempts(execution_id, started_at);

CREATE TABLE IF NOT EXISTS timers (
  id TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
  name TEXT,
  fire_at BIGINT NOT NULL,
  fired_at BIGINT,
  cancelled_at BIGINT,
  idempotency_key TEXT,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(fire_at) WHERE fired_at IS NULL AND cancelled_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_timers_idem ON timers(execution_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS promises (
  id TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
  name TEXT,
  status TEXT NOT NULL CHECK (status IN ('PENDING','RESOLVED','REJECTED','TIMED_OUT')),
  value TEXT,
  error_message TEXT,
  timeout_at BIGINT,
  idempotency_key TEXT,
  created_at BIGINT NOT NULL,
  resolved_at BIGINT
);
CREATE INDEX IF NOT EXISTS idx_promises_timeout ON promises(timeout_at) WHERE status = 'PENDING' AND timeout_at IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_promises_idem ON promises(execution_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS promise_keys (
  idempotency_key TEXT PRIMARY KEY,
  promise_id TEXT NOT NULL REFERENCES promises(id) ON DELETE CASCADE,
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  cron_expr TEXT,
  run_at BIGINT,
  overlap_policy TEXT NOT NULL CHECK (overlap_policy IN ('SKIP','ALLOW','CANCEL_PREVIOUS')),
  missed_run_policy TEXT NOT NULL CHECK (missed_run_policy IN ('SKIP_IF_STALE','EXECUTE_ONCE')),
  catchup_window_ms BIGINT NOT NULL DEFAULT 60000,
  target_type TEXT NOT NULL,
  target_kind TEXT NOT NULL,
  target_queue TEXT NOT NULL,
  target_input TEXT,
  target_max_retries INTEGER NOT NULL DEFAULT 0,
  target_timeout_seconds INTEGER NOT NULL DEFAULT 0,
  target_priority INTEGER NOT NULL DEFAULT 0,
  enabled BOOLEAN NOT NULL DEFAULT TRUE,
  next_run_at BIGINT,
  last_run_at BIGINT,
  created_at BIGINT NOT NULL,
  updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS schedule_runs (
  id TEXT PRIMARY KEY,
  schedule_id TEXT NOT NULL REFERENCES schedules(id) ON DELETE CASCADE,
  execution_id TEXT,
  run_trigger TEXT NOT NULL,
  status TEXT NOT NULL,
  reason TEXT,
  scheduled_for BIGINT NOT NULL,
  created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_runs_schedule ON schedule_runs(schedule_id, created_at);

CREATE TABLE IF NOT EXISTS workers (
  id TEXT PRIMARY KEY,
  tenant_id TEXT NOT NULL,
  name TEXT NOT NULL,
  queue TEXT NOT NULL,
  capabilities TEXT NOT NULL,
  max_concurrency INTEGER NOT NULL DEFAULT 0,
  last_heartbeat_at BIGINT NOT NULL,
  created_at BIGINT NOT NULL
);
`,
	}
}

// Migrate creates the schema_migrations table and applies every migration
// newer than the recorded version, each in its own transaction.
func (s *Store) Migrate(ctx context.Context) error {
	s.log.Info().Msg("starting database migrations")

	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
  version INTEGER PRIMARY KEY,
  applied_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"); err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	all := migrations()
	versions := make([]int, 0, len(all))
	for v := range all {
		versions = append(versions, v)
	}
	sort.Ints(versions)

	for _, version := range versions {
		if version <= current {
			continue
		}
		s.log.Info().Int("version", version).Msg("applying migration")

		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, all[version]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, s.d.q("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"), version, millis(time.Now())); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
		current = version
	}

	s.log.Info().Int("version", current).Msg("database migrations completed")
	return nil
}
