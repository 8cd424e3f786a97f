package domain

import (
	"encoding/json"
	"time"
)

type Timer struct {
	ID             string     `json:"id"`
	ExecutionID    string     `json:"execution_id"`
	Name           string     `json:"name,omitempty"`
	FireAt         time.Time  `json:"fire_at"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

type PromiseStatus string

const (
	PromisePending  PromiseStatus = "PENDING"
	PromiseResolved PromiseStatus = "RESOLVED"
	PromiseRejected PromiseStatus = "REJECTED"
	PromiseTimedOut PromiseStatus = "TIMED_OUT"
)

type Promise struct {
	ID             string          `json:"id"`
	ExecutionID    string          `json:"execution_id"`
	Name           string          `json:"name,omitempty"`
	Status         PromiseStatus   `json:"status"`
	Value          json.RawMessage `json:"value,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	TimeoutAt      *time.Time      `json:"timeout_at,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

type OverlapPolicy string

const (
	OverlapSkip           OverlapPolicy = "SKIP"
	OverlapAllow          OverlapPolicy = "ALLOW"
	OverlapCancelPrevious OverlapPolicy = "CANCEL_PREVIOUS"
)

type MissedRunPolicy string

const (
	MissedSkipIfStale MissedRunPolicy = "SKIP_IF_STALE"
	MissedExecuteOnce MissedRunPolicy = "EXECUTE_ONCE"
)

// ScheduleTarget describes the execution a schedule spawns.
type ScheduleTarget struct {
	Type           ExecutionType   `json:"type"`
	Kind           string          `json:"kind"`
	Queue          string          `json:"queue"`
	Input          json.RawMessage `json:"input,omitempty"`
	MaxRetries     int             `json:"max_retries"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Priority       int             `json:"priority"`
}

// Schedule is a cron or one-time trigger. Exactly one of CronExpr and RunAt
// is set. NextRunAt is nil once a one-time schedule has fired.
type Schedule struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name"`
	CronExpr        string          `json:"cron_expr,omitempty"`
	RunAt           *time.Time      `json:"run_at,omitempty"`
	OverlapPolicy   OverlapPolicy   `json:"overlap_policy"`
	MissedRunPolicy MissedRunPolicy `json:"missed_run_policy"`
	// CatchupWindow is how late a firing may be before SKIP_IF_STALE drops it.
	CatchupWindow time.Duration  `json:"catchup_window"`
	Target        ScheduleTarget `json:"target"`
	Enabled       bool           `json:"enabled"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type RunTrigger string

const (
	TriggerAutomatic RunTrigger = "AUTOMATIC"
	TriggerManual    RunTrigger = "MANUAL"
)

type RunStatus string

const (
	RunStarted RunStatus = "STARTED"
	RunSkipped RunStatus = "SKIPPED"
)

// ScheduleRun is the audit record of one schedule firing.
type ScheduleRun struct {
	ID           string     `json:"id"`
	ScheduleID   string     `json:"schedule_id"`
	ExecutionID  *string    `json:"execution_id,omitempty"`
	Trigger      RunTrigger `json:"trigger"`
	Status       RunStatus  `json:"status"`
	Reason       string     `json:"reason,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	CreatedAt    time.Time  `json:"created_at"`
}

type Worker struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	Queue           string    `json:"queue"`
	Capabilities    []string  `json:"capabilities"`
	MaxConcurrency  int       `json:"max_concurrency"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// Supports reports whether the worker registered kind.
func (w *Worker) Supports(kind string) bool {
	for _, c := range w.Capabilities {
		if c == kind {
			return true
		}
	}
	return false
}
