// Package protocol holds the request and response shapes of the worker and
// caller interfaces. The same types travel over HTTP and in-process.
package protocol

import (
	"encoding/json"
	"time"

	"durableflow/internal/domain"
)

const DefaultTenant = "default"

const DefaultQueue = "default"

type CreateExecutionRequest struct {
	TenantID          string               `json:"tenant_id"`
	Type              domain.ExecutionType `json:"type" validate:"required,oneof=WORKFLOW TASK"`
	Kind              string               `json:"kind" validate:"required,max=255"`
	Queue             string               `json:"queue" validate:"max=255"`
	Input             json.RawMessage      `json:"input,omitempty"`
	MaxRetries        int                  `json:"max_retries" validate:"min=0,max=100"`
	TimeoutSeconds    int                  `json:"timeout_seconds" validate:"min=0"`
	Priority          int                  `json:"priority"`
	ScheduledAt       *time.Time           `json:"scheduled_at,omitempty"`
	DeadlineAt        *time.Time           `json:"deadline_at,omitempty"`
	IdempotencyKey    string               `json:"idempotency_key,omitempty" validate:"max=255"`
	ParentExecutionID string               `json:"-"`
	ScheduleID        string               `json:"-"`
	RetriedFromID     string               `json:"-"`
}

type CreateExecutionResponse struct {
	Execution *domain.Execution `json:"execution"`
	// Created is false when an execution with the same idempotency key existed.
	Created bool `json:"created"`
}

type ListExecutionsRequest struct {
	TenantID          string
	Type              domain.ExecutionType
	Kind              string
	Queue             string
	Statuses          []domain.Status
	ParentExecutionID string
	ScheduleID        string
	Limit             int
}

type PollRequest struct {
	TenantID     string   `json:"tenant_id"`
	WorkerID     string   `json:"worker_id" validate:"required"`
	Queue        string   `json:"queue"`
	Capabilities []string `json:"capabilities"`
	// WaitMs is how long to block for work. Zero returns at once.
	WaitMs int64 `json:"wait_ms" validate:"min=0"`
}

type PollResponse struct {
	Execution *domain.Execution `json:"execution,omitempty"`
}

type SubmitRequest struct {
	ExecutionID string           `json:"execution_id"`
	WorkerID    string           `json:"worker_id"`
	Commands    []domain.Command `json:"commands"`
	// Status is RUNNING to checkpoint and keep the claim, WAITING (or empty)
	// to hand the execution back.
	Status domain.Status         `json:"status,omitempty"`
	WaitOn *domain.WaitCondition `json:"wait_on,omitempty"`
}

// CommandResult reports the entity a command created or found.
type CommandResult struct {
	Type     domain.CommandType `json:"type"`
	EntityID string             `json:"entity_id,omitempty"`
	// Existing is true when an idempotency key matched an earlier command.
	Existing bool `json:"existing,omitempty"`
}

type SubmitResponse struct {
	Status          domain.Status         `json:"status"`
	Wait            *domain.WaitCondition `json:"wait,omitempty"`
	Results         []CommandResult       `json:"results"`
	CancelRequested bool                  `json:"cancel_requested"`
}

type RegisterWorkerRequest struct {
	TenantID       string   `json:"tenant_id"`
	WorkerID       string   `json:"worker_id"`
	Name           string   `json:"name"`
	Queue          string   `json:"queue"`
	Capabilities   []string `json:"capabilities" validate:"required,min=1,dive,required"`
	MaxConcurrency int      `json:"max_concurrency" validate:"min=0"`
}

// HeartbeatRequest names the executions the worker is running. Only their
// leases are renewed.
type HeartbeatRequest struct {
	WorkerID     string   `json:"worker_id" validate:"required"`
	ExecutionIDs []string `json:"execution_ids"`
}

type HeartbeatResponse struct {
	// Cancelling lists claimed executions whose cancellation was requested.
	Cancelling []string `json:"cancelling"`
}

// ResolvePromiseRequest addresses a promise by id, by an external key, or both.
type ResolvePromiseRequest struct {
	PromiseID      string          `json:"promise_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Value          json.RawMessage `json:"value,omitempty"`
	// Error rejects the promise instead of resolving it.
	Error string `json:"error,omitempty"`
}

type SignalRequest struct {
	Name    string          `json:"name" validate:"required,max=255"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ScheduleRequest creates or replaces a schedule. Exactly one of CronExpr
// and RunAt is set.
type ScheduleRequest struct {
	TenantID        string                 `json:"tenant_id"`
	Name            string                 `json:"name" validate:"required,max=255"`
	CronExpr        string                 `json:"cron_expr,omitempty" validate:"required_without=RunAt,excluded_with=RunAt"`
	RunAt           *time.Time             `json:"run_at,omitempty" validate:"required_without=CronExpr"`
	OverlapPolicy   domain.OverlapPolicy   `json:"overlap_policy,omitempty" validate:"omitempty,oneof=SKIP ALLOW CANCEL_PREVIOUS"`
	MissedRunPolicy domain.MissedRunPolicy `json:"missed_run_policy,omitempty" validate:"omitempty,oneof=SKIP_IF_STALE EXECUTE_ONCE"`
	// CatchupWindowMs bounds how late a SKIP_IF_STALE firing may run. Zero means one minute.
	CatchupWindowMs int64          `json:"catchup_window_ms,omitempty" validate:"min=0"`
	Target          ScheduleTarget `json:"target"`
	Enabled         *bool          `json:"enabled,omitempty"`
}

type ScheduleTarget struct {
	Type           domain.ExecutionType `json:"type" validate:"required,oneof=WORKFLOW TASK"`
	Kind           string               `json:"kind" validate:"required,max=255"`
	Queue          string               `json:"queue,omitempty" validate:"max=255"`
	Input          json.RawMessage      `json:"input,omitempty"`
	MaxRetries     int                  `json:"max_retries" validate:"min=0,max=100"`
	TimeoutSeconds int                  `json:"timeout_seconds,omitempty" validate:"min=0"`
	Priority       int                  `json:"priority"`
}

type TriggerResponse struct {
	Run       *domain.ScheduleRun `json:"run"`
	Execution *domain.Execution   `json:"execution,omitempty"`
}

// ExecutionDetail is an execution together with the entities it owns.
type ExecutionDetail struct {
	Execution *domain.Execution   `json:"execution"`
	Attempts  []domain.Attempt    `json:"attempts"`
	Children  []*domain.Execution `json:"children"`
	Timers    []*domain.Timer     `json:"timers"`
	Promises  []*domain.Promise   `json:"promises"`
}

type EventsResponse struct {
	Events []domain.Event `json:"events"`
	// Next is the cursor to pass as after for the following page.
	Next int64 `json:"next"`
}
