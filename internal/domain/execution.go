package domain

import (
	"encoding/json"
	"time"
)

type ExecutionType string

const (
	ExecutionTypeWorkflow ExecutionType = "WORKFLOW"
	ExecutionTypeTask     ExecutionType = "TASK"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusRunning    Status = "RUNNING"
	StatusWaiting    Status = "WAITING"
	StatusCancelling Status = "CANCELLING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// NonTerminalStatuses lists every status an execution can leave.
var NonTerminalStatuses = []Status{StatusPending, StatusRunning, StatusWaiting, StatusCancelling}

// WaitType names what a WAITING execution is blocked on.
type WaitType string

const (
	WaitTask    WaitType = "TASK"
	WaitChild   WaitType = "CHILD"
	WaitTimer   WaitType = "TIMER"
	WaitPromise WaitType = "PROMISE"
	WaitSignal  WaitType = "SIGNAL"
	// WaitAny wakes on any resolution event.
	WaitAny WaitType = "ANY"
)

func (w WaitType) Valid() bool {
	switch w {
	case WaitTask, WaitChild, WaitTimer, WaitPromise, WaitSignal, WaitAny:
		return true
	}
	return false
}

// WaitCondition identifies the entity whose resolution unblocks an execution.
// Ref is an entity id, or the signal name for WaitSignal.
type WaitCondition struct {
	Type WaitType `json:"type"`
	Ref  string   `json:"ref,omitempty"`
}

type ErrorCategory string

const (
	ErrorApplication ErrorCategory = "APPLICATION"
	ErrorTimeout     ErrorCategory = "TIMEOUT"
	ErrorCancelled   ErrorCategory = "CANCELLED"
	ErrorInternal    ErrorCategory = "INTERNAL"
)

// ExecutionError is the persisted, user visible failure of an execution or attempt.
type ExecutionError struct {
	Message  string        `json:"message"`
	Category ErrorCategory `json:"category"`
	// NonRetryable skips the remaining retries.
	NonRetryable bool `json:"non_retryable,omitempty"`
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	return string(e.Category) + ": " + e.Message
}

type Execution struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	Type              ExecutionType   `json:"type"`
	Kind              string          `json:"kind"`
	Queue             string          `json:"queue"`
	Status            Status          `json:"status"`
	Input             json.RawMessage `json:"input,omitempty"`
	Output            json.RawMessage `json:"output,omitempty"`
	Error             *ExecutionError `json:"error,omitempty"`
	Attempt           int             `json:"attempt"`
	MaxRetries        int             `json:"max_retries"`
	Priority          int             `json:"priority"`
	TimeoutSeconds    int             `json:"timeout_seconds,omitempty"`
	ScheduledAt       time.Time       `json:"scheduled_at"`
	DeadlineAt        *time.Time      `json:"deadline_at,omitempty"`
	ParentExecutionID *string         `json:"parent_execution_id,omitempty"`
	IdempotencyKey    *string         `json:"idempotency_key,omitempty"`
	RetriedFromID     *string         `json:"retried_from_id,omitempty"`
	ScheduleID        *string         `json:"schedule_id,omitempty"`
	Wait              *WaitCondition  `json:"wait,omitempty"`
	Sequence          int64           `json:"sequence"`
	ClaimedSequence   int64           `json:"claimed_sequence"`
	WorkerID          *string         `json:"worker_id,omitempty"`
	LeaseExpiresAt    *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
}

// ChildWaitType is the wait type a parent uses while blocked on e.
func (e *Execution) ChildWaitType() WaitType {
	if e.Type == ExecutionTypeWorkflow {
		return WaitChild
	}
	return WaitTask
}

// RetriesLeft reports whether a failed attempt may be retried. Attempts are
// numbered from 1, so MaxRetries+1 attempts run in total.
func (e *Execution) RetriesLeft() bool {
	return e.Attempt <= e.MaxRetries
}

// AttemptOutcome records how a single claim of an execution ended.
type AttemptOutcome string

const (
	AttemptRunning      AttemptOutcome = "RUNNING"
	AttemptCompleted    AttemptOutcome = "COMPLETED"
	AttemptFailed       AttemptOutcome = "FAILED"
	AttemptRetried      AttemptOutcome = "RETRIED"
	AttemptYielded      AttemptOutcome = "YIELDED"
	AttemptTimedOut     AttemptOutcome = "TIMED_OUT"
	AttemptLeaseExpired AttemptOutcome = "LEASE_EXPIRED"
	AttemptCancelled    AttemptOutcome = "CANCELLED"
)

// Attempt is the audit record of one claim.
type Attempt struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	Attempt      int            `json:"attempt"`
	WorkerID     string         `json:"worker_id"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorMessage string         `json:"error_message,omitempty"`
	StartedAt    time.Time      `json:"started_at"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
}
