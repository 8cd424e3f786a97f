package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type CommandType string

const (
	CommandCompleteExecution     CommandType = "COMPLETE_EXECUTION"
	CommandFailExecution         CommandType = "FAIL_EXECUTION"
	CommandCancelExecution       CommandType = "CANCEL_EXECUTION"
	CommandRequestCancellation   CommandType = "REQUEST_CANCELLATION"
	CommandStartTimer            CommandType = "START_TIMER"
	CommandCancelTimer           CommandType = "CANCEL_TIMER"
	CommandCreatePromise         CommandType = "CREATE_PROMISE"
	CommandResolvePromise        CommandType = "RESOLVE_PROMISE"
	CommandScheduleTask          CommandType = "SCHEDULE_TASK"
	CommandScheduleChildWorkflow CommandType = "SCHEDULE_CHILD_WORKFLOW"
	CommandWaitForSignal         CommandType = "WAIT_FOR_SIGNAL"
	CommandSetState              CommandType = "SET_STATE"
	CommandClearState            CommandType = "CLEAR_STATE"
)

// Command is one intent reported by a worker. Exactly one attribute struct,
// matching Type, is set.
type Command struct {
	Type           CommandType `json:"type"`
	IdempotencyKey string      `json:"idempotency_key,omitempty"`

	Complete       *CompleteAttributes       `json:"complete,omitempty"`
	Fail           *FailAttributes           `json:"fail,omitempty"`
	Cancel         *CancelAttributes         `json:"cancel,omitempty"`
	StartTimer     *StartTimerAttributes     `json:"start_timer,omitempty"`
	CancelTimer    *CancelTimerAttributes    `json:"cancel_timer,omitempty"`
	CreatePromise  *CreatePromiseAttributes  `json:"create_promise,omitempty"`
	ResolvePromise *ResolvePromiseAttributes `json:"resolve_promise,omitempty"`
	ScheduleTask   *ScheduleAttributes       `json:"schedule_task,omitempty"`
	ScheduleChild  *ScheduleAttributes       `json:"schedule_child,omitempty"`
	WaitForSignal  *WaitForSignalAttributes  `json:"wait_for_signal,omitempty"`
	State          *StateAttributes          `json:"state,omitempty"`
}

type CompleteAttributes struct {
	Output json.RawMessage `json:"output,omitempty"`
}

type FailAttributes struct {
	Message      string        `json:"message"`
	Category     ErrorCategory `json:"category,omitempty"`
	NonRetryable bool          `json:"non_retryable,omitempty"`
}

// CancelAttributes targets the submitting execution when ExecutionID is empty.
type CancelAttributes struct {
	ExecutionID string `json:"execution_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// StartTimerAttributes sets either an absolute FireAt or a relative duration.
type StartTimerAttributes struct {
	Name       string     `json:"name,omitempty"`
	FireAt     *time.Time `json:"fire_at,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
}

type CancelTimerAttributes struct {
	TimerID string `json:"timer_id"`
}

type CreatePromiseAttributes struct {
	Name        string `json:"name,omitempty"`
	TimeoutMs   int64  `json:"timeout_ms,omitempty"`
	ExternalKey string `json:"external_key,omitempty"`
}

// ResolvePromiseAttributes resolves, or rejects when Error is set, a promise
// owned by the submitting execution.
type ResolvePromiseAttributes struct {
	PromiseID string          `json:"promise_id"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type ScheduleAttributes struct {
	Kind           string          `json:"kind"`
	Queue          string          `json:"queue,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Priority       int             `json:"priority,omitempty"`
}

type WaitForSignalAttributes struct {
	Name string `json:"name"`
}

type StateAttributes struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Terminal reports whether the command ends the execution.
func (c Command) Terminal() bool {
	switch c.Type {
	case CommandCompleteExecution, CommandFailExecution, CommandCancelExecution:
		return true
	}
	return false
}

// Validate checks that the attributes match the command type.
func (c Command) Validate() error {
	missing := func(field string) error {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidCommand, c.Type, field)
	}
	switch c.Type {
	case CommandCompleteExecution:
		return nil
	case CommandFailExecution:
		if c.Fail == nil || c.Fail.Message == "" {
			return missing("fail.message")
		}
	case CommandCancelExecution, CommandRequestCancellation:
		return nil
	case CommandStartTimer:
		if c.StartTimer == nil || (c.StartTimer.FireAt == nil && c.StartTimer.DurationMs <= 0) {
			return missing("start_timer.fire_at or start_timer.duration_ms")
		}
	case CommandCancelTimer:
		if c.CancelTimer == nil || c.CancelTimer.TimerID == "" {
			return missing("cancel_timer.timer_id")
		}
	case CommandCreatePromise:
		if c.CreatePromise == nil {
			return missing("create_promise")
		}
		if c.CreatePromise.TimeoutMs < 0 {
			return fmt.Errorf("%w: negative promise timeout", ErrInvalidCommand)
		}
	case CommandResolvePromise:
		if c.ResolvePromise == nil || c.ResolvePromise.PromiseID == "" {
			return missing("resolve_promise.promise_id")
		}
	case CommandScheduleTask:
		if c.ScheduleTask == nil || c.ScheduleTask.Kind == "" {
			return missing("schedule_task.kind")
		}
	case CommandScheduleChildWorkflow:
		if c.ScheduleChild == nil || c.ScheduleChild.Kind == "" {
			return missing("schedule_child.kind")
		}
	case CommandWaitForSignal:
		if c.WaitForSignal == nil || c.WaitForSignal.Name == "" {
			return missing("wait_for_signal.name")
		}
	case CommandSetState:
		if c.State == nil || c.State.Key == "" {
			return missing("state.key")
		}
	case CommandClearState:
		if c.State == nil || c.State.Key == "" {
			return missing("state.key")
		}
	default:
		return fmt.Errorf("%w: unknown command type %q", ErrInvalidCommand, c.Type)
	}
	return nil
}
