package domain

import (
	"encoding/json"
	"time"
)

type EventType string

const (
	EventWorkflowStarted        EventType = "WORKFLOW_STARTED"
	EventTaskStarted            EventType = "TASK_STARTED"
	EventExecutionCompleted     EventType = "EXECUTION_COMPLETED"
	EventExecutionFailed        EventType = "EXECUTION_FAILED"
	EventExecutionCancelled     EventType = "EXECUTION_CANCELLED"
	EventExecutionTimedOut      EventType = "EXECUTION_TIMED_OUT"
	EventRetryScheduled         EventType = "RETRY_SCHEDULED"
	EventCancellationRequested  EventType = "CANCELLATION_REQUESTED"
	EventStateSet               EventType = "STATE_SET"
	EventStateCleared           EventType = "STATE_CLEARED"
	EventSignalReceived         EventType = "SIGNAL_RECEIVED"
	EventSignalWaitStarted      EventType = "SIGNAL_WAIT_STARTED"
	EventTaskScheduled          EventType = "TASK_SCHEDULED"
	EventTaskCompleted          EventType = "TASK_COMPLETED"
	EventTaskFailed             EventType = "TASK_FAILED"
	EventTaskCancelled          EventType = "TASK_CANCELLED"
	EventChildWorkflowScheduled EventType = "CHILD_WORKFLOW_SCHEDULED"
	EventChildWorkflowCompleted EventType = "CHILD_WORKFLOW_COMPLETED"
	EventChildWorkflowFailed    EventType = "CHILD_WORKFLOW_FAILED"
	EventChildWorkflowCancelled EventType = "CHILD_WORKFLOW_CANCELLED"
	EventTimerStarted           EventType = "TIMER_STARTED"
	EventTimerFired             EventType = "TIMER_FIRED"
	EventTimerCancelled         EventType = "TIMER_CANCELLED"
	EventPromiseCreated         EventType = "PROMISE_CREATED"
	EventPromiseResolved        EventType = "PROMISE_RESOLVED"
	EventPromiseRejected        EventType = "PROMISE_REJECTED"
	EventPromiseTimedOut        EventType = "PROMISE_TIMED_OUT"
)

// ResolvedWait returns the wait type a resolution event satisfies. The second
// result is false for events that never unblock a waiting execution.
func (t EventType) ResolvedWait() (WaitType, bool) {
	switch t {
	case EventTaskCompleted, EventTaskFailed, EventTaskCancelled:
		return WaitTask, true
	case EventChildWorkflowCompleted, EventChildWorkflowFailed, EventChildWorkflowCancelled:
		return WaitChild, true
	case EventTimerFired:
		return WaitTimer, true
	case EventPromiseResolved, EventPromiseRejected, EventPromiseTimedOut:
		return WaitPromise, true
	case EventSignalReceived:
		return WaitSignal, true
	}
	return "", false
}

// ResolutionEvents lists event types that carry a wait type.
func ResolutionEvents(w WaitType) []EventType {
	switch w {
	case WaitTask:
		return []EventType{EventTaskCompleted, EventTaskFailed, EventTaskCancelled}
	case WaitChild:
		return []EventType{EventChildWorkflowCompleted, EventChildWorkflowFailed, EventChildWorkflowCancelled}
	case WaitTimer:
		return []EventType{EventTimerFired}
	case WaitPromise:
		return []EventType{EventPromiseResolved, EventPromiseRejected, EventPromiseTimedOut}
	case WaitSignal:
		return []EventType{EventSignalReceived}
	case WaitAny:
		var all []EventType
		for _, w := range []WaitType{WaitTask, WaitChild, WaitTimer, WaitPromise, WaitSignal} {
			all = append(all, ResolutionEvents(w)...)
		}
		return all
	}
	return nil
}

// Event is an immutable entry in an execution's history.
type Event struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        EventType       `json:"event_type"`
	RefID       string          `json:"ref_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Event payloads.

type StartedPayload struct {
	Kind       string          `json:"kind"`
	Queue      string          `json:"queue"`
	Input      json.RawMessage `json:"input,omitempty"`
	MaxRetries int             `json:"max_retries"`
	ParentID   string          `json:"parent_id,omitempty"`
}

type ResultPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *ExecutionError `json:"error,omitempty"`
}

type RetryPayload struct {
	Attempt     int             `json:"attempt"`
	NextAttempt int             `json:"next_attempt"`
	RunAt       time.Time       `json:"run_at"`
	Error       *ExecutionError `json:"error,omitempty"`
}

type CancellationPayload struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

type StatePayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

type SignalPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ChildScheduledPayload struct {
	ExecutionID    string          `json:"execution_id"`
	Kind           string          `json:"kind"`
	Queue          string          `json:"queue"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type ChildResultPayload struct {
	ExecutionID string          `json:"execution_id"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *ExecutionError `json:"error,omitempty"`
}

type TimerPayload struct {
	TimerID        string    `json:"timer_id"`
	Name           string    `json:"name,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	FireAt         time.Time `json:"fire_at"`
}

type PromisePayload struct {
	PromiseID      string          `json:"promise_id"`
	Name           string          `json:"name,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	ExternalKey    string          `json:"external_key,omitempty"`
	TimeoutAt      *time.Time      `json:"timeout_at,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	Error          *ExecutionError `json:"error,omitempty"`
}
