// Package replay folds an execution's event log into the state a worker
// resumes from. The fold reads nothing but the events, so any worker can
// rebuild the same state after a crash or a hand-off.
package replay

import (
	"encoding/json"
	"fmt"
	"time"

	"durableflow/internal/domain"
)

// Child is a task or child workflow scheduled by the execution.
type Child struct {
	ID             string                 `json:"id"`
	Type           domain.ExecutionType   `json:"type"`
	Kind           string                 `json:"kind"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Status         domain.Status          `json:"status"`
	Output         json.RawMessage        `json:"output,omitempty"`
	Error          *domain.ExecutionError `json:"error,omitempty"`
}

type Timer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Key       string    `json:"key,omitempty"`
	FireAt    time.Time `json:"fire_at"`
	Fired     bool      `json:"fired"`
	Cancelled bool      `json:"cancelled"`
}

type Promise struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name,omitempty"`
	Key         string                 `json:"key,omitempty"`
	ExternalKey string                 `json:"external_key,omitempty"`
	Status      domain.PromiseStatus   `json:"status"`
	Value       json.RawMessage        `json:"value,omitempty"`
	Error       *domain.ExecutionError `json:"error,omitempty"`
}

type Signal struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// State is the logical state of one execution at Sequence.
type State struct {
	ExecutionID string               `json:"execution_id"`
	Type        domain.ExecutionType `json:"type"`
	Kind        string               `json:"kind"`
	Queue       string               `json:"queue"`
	ParentID    string               `json:"parent_id,omitempty"`
	Input       json.RawMessage      `json:"input,omitempty"`

	Status          domain.Status          `json:"status"`
	Output          json.RawMessage        `json:"output,omitempty"`
	Error           *domain.ExecutionError `json:"error,omitempty"`
	Attempt         int                    `json:"attempt"`
	CancelRequested bool                   `json:"cancel_requested"`
	Sequence        int64                  `json:"sequence"`

	Children map[string]*Child          `json:"children"`
	Timers   map[string]*Timer          `json:"timers"`
	Promises map[string]*Promise        `json:"promises"`
	Signals  []Signal                   `json:"signals"`
	Awaiting map[string]bool            `json:"awaiting"`
	Values   map[string]json.RawMessage `json:"values"`
}

func New(executionID string) *State {
	return &State{
		ExecutionID: executionID,
		Attempt:     1,
		Children:    map[string]*Child{},
		Timers:      map[string]*Timer{},
		Promises:    map[string]*Promise{},
		Awaiting:    map[string]bool{},
		Values:      map[string]json.RawMessage{},
	}
}

// Fold replays events in order onto a fresh state.
func Fold(executionID string, events []domain.Event) (*State, error) {
	s := New(executionID)
	for _, ev := range events {
		if err := s.Apply(ev); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply advances the state by one event. Events must arrive in sequence
// order and belong to the state's execution.
func (s *State) Apply(ev domain.Event) error {
	if ev.ExecutionID != s.ExecutionID {
		return fmt.Errorf("event %s belongs to %s, not %s", ev.ID, ev.ExecutionID, s.ExecutionID)
	}
	if ev.Sequence <= s.Sequence {
		return fmt.Errorf("event %s out of order: sequence %d after %d", ev.ID, ev.Sequence, s.Sequence)
	}

	switch ev.Type {
	case domain.EventWorkflowStarted, domain.EventTaskStarted:
		var p domain.StartedPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Type = domain.ExecutionTypeWorkflow
		if ev.Type == domain.EventTaskStarted {
			s.Type = domain.ExecutionTypeTask
		}
		s.Kind, s.Queue, s.Input, s.ParentID = p.Kind, p.Queue, p.Input, p.ParentID
		s.Status = domain.StatusRunning

	case domain.EventExecutionCompleted:
		var p domain.ResultPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Status = domain.StatusCompleted
		s.Output = p.Output

	case domain.EventExecutionFailed, domain.EventExecutionTimedOut:
		var p domain.ResultPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Status = domain.StatusFailed
		s.Error = p.Error

	case domain.EventExecutionCancelled:
		var p domain.ResultPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Status = domain.StatusCancelled
		s.Error = p.Error

	case domain.EventRetryScheduled:
		var p domain.RetryPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Attempt = p.NextAttempt
		s.Error = p.Error

	case domain.EventCancellationRequested:
		s.CancelRequested = true
		if !s.Status.Terminal() {
			s.Status = domain.StatusCancelling
		}

	case domain.EventStateSet:
		var p domain.StatePayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Values[p.Key] = p.Value

	case domain.EventStateCleared:
		delete(s.Values, ev.RefID)

	case domain.EventSignalReceived:
		var p domain.SignalPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Signals = append(s.Signals, Signal{Name: p.Name, Payload: p.Payload})
		delete(s.Awaiting, p.Name)

	case domain.EventSignalWaitStarted:
		s.Awaiting[ev.RefID] = true

	case domain.EventTaskScheduled, domain.EventChildWorkflowScheduled:
		var p domain.ChildScheduledPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		typ := domain.ExecutionTypeTask
		if ev.Type == domain.EventChildWorkflowScheduled {
			typ = domain.ExecutionTypeWorkflow
		}
		s.Children[p.ExecutionID] = &Child{
			ID:             p.ExecutionID,
			Type:           typ,
			Kind:           p.Kind,
			IdempotencyKey: p.IdempotencyKey,
			Status:         domain.StatusPending,
		}

	case domain.EventTaskCompleted, domain.EventChildWorkflowCompleted,
		domain.EventTaskFailed, domain.EventChildWorkflowFailed,
		domain.EventTaskCancelled, domain.EventChildWorkflowCancelled:
		var p domain.ChildResultPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		c, ok := s.Children[ev.RefID]
		if !ok {
			return fmt.Errorf("event %s resolves unknown child %s", ev.ID, ev.RefID)
		}
		c.Status = childStatus(ev.Type)
		c.Output = p.Output
		c.Error = p.Error

	case domain.EventTimerStarted:
		var p domain.TimerPayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Timers[p.TimerID] = &Timer{ID: p.TimerID, Name: p.Name, Key: p.IdempotencyKey, FireAt: p.FireAt}

	case domain.EventTimerFired, domain.EventTimerCancelled:
		t, ok := s.Timers[ev.RefID]
		if !ok {
			return fmt.Errorf("event %s resolves unknown timer %s", ev.ID, ev.RefID)
		}
		t.Fired = ev.Type == domain.EventTimerFired
		t.Cancelled = ev.Type == domain.EventTimerCancelled

	case domain.EventPromiseCreated:
		var p domain.PromisePayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		s.Promises[p.PromiseID] = &Promise{
			ID:          p.PromiseID,
			Name:        p.Name,
			Key:         p.IdempotencyKey,
			ExternalKey: p.ExternalKey,
			Status:      domain.PromisePending,
		}

	case domain.EventPromiseResolved, domain.EventPromiseRejected, domain.EventPromiseTimedOut:
		var p domain.PromisePayload
		if err := ev.Decode(&p); err != nil {
			return decodeErr(ev, err)
		}
		pr, ok := s.Promises[ev.RefID]
		if !ok {
			return fmt.Errorf("event %s resolves unknown promise %s", ev.ID, ev.RefID)
		}
		pr.Status = promiseStatus(ev.Type)
		pr.Value = p.Value
		pr.Error = p.Error

	default:
		return fmt.Errorf("event %s has unknown type %q", ev.ID, ev.Type)
	}

	s.Sequence = ev.Sequence
	return nil
}

func childStatus(t domain.EventType) domain.Status {
	switch t {
	case domain.EventTaskCompleted, domain.EventChildWorkflowCompleted:
		return domain.StatusCompleted
	case domain.EventTaskFailed, domain.EventChildWorkflowFailed:
		return domain.StatusFailed
	}
	return domain.StatusCancelled
}

func promiseStatus(t domain.EventType) domain.PromiseStatus {
	switch t {
	case domain.EventPromiseResolved:
		return domain.PromiseResolved
	case domain.EventPromiseRejected:
		return domain.PromiseRejected
	}
	return domain.PromiseTimedOut
}

func decodeErr(ev domain.Event, err error) error {
	return fmt.Errorf("decode %s payload of event %s: %w", ev.Type, ev.ID, err)
}

// ChildByKey finds a scheduled child by the idempotency key it was scheduled with.
func (s *State) ChildByKey(key string) (*Child, bool) {
	for _, c := range s.Children {
		if c.IdempotencyKey == key {
			return c, true
		}
	}
	return nil, false
}

// TimerByKey finds a timer by the idempotency key it was started with.
func (s *State) TimerByKey(key string) (*Timer, bool) {
	for _, t := range s.Timers {
		if t.Key == key {
			return t, true
		}
	}
	return nil, false
}

// PromiseByKey finds a promise by the idempotency key it was created with.
func (s *State) PromiseByKey(key string) (*Promise, bool) {
	for _, p := range s.Promises {
		if p.Key == key {
			return p, true
		}
	}
	return nil, false
}

// SignalsNamed returns the received signals with the given name, oldest first.
func (s *State) SignalsNamed(name string) []Signal {
	var out []Signal
	for _, sig := range s.Signals {
		if sig.Name == name {
			out = append(out, sig)
		}
	}
	return out
}
