package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"durableflow/internal/domain"
	"durableflow/internal/replay"
)

// ErrSuspended is returned by Context methods whose result is not in the
// history yet. Workflow functions return it unchanged; the pool then yields
// the execution until the awaited event arrives.
var ErrSuspended = errors.New("workflow suspended")

// Workflow is a deterministic function run from the top on every claim.
// Side effects belong in tasks; the workflow only orchestrates them through
// its Context, keyed by names that stay stable across runs.
type Workflow func(wf *Context) (any, error)

// Context exposes the replayed history of one workflow run and collects the
// commands it issues.
type Context struct {
	ctx      context.Context
	exec     *domain.Execution
	state    *replay.State
	commands []domain.Command
	wait     *domain.WaitCondition
	signals  map[string]int
	timers   map[string]int
	promises map[string]int
}

func newContext(ctx context.Context, exec *domain.Execution, state *replay.State) *Context {
	return &Context{
		ctx:      ctx,
		exec:     exec,
		state:    state,
		signals:  map[string]int{},
		timers:   map[string]int{},
		promises: map[string]int{},
	}
}

// occurrence returns the key of the next use of name in this run: name
// itself the first time, then name#2, name#3 and so on.
func occurrence(seen map[string]int, name string) string {
	seen[name]++
	if n := seen[name]; n > 1 {
		return fmt.Sprintf("%s#%d", name, n)
	}
	return name
}

func (c *Context) Context() context.Context { return c.ctx }

func (c *Context) ExecutionID() string { return c.exec.ID }

func (c *Context) Attempt() int { return c.exec.Attempt }

// History is the state folded from the event log.
func (c *Context) History() *replay.State { return c.state }

// Input decodes the workflow input into v.
func (c *Context) Input(v any) error {
	if len(c.exec.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.exec.Input, v)
}

func (c *Context) suspend(w *domain.WaitCondition) error {
	if c.wait == nil {
		c.wait = w
	}
	return ErrSuspended
}

// ExecuteTask runs a task once per key and returns its output. A failed or
// cancelled task surfaces as a *domain.ExecutionError.
func (c *Context) ExecuteTask(key, kind string, input any, opts ...ChildOption) (json.RawMessage, error) {
	return c.child(domain.CommandScheduleTask, key, kind, input, opts)
}

// ExecuteWorkflow runs a child workflow once per key and returns its output.
func (c *Context) ExecuteWorkflow(key, kind string, input any, opts ...ChildOption) (json.RawMessage, error) {
	return c.child(domain.CommandScheduleChildWorkflow, key, kind, input, opts)
}

type ChildOption func(*domain.ScheduleAttributes)

func WithRetries(n int) ChildOption {
	return func(a *domain.ScheduleAttributes) { a.MaxRetries = n }
}

func WithTimeout(d time.Duration) ChildOption {
	return func(a *domain.ScheduleAttributes) { a.TimeoutSeconds = int(d / time.Second) }
}

func WithQueue(q string) ChildOption {
	return func(a *domain.ScheduleAttributes) { a.Queue = q }
}

func WithPriority(p int) ChildOption {
	return func(a *domain.ScheduleAttributes) { a.Priority = p }
}

func (c *Context) child(typ domain.CommandType, key, kind string, input any, opts []ChildOption) (json.RawMessage, error) {
	if ch, ok := c.state.ChildByKey(key); ok {
		switch ch.Status {
		case domain.StatusCompleted:
			return ch.Output, nil
		case domain.StatusFailed, domain.StatusCancelled:
			if ch.Error != nil {
				return nil, ch.Error
			}
			return nil, &domain.ExecutionError{Message: kind + " " + string(ch.Status), Category: domain.ErrorApplication}
		}
		return nil, c.suspend(&domain.WaitCondition{Type: waitFor(ch.Type), Ref: ch.ID})
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal input of %s: %w", key, err)
	}
	attrs := &domain.ScheduleAttributes{Kind: kind, Input: raw}
	for _, opt := range opts {
		opt(attrs)
	}
	cmd := domain.Command{Type: typ, IdempotencyKey: key}
	if typ == domain.CommandScheduleTask {
		cmd.ScheduleTask = attrs
	} else {
		cmd.ScheduleChild = attrs
	}
	c.commands = append(c.commands, cmd)
	return nil, ErrSuspended
}

func waitFor(t domain.ExecutionType) domain.WaitType {
	if t == domain.ExecutionTypeWorkflow {
		return domain.WaitChild
	}
	return domain.WaitTask
}

// Sleep suspends the workflow until a durable timer named name fires. Each
// call in a run starts its own timer, so sleeping in a loop waits every time.
func (c *Context) Sleep(name string, d time.Duration) error {
	key := occurrence(c.timers, name)
	if t, ok := c.state.TimerByKey(key); ok {
		if t.Fired || t.Cancelled {
			return nil
		}
		return c.suspend(&domain.WaitCondition{Type: domain.WaitTimer, Ref: t.ID})
	}
	c.commands = append(c.commands, domain.Command{
		Type:           domain.CommandStartTimer,
		IdempotencyKey: key,
		StartTimer:     &domain.StartTimerAttributes{Name: name, DurationMs: d.Milliseconds()},
	})
	return ErrSuspended
}

// AwaitPromise creates a promise named name and returns its value once
// something resolves it. Each call in a run gets its own promise; a call in
// a loop needs a distinct externalKey per iteration. externalKey, when set,
// lets outside callers resolve it without knowing its id. A zero timeout
// waits forever.
func (c *Context) AwaitPromise(name, externalKey string, timeout time.Duration) (json.RawMessage, error) {
	key := occurrence(c.promises, name)
	if p, ok := c.state.PromiseByKey(key); ok {
		switch p.Status {
		case domain.PromiseResolved:
			return p.Value, nil
		case domain.PromiseRejected, domain.PromiseTimedOut:
			if p.Error != nil {
				return nil, p.Error
			}
			return nil, &domain.ExecutionError{Message: "promise " + name + " " + string(p.Status), Category: domain.ErrorApplication}
		}
		return nil, c.suspend(&domain.WaitCondition{Type: domain.WaitPromise, Ref: p.ID})
	}
	c.commands = append(c.commands, domain.Command{
		Type:           domain.CommandCreatePromise,
		IdempotencyKey: key,
		CreatePromise:  &domain.CreatePromiseAttributes{Name: name, ExternalKey: externalKey, TimeoutMs: timeout.Milliseconds()},
	})
	return nil, ErrSuspended
}

// WaitSignal returns the payload of the next signal called name. The n-th
// call in a run consumes the n-th such signal.
func (c *Context) WaitSignal(name string) (json.RawMessage, error) {
	received := c.state.SignalsNamed(name)
	if i := c.signals[name]; i < len(received) {
		c.signals[name]++
		return received[i].Payload, nil
	}
	if c.state.Awaiting[name] {
		return nil, c.suspend(&domain.WaitCondition{Type: domain.WaitSignal, Ref: name})
	}
	c.commands = append(c.commands, domain.Command{
		Type:          domain.CommandWaitForSignal,
		WaitForSignal: &domain.WaitForSignalAttributes{Name: name},
	})
	return nil, ErrSuspended
}

// Set records a value in the workflow's history. Writing an unchanged value
// issues nothing.
func (c *Context) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", key, err)
	}
	if old, ok := c.state.Values[key]; ok && bytes.Equal(old, raw) {
		return nil
	}
	c.state.Values[key] = raw
	c.commands = append(c.commands, domain.Command{
		Type:  domain.CommandSetState,
		State: &domain.StateAttributes{Key: key, Value: raw},
	})
	return nil
}

// Get decodes a value recorded with Set. It reports false when key is unset.
func (c *Context) Get(key string, v any) (bool, error) {
	raw, ok := c.state.Values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (c *Context) Clear(key string) {
	if _, ok := c.state.Values[key]; !ok {
		return
	}
	delete(c.state.Values, key)
	c.commands = append(c.commands, domain.Command{
		Type:  domain.CommandClearState,
		State: &domain.StateAttributes{Key: key},
	})
}
