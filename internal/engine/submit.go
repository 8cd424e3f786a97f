package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
	"durableflow/internal/store"
)

// batch carries the state of one Submit while its commands are applied.
type batch struct {
	exec     *domain.Execution
	now      time.Time
	wait     *domain.WaitCondition
	terminal bool
	results  []protocol.CommandResult
}

func validateSubmit(req protocol.SubmitRequest) error {
	if req.ExecutionID == "" || req.WorkerID == "" {
		return domain.Validationf("execution_id and worker_id are required")
	}
	switch req.Status {
	case "", domain.StatusRunning, domain.StatusWaiting:
	default:
		return domain.Validationf("status must be RUNNING or WAITING, got %s", req.Status)
	}
	if req.WaitOn != nil && !req.WaitOn.Type.Valid() {
		return domain.Validationf("unknown wait type %q", req.WaitOn.Type)
	}
	for i, cmd := range req.Commands {
		if err := cmd.Validate(); err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		if cmd.Terminal() && i != len(req.Commands)-1 {
			return fmt.Errorf("command %d: %w: %s must be the last command", i, domain.ErrInvalidCommand, cmd.Type)
		}
	}
	return nil
}

// Submit applies a worker's command batch to the execution it holds. The
// whole batch is validated before anything is written and is applied in one
// transaction, so an invalid batch leaves no trace.
//
// Without a terminal command the execution either stays claimed (status
// RUNNING, a checkpoint that also renews the lease) or is handed back. A
// handed back execution waits on WaitOn, or on the last command that
// created something to wait for; if that wait was already satisfied while
// the worker ran, or there is nothing to wait on, it goes straight back to
// PENDING.
func (e *Engine) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	var resp *protocol.SubmitResponse
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		exec, err := tx.Executions().Lock(ctx, req.ExecutionID)
		if err != nil {
			return err
		}
		switch {
		case exec.Status.Terminal():
			return domain.E("submit", exec.ID, domain.ErrTerminal)
		case exec.Status != domain.StatusRunning && exec.Status != domain.StatusCancelling:
			return domain.E("submit", exec.ID, domain.ErrNotClaimed)
		case exec.WorkerID == nil || *exec.WorkerID != req.WorkerID:
			return domain.E("submit", exec.ID, domain.ErrLeaseLost)
		}

		b := &batch{exec: exec, now: e.now(), results: make([]protocol.CommandResult, 0, len(req.Commands))}
		for i := range req.Commands {
			if err := e.apply(ctx, tx, b, req.Commands[i]); err != nil {
				return fmt.Errorf("command %d (%s): %w", i, req.Commands[i].Type, err)
			}
		}
		if !b.terminal {
			if err := e.settle(ctx, tx, b, req); err != nil {
				return err
			}
		}
		resp = &protocol.SubmitResponse{
			Status:          b.exec.Status,
			Wait:            b.exec.Wait,
			Results:         b.results,
			CancelRequested: b.exec.Status == domain.StatusCancelling,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("execution_id", req.ExecutionID).Str("worker_id", req.WorkerID).
		Int("commands", len(req.Commands)).Str("status", string(resp.Status)).Msg("commands applied")
	return resp, nil
}

// settle decides what happens to a claimed execution after a batch without
// a terminal command.
func (e *Engine) settle(ctx context.Context, tx *store.Tx, b *batch, req protocol.SubmitRequest) error {
	exec, now := b.exec, b.now

	if exec.Status == domain.StatusCancelling && req.Status != domain.StatusRunning {
		release(exec)
		exec.UpdatedAt = now
		if err := tx.Executions().Save(ctx, exec, domain.StatusCancelling); err != nil {
			return err
		}
		if err := tx.Attempts().Finish(ctx, exec.ID, domain.AttemptCancelled, "", now); err != nil {
			return err
		}
		if err := e.tryFinalize(ctx, tx, exec.ID, now); err != nil {
			return err
		}
		fresh, err := tx.Executions().Get(ctx, exec.ID)
		if err != nil {
			return err
		}
		b.exec = fresh
		return nil
	}

	from := exec.Status
	if req.Status == domain.StatusRunning {
		lease := now.Add(e.cfg.LeaseDuration)
		exec.LeaseExpiresAt = &lease
		exec.UpdatedAt = now
		return tx.Executions().Save(ctx, exec, from)
	}

	wait := req.WaitOn
	if wait == nil {
		wait = b.wait
	}
	ready := wait == nil
	if wait != nil {
		satisfied, err := tx.Events().ResolvedSince(ctx, exec.ID, exec.ClaimedSequence, *wait)
		if err != nil {
			return err
		}
		ready = satisfied
	}

	release(exec)
	exec.UpdatedAt = now
	if ready {
		exec.Status = domain.StatusPending
		exec.Wait = nil
	} else {
		exec.Status = domain.StatusWaiting
		exec.Wait = wait
	}
	if err := tx.Executions().Save(ctx, exec, from); err != nil {
		return err
	}
	if err := tx.Attempts().Finish(ctx, exec.ID, domain.AttemptYielded, "", now); err != nil {
		return err
	}
	if ready {
		tx.MarkReady(exec.Queue)
	}
	return nil
}

// apply is the single dispatch point for worker commands.
func (e *Engine) apply(ctx context.Context, tx *store.Tx, b *batch, cmd domain.Command) error {
	exec, now := b.exec, b.now
	result := protocol.CommandResult{Type: cmd.Type}

	switch cmd.Type {
	case domain.CommandCompleteExecution:
		var output []byte
		if cmd.Complete != nil {
			output = cmd.Complete.Output
		}
		b.terminal = true
		if err := e.complete(ctx, tx, exec, output, now); err != nil {
			return err
		}
		result.EntityID = exec.ID

	case domain.CommandFailExecution:
		cause := &domain.ExecutionError{
			Message:      cmd.Fail.Message,
			Category:     cmd.Fail.Category,
			NonRetryable: cmd.Fail.NonRetryable,
		}
		b.terminal = true
		if err := e.fail(ctx, tx, exec, cause, domain.AttemptFailed, domain.EventExecutionFailed, now); err != nil {
			return err
		}
		result.EntityID = exec.ID

	case domain.CommandCancelExecution:
		reason := ""
		if cmd.Cancel != nil {
			reason = cmd.Cancel.Reason
		}
		b.terminal = true
		if err := e.RequestCancel(ctx, tx, exec, reason, *exec.WorkerID); err != nil {
			return err
		}
		release(exec)
		exec.UpdatedAt = now
		if err := tx.Executions().Save(ctx, exec, domain.StatusCancelling); err != nil {
			return err
		}
		if err := tx.Attempts().Finish(ctx, exec.ID, domain.AttemptCancelled, reason, now); err != nil {
			return err
		}
		if err := e.tryFinalize(ctx, tx, exec.ID, now); err != nil {
			return err
		}
		fresh, err := tx.Executions().Get(ctx, exec.ID)
		if err != nil {
			return err
		}
		b.exec = fresh
		result.EntityID = exec.ID

	case domain.CommandRequestCancellation:
		target := exec.ID
		reason := ""
		if cmd.Cancel != nil {
			reason = cmd.Cancel.Reason
			if cmd.Cancel.ExecutionID != "" {
				target = cmd.Cancel.ExecutionID
			}
		}
		if target == exec.ID {
			if err := e.RequestCancel(ctx, tx, exec, reason, exec.ID); err != nil {
				return err
			}
		} else {
			child, err := tx.Executions().Lock(ctx, target)
			if err != nil {
				return err
			}
			if child.ParentExecutionID == nil || *child.ParentExecutionID != exec.ID {
				return fmt.Errorf("%w: %s is not a child of %s", domain.ErrInvalidCommand, target, exec.ID)
			}
			if err := e.RequestCancel(ctx, tx, child, reason, exec.ID); err != nil {
				return err
			}
		}
		result.EntityID = target

	case domain.CommandStartTimer:
		id, existing, err := e.startTimer(ctx, tx, exec, cmd, now)
		if err != nil {
			return err
		}
		result.EntityID, result.Existing = id, existing
		b.wait = &domain.WaitCondition{Type: domain.WaitTimer, Ref: id}

	case domain.CommandCancelTimer:
		timer, err := tx.Timers().Get(ctx, cmd.CancelTimer.TimerID)
		if err != nil {
			return err
		}
		if timer.ExecutionID != exec.ID {
			return fmt.Errorf("%w: timer %s belongs to another execution", domain.ErrInvalidCommand, timer.ID)
		}
		cancelled, err := tx.Timers().Cancel(ctx, timer.ID, now)
		if err != nil {
			return err
		}
		if cancelled {
			if _, err := tx.Events().Append(ctx, exec.ID, domain.EventTimerCancelled, timer.ID,
				domain.TimerPayload{TimerID: timer.ID, Name: timer.Name, FireAt: timer.FireAt}, now); err != nil {
				return err
			}
		}
		result.EntityID, result.Existing = timer.ID, !cancelled

	case domain.CommandCreatePromise:
		id, existing, err := e.createPromise(ctx, tx, exec, cmd, now)
		if err != nil {
			return err
		}
		result.EntityID, result.Existing = id, existing
		b.wait = &domain.WaitCondition{Type: domain.WaitPromise, Ref: id}

	case domain.CommandResolvePromise:
		p, err := tx.Promises().Lock(ctx, cmd.ResolvePromise.PromiseID)
		if err != nil {
			return err
		}
		if p.ExecutionID != exec.ID {
			return fmt.Errorf("%w: promise %s belongs to another execution", domain.ErrInvalidCommand, p.ID)
		}
		settled, err := e.settlePromise(ctx, tx, p, cmd.ResolvePromise.Value, cmd.ResolvePromise.Error, now)
		if err != nil {
			return err
		}
		result.EntityID, result.Existing = p.ID, !settled

	case domain.CommandScheduleTask, domain.CommandScheduleChildWorkflow:
		child, existing, err := e.scheduleChild(ctx, tx, exec, cmd, now)
		if err != nil {
			return err
		}
		result.EntityID, result.Existing = child.ID, existing
		b.wait = &domain.WaitCondition{Type: child.ChildWaitType(), Ref: child.ID}

	case domain.CommandWaitForSignal:
		name := cmd.WaitForSignal.Name
		if _, err := tx.Events().Append(ctx, exec.ID, domain.EventSignalWaitStarted, name,
			domain.SignalPayload{Name: name}, now); err != nil {
			return err
		}
		result.EntityID = name
		b.wait = &domain.WaitCondition{Type: domain.WaitSignal, Ref: name}

	case domain.CommandSetState:
		if _, err := tx.Events().Append(ctx, exec.ID, domain.EventStateSet, cmd.State.Key,
			domain.StatePayload{Key: cmd.State.Key, Value: cmd.State.Value}, now); err != nil {
			return err
		}
		result.EntityID = cmd.State.Key

	case domain.CommandClearState:
		if _, err := tx.Events().Append(ctx, exec.ID, domain.EventStateCleared, cmd.State.Key,
			domain.StatePayload{Key: cmd.State.Key}, now); err != nil {
			return err
		}
		result.EntityID = cmd.State.Key

	default:
		return fmt.Errorf("%w: unknown command type %q", domain.ErrInvalidCommand, cmd.Type)
	}

	b.results = append(b.results, result)
	return nil
}

func (e *Engine) scheduleChild(ctx context.Context, tx *store.Tx, parent *domain.Execution, cmd domain.Command, now time.Time) (*domain.Execution, bool, error) {
	attrs, typ, event := cmd.ScheduleTask, domain.ExecutionTypeTask, domain.EventTaskScheduled
	if cmd.Type == domain.CommandScheduleChildWorkflow {
		attrs, typ, event = cmd.ScheduleChild, domain.ExecutionTypeWorkflow, domain.EventChildWorkflowScheduled
	}
	queue := attrs.Queue
	if queue == "" {
		queue = parent.Queue
	}

	child, created, err := e.Spawn(ctx, tx, protocol.CreateExecutionRequest{
		TenantID:          parent.TenantID,
		Type:              typ,
		Kind:              attrs.Kind,
		Queue:             queue,
		Input:             attrs.Input,
		MaxRetries:        attrs.MaxRetries,
		TimeoutSeconds:    attrs.TimeoutSeconds,
		Priority:          attrs.Priority,
		IdempotencyKey:    cmd.IdempotencyKey,
		ParentExecutionID: parent.ID,
	})
	if err != nil {
		return nil, false, err
	}
	if !created {
		return child, true, nil
	}

	if _, err := tx.Events().Append(ctx, parent.ID, event, child.ID, domain.ChildScheduledPayload{
		ExecutionID:    child.ID,
		Kind:           child.Kind,
		Queue:          child.Queue,
		Input:          child.Input,
		IdempotencyKey: cmd.IdempotencyKey,
	}, now); err != nil {
		return nil, false, err
	}
	if parent.Status == domain.StatusCancelling {
		if err := e.RequestCancel(ctx, tx, child, "parent cancelling", parent.ID); err != nil {
			return nil, false, err
		}
	}
	return child, false, nil
}

func (e *Engine) startTimer(ctx context.Context, tx *store.Tx, exec *domain.Execution, cmd domain.Command, now time.Time) (string, bool, error) {
	if cmd.IdempotencyKey != "" {
		existing, err := tx.Timers().FindByIdempotencyKey(ctx, exec.ID, cmd.IdempotencyKey)
		if err == nil {
			return existing.ID, true, nil
		}
		if !domain.IsNotFound(err) {
			return "", false, err
		}
	}

	attrs := cmd.StartTimer
	fireAt := now.Add(time.Duration(attrs.DurationMs) * time.Millisecond)
	if attrs.FireAt != nil {
		fireAt = attrs.FireAt.UTC().Truncate(time.Millisecond)
	}
	timer := &domain.Timer{
		ID:          "tmr_" + uuid.NewString(),
		ExecutionID: exec.ID,
		Name:        attrs.Name,
		FireAt:      fireAt,
		CreatedAt:   now,
	}
	if cmd.IdempotencyKey != "" {
		timer.IdempotencyKey = &cmd.IdempotencyKey
	}
	if err := tx.Timers().Insert(ctx, timer); err != nil {
		return "", false, err
	}
	if _, err := tx.Events().Append(ctx, exec.ID, domain.EventTimerStarted, timer.ID,
		domain.TimerPayload{TimerID: timer.ID, Name: timer.Name, IdempotencyKey: cmd.IdempotencyKey, FireAt: fireAt}, now); err != nil {
		return "", false, err
	}
	return timer.ID, false, nil
}

func (e *Engine) createPromise(ctx context.Context, tx *store.Tx, exec *domain.Execution, cmd domain.Command, now time.Time) (string, bool, error) {
	if cmd.IdempotencyKey != "" {
		existing, err := tx.Promises().FindByIdempotencyKey(ctx, exec.ID, cmd.IdempotencyKey)
		if err == nil {
			return existing.ID, true, nil
		}
		if !domain.IsNotFound(err) {
			return "", false, err
		}
	}

	attrs := cmd.CreatePromise
	p := &domain.Promise{
		ID:          "prm_" + uuid.NewString(),
		ExecutionID: exec.ID,
		Name:        attrs.Name,
		Status:      domain.PromisePending,
		CreatedAt:   now,
	}
	if attrs.TimeoutMs > 0 {
		t := now.Add(time.Duration(attrs.TimeoutMs) * time.Millisecond)
		p.TimeoutAt = &t
	}
	if cmd.IdempotencyKey != "" {
		p.IdempotencyKey = &cmd.IdempotencyKey
	}
	if err := tx.Promises().Insert(ctx, p); err != nil {
		return "", false, err
	}
	if attrs.ExternalKey != "" {
		bound, err := tx.Promises().PutKey(ctx, attrs.ExternalKey, p.ID, now)
		if err != nil {
			return "", false, err
		}
		if !bound {
			return "", false, fmt.Errorf("%w: external key %q is already bound", domain.ErrInvalidCommand, attrs.ExternalKey)
		}
	}
	if _, err := tx.Events().Append(ctx, exec.ID, domain.EventPromiseCreated, p.ID, domain.PromisePayload{
		PromiseID:      p.ID,
		Name:           p.Name,
		IdempotencyKey: cmd.IdempotencyKey,
		ExternalKey:    attrs.ExternalKey,
		TimeoutAt:      p.TimeoutAt,
	}, now); err != nil {
		return "", false, err
	}
	return p.ID, false, nil
}
