package engine

import (
	"context"
	"encoding/json"
	"time"

	"durableflow/internal/domain"
	"durableflow/internal/store"
)

// wake moves a WAITING execution to PENDING if cond satisfies its wait.
func (e *Engine) wake(ctx context.Context, tx *store.Tx, id string, cond domain.WaitCondition, now time.Time) error {
	queue, woke, err := tx.Executions().Wake(ctx, id, cond, now)
	if err != nil {
		return err
	}
	if woke {
		tx.MarkReady(queue)
		e.log.Debug().Str("execution_id", id).Str("wait_type", string(cond.Type)).Str("wait_ref", cond.Ref).Msg("execution woken")
	}
	return nil
}

// release clears the claim fields of exec in memory.
func release(exec *domain.Execution) {
	exec.WorkerID = nil
	exec.LeaseExpiresAt = nil
}

func (e *Engine) complete(ctx context.Context, tx *store.Tx, exec *domain.Execution, output json.RawMessage, now time.Time) error {
	from := exec.Status
	exec.Status = domain.StatusCompleted
	exec.Output = output
	exec.Error = nil
	exec.Wait = nil
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	release(exec)
	if err := tx.Executions().Save(ctx, exec, from); err != nil {
		return err
	}
	if _, err := tx.Events().Append(ctx, exec.ID, domain.EventExecutionCompleted, "", domain.ResultPayload{Output: output}, now); err != nil {
		return err
	}
	if err := tx.Attempts().Finish(ctx, exec.ID, domain.AttemptCompleted, "", now); err != nil {
		return err
	}
	if _, err := tx.Timers().CancelForExecution(ctx, exec.ID, now); err != nil {
		return err
	}
	if err := e.cancelChildren(ctx, tx, exec.ID, "parent completed", now); err != nil {
		return err
	}

	done := domain.EventTaskCompleted
	if exec.Type == domain.ExecutionTypeWorkflow {
		done = domain.EventChildWorkflowCompleted
	}
	return e.notifyParent(ctx, tx, exec, done, domain.ChildResultPayload{ExecutionID: exec.ID, Output: output}, now)
}

// fail records a failed attempt. The execution is rescheduled while retries
// remain, otherwise it ends FAILED with final as its closing event. An
// attempt that failed for any reason other than an application error keeps
// outcome on the retry path too.
func (e *Engine) fail(ctx context.Context, tx *store.Tx, exec *domain.Execution, cause *domain.ExecutionError,
	outcome domain.AttemptOutcome, final domain.EventType, now time.Time) error {
	from := exec.Status
	if cause.Category == "" {
		cause.Category = domain.ErrorApplication
	}

	if !cause.NonRetryable && exec.RetriesLeft() && from != domain.StatusCancelling {
		runAt := now.Add(e.backoff(exec.Attempt))
		retried := domain.AttemptRetried
		if outcome != domain.AttemptFailed {
			retried = outcome
		}
		if err := tx.Attempts().Finish(ctx, exec.ID, retried, cause.Message, now); err != nil {
			return err
		}
		if _, err := tx.Events().Append(ctx, exec.ID, domain.EventRetryScheduled, "", domain.RetryPayload{
			Attempt:     exec.Attempt,
			NextAttempt: exec.Attempt + 1,
			RunAt:       runAt,
			Error:       cause,
		}, now); err != nil {
			return err
		}

		exec.Status = domain.StatusPending
		exec.Attempt++
		exec.Error = cause
		exec.Wait = nil
		exec.ScheduledAt = runAt
		exec.UpdatedAt = now
		if exec.TimeoutSeconds > 0 {
			exec.DeadlineAt = deadline(runAt, exec.TimeoutSeconds)
		}
		release(exec)
		if err := tx.Executions().Save(ctx, exec, from); err != nil {
			return err
		}
		if !runAt.After(now) {
			tx.MarkReady(exec.Queue)
		}
		e.log.Info().Str("execution_id", exec.ID).Int("attempt", exec.Attempt).Time("run_at", runAt).
			Str("error", cause.Message).Msg("retry scheduled")
		return nil
	}

	exec.Status = domain.StatusFailed
	exec.Error = cause
	exec.Wait = nil
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	release(exec)
	if err := tx.Executions().Save(ctx, exec, from); err != nil {
		return err
	}
	if _, err := tx.Events().Append(ctx, exec.ID, final, "", domain.ResultPayload{Error: cause}, now); err != nil {
		return err
	}
	if err := tx.Attempts().Finish(ctx, exec.ID, outcome, cause.Message, now); err != nil {
		return err
	}
	if _, err := tx.Timers().CancelForExecution(ctx, exec.ID, now); err != nil {
		return err
	}
	if err := e.cancelChildren(ctx, tx, exec.ID, "parent failed", now); err != nil {
		return err
	}
	e.log.Warn().Str("execution_id", exec.ID).Int("attempt", exec.Attempt).Str("category", string(cause.Category)).
		Str("error", cause.Message).Msg("execution failed")

	failed := domain.EventTaskFailed
	if exec.Type == domain.ExecutionTypeWorkflow {
		failed = domain.EventChildWorkflowFailed
	}
	return e.notifyParent(ctx, tx, exec, failed, domain.ChildResultPayload{ExecutionID: exec.ID, Error: cause}, now)
}

// notifyParent appends a child's resolution event to its parent and either
// wakes the parent or, when the parent is being cancelled, tries to finish
// that cancellation.
func (e *Engine) notifyParent(ctx context.Context, tx *store.Tx, child *domain.Execution, typ domain.EventType, payload any, now time.Time) error {
	if child.ParentExecutionID == nil {
		return nil
	}
	parent, err := tx.Executions().Lock(ctx, *child.ParentExecutionID)
	if err != nil {
		return err
	}
	if parent.Status.Terminal() {
		return nil
	}
	if _, err := tx.Events().Append(ctx, parent.ID, typ, child.ID, payload, now); err != nil {
		return err
	}
	if parent.Status == domain.StatusCancelling {
		return e.tryFinalize(ctx, tx, parent.ID, now)
	}
	return e.wake(ctx, tx, parent.ID, domain.WaitCondition{Type: child.ChildWaitType(), Ref: child.ID}, now)
}

// RequestCancel moves exec to CANCELLING, stops its timers and propagates the
// request to every live descendant. Executions no worker holds finish as
// CANCELLED once they have no live children; claimed ones wait for the
// worker to acknowledge.
func (e *Engine) RequestCancel(ctx context.Context, tx *store.Tx, exec *domain.Execution, reason, requestedBy string) error {
	if exec.Status.Terminal() || exec.Status == domain.StatusCancelling {
		return nil
	}
	now := e.now()
	if _, err := tx.Events().Append(ctx, exec.ID, domain.EventCancellationRequested, "",
		domain.CancellationPayload{Reason: reason, RequestedBy: requestedBy}, now); err != nil {
		return err
	}

	from := exec.Status
	exec.Status = domain.StatusCancelling
	exec.Wait = nil
	exec.UpdatedAt = now
	if err := tx.Executions().Save(ctx, exec, from); err != nil {
		return err
	}
	if _, err := tx.Timers().CancelForExecution(ctx, exec.ID, now); err != nil {
		return err
	}
	if err := e.cancelChildren(ctx, tx, exec.ID, reason, now); err != nil {
		return err
	}
	return e.tryFinalize(ctx, tx, exec.ID, now)
}

func (e *Engine) cancelChildren(ctx context.Context, tx *store.Tx, parentID, reason string, now time.Time) error {
	children, err := tx.Executions().LiveChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for _, child := range children {
		locked, err := tx.Executions().Lock(ctx, child.ID)
		if err != nil {
			return err
		}
		if err := e.RequestCancel(ctx, tx, locked, reason, parentID); err != nil {
			return err
		}
	}
	return nil
}

// tryFinalize ends a CANCELLING execution once no worker holds it and all of
// its children are terminal, then lets its parent know.
func (e *Engine) tryFinalize(ctx context.Context, tx *store.Tx, id string, now time.Time) error {
	exec, err := tx.Executions().Lock(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != domain.StatusCancelling || exec.WorkerID != nil {
		return nil
	}
	live, err := tx.Executions().LiveChildren(ctx, id)
	if err != nil {
		return err
	}
	if len(live) > 0 {
		return nil
	}

	cause := &domain.ExecutionError{Message: "execution cancelled", Category: domain.ErrorCancelled}
	exec.Status = domain.StatusCancelled
	exec.Error = cause
	exec.Wait = nil
	exec.CompletedAt = &now
	exec.UpdatedAt = now
	if err := tx.Executions().Save(ctx, exec, domain.StatusCancelling); err != nil {
		return err
	}
	if _, err := tx.Events().Append(ctx, id, domain.EventExecutionCancelled, "", domain.ResultPayload{Error: cause}, now); err != nil {
		return err
	}
	e.log.Info().Str("execution_id", id).Msg("execution cancelled")

	cancelled := domain.EventTaskCancelled
	if exec.Type == domain.ExecutionTypeWorkflow {
		cancelled = domain.EventChildWorkflowCancelled
	}
	return e.notifyParent(ctx, tx, exec, cancelled, domain.ChildResultPayload{ExecutionID: id, Error: cause}, now)
}
