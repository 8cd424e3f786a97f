package engine

import (
	"context"
	"errors"

	"durableflow/internal/domain"
	"durableflow/internal/store"
)

// The methods below each handle at most one due item in their own
// transaction and report whether they found one. The item is claimed by a
// conditional update or a skip-locked row lock, so any number of schedulers
// may call them concurrently.

// FireDueTimer fires the earliest due timer and wakes its owner.
func (e *Engine) FireDueTimer(ctx context.Context) (bool, error) {
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		timer, err := tx.Timers().ClaimDue(ctx, now)
		if err != nil {
			return err
		}
		e.log.Debug().Str("timer_id", timer.ID).Str("execution_id", timer.ExecutionID).Msg("timer fired")
		return e.deliver(ctx, tx, timer.ExecutionID, domain.EventTimerFired, timer.ID,
			domain.TimerPayload{TimerID: timer.ID, Name: timer.Name, FireAt: timer.FireAt},
			domain.WaitTimer, now)
	})
	return found(err)
}

// TimeoutDuePromise times out the most overdue pending promise. The owner
// receives PROMISE_TIMED_OUT carrying a TIMEOUT error and is woken.
func (e *Engine) TimeoutDuePromise(ctx context.Context) (bool, error) {
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		p, err := tx.Promises().ClaimTimedOut(ctx, now)
		if err != nil {
			return err
		}
		e.log.Info().Str("promise_id", p.ID).Str("execution_id", p.ExecutionID).Msg("promise timed out")
		return e.deliver(ctx, tx, p.ExecutionID, domain.EventPromiseTimedOut, p.ID, domain.PromisePayload{
			PromiseID: p.ID,
			Name:      p.Name,
			TimeoutAt: p.TimeoutAt,
			Error:     &domain.ExecutionError{Message: "promise timed out", Category: domain.ErrorTimeout},
		}, domain.WaitPromise, now)
	})
	return found(err)
}

// ExpireDueDeadline fails the execution whose deadline passed longest ago,
// exactly as if its worker had reported a TIMEOUT failure. Executions with
// an absolute deadline and no per-attempt timeout are not retried.
func (e *Engine) ExpireDueDeadline(ctx context.Context) (bool, error) {
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		exec, err := tx.Executions().LockDueDeadline(ctx, now)
		if err != nil {
			if domain.IsNotFound(err) {
				return store.ErrEmpty
			}
			return err
		}
		cause := &domain.ExecutionError{
			Message:      "deadline exceeded",
			Category:     domain.ErrorTimeout,
			NonRetryable: exec.TimeoutSeconds == 0,
		}
		e.log.Warn().Str("execution_id", exec.ID).Str("status", string(exec.Status)).Msg("execution deadline exceeded")
		return e.fail(ctx, tx, exec, cause, domain.AttemptTimedOut, domain.EventExecutionTimedOut, now)
	})
	return found(err)
}

// RecoverExpiredLease returns an execution whose worker stopped renewing its
// claim to PENDING. The lost attempt is recorded but does not count against
// max_retries. A CANCELLING execution is released and finalized instead.
func (e *Engine) RecoverExpiredLease(ctx context.Context) (bool, error) {
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		exec, err := tx.Executions().LockExpiredLease(ctx, now)
		if err != nil {
			if domain.IsNotFound(err) {
				return store.ErrEmpty
			}
			return err
		}
		worker := ""
		if exec.WorkerID != nil {
			worker = *exec.WorkerID
		}
		if err := tx.Attempts().Finish(ctx, exec.ID, domain.AttemptLeaseExpired, "lease expired", now); err != nil {
			return err
		}

		from := exec.Status
		release(exec)
		exec.UpdatedAt = now
		if from == domain.StatusRunning {
			exec.Status = domain.StatusPending
		}
		if err := tx.Executions().Save(ctx, exec, from); err != nil {
			return err
		}
		e.log.Warn().Str("execution_id", exec.ID).Str("worker_id", worker).Msg("lease expired")

		if from == domain.StatusCancelling {
			return e.tryFinalize(ctx, tx, exec.ID, now)
		}
		tx.MarkReady(exec.Queue)
		return nil
	})
	return found(err)
}

func found(err error) (bool, error) {
	if errors.Is(err, store.ErrEmpty) {
		return false, nil
	}
	return err == nil, err
}
