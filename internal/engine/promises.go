package engine

import (
	"context"
	"encoding/json"
	"time"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
	"durableflow/internal/store"
)

// ResolvePromise resolves, or rejects when req.Error is set, a promise from
// outside its owning execution. A promise is addressed by id, by an external
// key bound at creation, or by id together with a new key that is bound on
// the way. Repeating a keyed resolution returns the settled promise without
// error; resolving an already settled promise by id alone fails with
// domain.ErrPromiseResolved.
func (e *Engine) ResolvePromise(ctx context.Context, req protocol.ResolvePromiseRequest) (*domain.Promise, error) {
	if req.PromiseID == "" && req.IdempotencyKey == "" {
		return nil, domain.Validationf("promise_id or idempotency_key is required")
	}

	var out *domain.Promise
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		id := req.PromiseID

		if req.IdempotencyKey != "" {
			bound, err := tx.Promises().LookupKey(ctx, req.IdempotencyKey)
			switch {
			case err == nil:
				if id != "" && id != bound {
					return domain.E("resolve promise", id, domain.Validationf("idempotency key %q is bound to another promise", req.IdempotencyKey))
				}
				p, err := tx.Promises().Lock(ctx, bound)
				if err != nil {
					return err
				}
				if p.Status != domain.PromisePending {
					out = p
					return nil
				}
				id = bound
			case domain.IsNotFound(err):
				if id == "" {
					return domain.E("resolve promise", req.IdempotencyKey, domain.ErrNotFound)
				}
				if _, err := tx.Promises().PutKey(ctx, req.IdempotencyKey, id, now); err != nil {
					return err
				}
			default:
				return err
			}
		}

		p, err := tx.Promises().Lock(ctx, id)
		if err != nil {
			return err
		}
		settled, err := e.settlePromise(ctx, tx, p, req.Value, req.Error, now)
		if err != nil {
			return err
		}
		if !settled {
			return domain.E("resolve promise", id, domain.ErrPromiseResolved)
		}
		out, err = tx.Promises().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// settlePromise moves p out of PENDING, records the outcome on the owner and
// wakes it. It reports false when p was already settled.
func (e *Engine) settlePromise(ctx context.Context, tx *store.Tx, p *domain.Promise, value json.RawMessage, errMsg string, now time.Time) (bool, error) {
	status, event := domain.PromiseResolved, domain.EventPromiseResolved
	payload := domain.PromisePayload{PromiseID: p.ID, Name: p.Name, Value: value}
	if errMsg != "" {
		status, event = domain.PromiseRejected, domain.EventPromiseRejected
		payload.Value = nil
		payload.Error = &domain.ExecutionError{Message: errMsg, Category: domain.ErrorApplication}
	}

	ok, err := tx.Promises().Settle(ctx, p.ID, status, payload.Value, errMsg, now)
	if err != nil || !ok {
		return false, err
	}
	return true, e.deliver(ctx, tx, p.ExecutionID, event, p.ID, payload, domain.WaitPromise, now)
}

// deliver appends a resolution event to a live owner and wakes it.
func (e *Engine) deliver(ctx context.Context, tx *store.Tx, ownerID string, event domain.EventType, ref string,
	payload any, wait domain.WaitType, now time.Time) error {
	owner, err := tx.Executions().Lock(ctx, ownerID)
	if err != nil {
		return err
	}
	if owner.Status.Terminal() {
		return nil
	}
	if _, err := tx.Events().Append(ctx, ownerID, event, ref, payload, now); err != nil {
		return err
	}
	return e.wake(ctx, tx, ownerID, domain.WaitCondition{Type: wait, Ref: ref}, now)
}
