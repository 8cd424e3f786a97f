package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
	"durableflow/internal/replay"
)

func (p *Pool) execute(ctx context.Context, exec *domain.Execution) {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p.track(exec.ID, cancel)
	defer p.untrack(exec.ID)
	if exec.DeadlineAt != nil {
		var stop context.CancelFunc
		runCtx, stop = context.WithDeadline(runCtx, *exec.DeadlineAt)
		defer stop()
	}

	logger := p.log.With().Str("execution_id", exec.ID).Str("kind", exec.Kind).Int("attempt", exec.Attempt).Logger()
	logger.Debug().Msg("execution started")

	var req protocol.SubmitRequest
	switch exec.Type {
	case domain.ExecutionTypeTask:
		req = p.runTask(runCtx, exec)
	case domain.ExecutionTypeWorkflow:
		var err error
		if req, err = p.runWorkflow(runCtx, exec); err != nil {
			// Nothing is submitted. The lease runs out and the next holder
			// replays from the full history.
			logger.Error().Err(err).Msg("execution abandoned")
			return
		}
	default:
		req = failRequest(fmt.Errorf("unknown execution type %q", exec.Type), true)
	}
	req.ExecutionID = exec.ID
	req.WorkerID = p.cfg.WorkerID

	if ctx.Err() != nil && !completes(req) {
		// Shutting down. The lease runs out and another worker takes over
		// without spending a retry.
		logger.Info().Msg("execution abandoned on shutdown")
		return
	}
	if _, err := p.d.Submit(context.WithoutCancel(ctx), req); err != nil {
		switch {
		case errors.Is(err, domain.ErrLeaseLost), errors.Is(err, domain.ErrTerminal), errors.Is(err, domain.ErrNotClaimed):
			logger.Warn().Err(err).Msg("result discarded")
		default:
			logger.Error().Err(err).Msg("submit failed")
		}
		return
	}
	logger.Debug().Int("commands", len(req.Commands)).Msg("execution submitted")
}

func (p *Pool) runTask(ctx context.Context, exec *domain.Execution) protocol.SubmitRequest {
	h, ok := p.tasks[exec.Kind]
	if !ok {
		return failRequest(fmt.Errorf("no handler for task kind %q", exec.Kind), true)
	}
	output, err := safeHandle(ctx, h, exec.Input)
	if err != nil {
		if cancelRequested(ctx) {
			return cancelRequest("cancelled while running")
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return protocol.SubmitRequest{Commands: []domain.Command{{
				Type: domain.CommandFailExecution,
				Fail: &domain.FailAttributes{Message: err.Error(), Category: domain.ErrorTimeout},
			}}}
		}
		return failRequest(err, IsPermanent(err))
	}
	return protocol.SubmitRequest{Commands: []domain.Command{{
		Type:     domain.CommandCompleteExecution,
		Complete: &domain.CompleteAttributes{Output: output},
	}}}
}

func safeHandle(ctx context.Context, h Handler, input json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, input)
}

// runWorkflow replays exec and returns the commands to submit. An error means
// the history could not be read and the run must not be reported at all.
func (p *Pool) runWorkflow(ctx context.Context, exec *domain.Execution) (protocol.SubmitRequest, error) {
	fn, ok := p.workflows[exec.Kind]
	if !ok {
		return failRequest(fmt.Errorf("no workflow registered for kind %q", exec.Kind), true), nil
	}
	state, err := p.history(ctx, exec.ID)
	if err != nil {
		return protocol.SubmitRequest{}, fmt.Errorf("load history: %w", err)
	}
	if state.CancelRequested {
		return cancelRequest("cancellation acknowledged"), nil
	}

	wf := newContext(ctx, exec, state)
	result, err := safeRun(fn, wf)
	switch {
	case errors.Is(err, ErrSuspended):
		return protocol.SubmitRequest{Commands: wf.commands, Status: domain.StatusWaiting, WaitOn: wf.wait}, nil
	case cancelRequested(ctx):
		return cancelRequest("cancelled while running"), nil
	case err != nil:
		req := failRequest(err, IsPermanent(err))
		req.Commands = append(wf.commands, req.Commands...)
		return req, nil
	}

	output, err := json.Marshal(result)
	if err != nil {
		return failRequest(fmt.Errorf("marshal workflow result: %w", err), true), nil
	}
	return protocol.SubmitRequest{Commands: append(wf.commands, domain.Command{
		Type:     domain.CommandCompleteExecution,
		Complete: &domain.CompleteAttributes{Output: output},
	})}, nil
}

func safeRun(fn Workflow, wf *Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
		}
	}()
	return fn(wf)
}

// history folds the full event log of an execution.
func (p *Pool) history(ctx context.Context, id string) (*replay.State, error) {
	const page = 500
	state := replay.New(id)
	var after int64
	for {
		resp, err := p.d.Events(ctx, id, after, page)
		if err != nil {
			return nil, err
		}
		for _, ev := range resp.Events {
			if err := state.Apply(ev); err != nil {
				return nil, err
			}
		}
		if len(resp.Events) < page {
			return state, nil
		}
		after = resp.Next
	}
}

var errCancelRequested = errors.New("cancellation requested")

// cancelRequested reports whether the run was stopped by the server rather
// than by its deadline or pool shutdown.
func cancelRequested(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errCancelRequested)
}

func completes(req protocol.SubmitRequest) bool {
	for _, c := range req.Commands {
		if c.Type == domain.CommandCompleteExecution {
			return true
		}
	}
	return false
}

func failRequest(err error, permanent bool) protocol.SubmitRequest {
	cause := domain.ErrorApplication
	var ee *domain.ExecutionError
	if errors.As(err, &ee) && ee.Category != "" {
		cause = ee.Category
	}
	return protocol.SubmitRequest{Commands: []domain.Command{{
		Type: domain.CommandFailExecution,
		Fail: &domain.FailAttributes{Message: err.Error(), Category: cause, NonRetryable: permanent},
	}}}
}

func cancelRequest(reason string) protocol.SubmitRequest {
	return protocol.SubmitRequest{Commands: []domain.Command{{
		Type:   domain.CommandCancelExecution,
		Cancel: &domain.CancelAttributes{Reason: reason},
	}}}
}
