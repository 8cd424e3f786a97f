// Package engine applies every state transition of executions: creation,
// claims, worker command batches, cancellation, retries and the time-driven
// expirations the scheduler triggers. Each operation runs in one store
// transaction and leaves the store consistent on its own.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
	"durableflow/internal/store"
)

type Config struct {
	// LeaseDuration is how long a claim stays valid without a heartbeat or checkpoint.
	LeaseDuration time.Duration
	// BackoffBase is the delay before the first retry; each retry doubles it.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		LeaseDuration: 30 * time.Second,
		BackoffBase:   time.Second,
		BackoffMax:    time.Minute,
	}
}

type Engine struct {
	store *store.Store
	clock clockwork.Clock
	cfg   Config
	log   zerolog.Logger
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.cfg.LeaseDuration = d }
}

// WithBackoff sets the retry delay schedule. A zero base retries immediately.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) {
		e.cfg.BackoffBase = base
		e.cfg.BackoffMax = max
	}
}

func New(s *store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: s,
		clock: clockwork.NewRealClock(),
		cfg:   DefaultConfig(),
		log:   log.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) Clock() clockwork.Clock { return e.clock }

func (e *Engine) LeaseDuration() time.Duration { return e.cfg.LeaseDuration }

func (e *Engine) now() time.Time { return e.clock.Now().UTC().Truncate(time.Millisecond) }

// backoff returns the delay after the given failed attempt: base, 2*base,
// 4*base ... capped at BackoffMax.
func (e *Engine) backoff(attempt int) time.Duration {
	if e.cfg.BackoffBase <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := e.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= e.cfg.BackoffMax {
			return e.cfg.BackoffMax
		}
	}
	if e.cfg.BackoffMax > 0 && d > e.cfg.BackoffMax {
		return e.cfg.BackoffMax
	}
	return d
}

// CreateExecution starts a top-level workflow or task. A request carrying an
// idempotency key that was already used returns the existing execution with
// Created false.
func (e *Engine) CreateExecution(ctx context.Context, req protocol.CreateExecutionRequest) (*protocol.CreateExecutionResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	var resp *protocol.CreateExecutionResponse
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		exec, created, err := e.Spawn(ctx, tx, req)
		if err != nil {
			return err
		}
		resp = &protocol.CreateExecutionResponse{Execution: exec, Created: created}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Created {
		e.log.Info().Str("execution_id", resp.Execution.ID).Str("kind", resp.Execution.Kind).
			Str("type", string(resp.Execution.Type)).Msg("execution created")
	}
	return resp, nil
}

// Spawn inserts an execution inside tx and records its start event. It is
// shared by callers, child scheduling and schedule firings.
func (e *Engine) Spawn(ctx context.Context, tx *store.Tx, req protocol.CreateExecutionRequest) (*domain.Execution, bool, error) {
	now := e.now()
	if req.TenantID == "" {
		req.TenantID = protocol.DefaultTenant
	}
	if req.Queue == "" {
		req.Queue = protocol.DefaultQueue
	}

	if req.IdempotencyKey != "" {
		existing, err := tx.Executions().FindByIdempotencyKey(ctx, req.TenantID, req.ParentExecutionID, req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !domain.IsNotFound(err) {
			return nil, false, err
		}
	}

	exec := &domain.Execution{
		ID:             "exe_" + uuid.NewString(),
		TenantID:       req.TenantID,
		Type:           req.Type,
		Kind:           req.Kind,
		Queue:          req.Queue,
		Status:         domain.StatusPending,
		Input:          req.Input,
		Attempt:        1,
		MaxRetries:     req.MaxRetries,
		Priority:       req.Priority,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledAt:    now,
		DeadlineAt:     req.DeadlineAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		exec.ScheduledAt = req.ScheduledAt.UTC().Truncate(time.Millisecond)
	}
	if exec.TimeoutSeconds > 0 {
		exec.DeadlineAt = deadline(exec.ScheduledAt, exec.TimeoutSeconds)
	}
	if req.IdempotencyKey != "" {
		exec.IdempotencyKey = &req.IdempotencyKey
	}
	if req.ParentExecutionID != "" {
		exec.ParentExecutionID = &req.ParentExecutionID
	}
	if req.ScheduleID != "" {
		exec.ScheduleID = &req.ScheduleID
	}
	if req.RetriedFromID != "" {
		exec.RetriedFromID = &req.RetriedFromID
	}

	created, err := tx.Executions().Insert(ctx, exec)
	if err != nil {
		return nil, false, err
	}
	if !created {
		// Lost a race on the idempotency key.
		existing, err := tx.Executions().FindByIdempotencyKey(ctx, req.TenantID, req.ParentExecutionID, req.IdempotencyKey)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	started := domain.EventWorkflowStarted
	if exec.Type == domain.ExecutionTypeTask {
		started = domain.EventTaskStarted
	}
	ev, err := tx.Events().Append(ctx, exec.ID, started, "", domain.StartedPayload{
		Kind:       exec.Kind,
		Queue:      exec.Queue,
		Input:      exec.Input,
		MaxRetries: exec.MaxRetries,
		ParentID:   req.ParentExecutionID,
	}, now)
	if err != nil {
		return nil, false, err
	}
	exec.Sequence = ev.Sequence

	if !exec.ScheduledAt.After(now) {
		tx.MarkReady(exec.Queue)
	}
	return exec, true, nil
}

func deadline(from time.Time, timeoutSeconds int) *time.Time {
	d := from.Add(time.Duration(timeoutSeconds) * time.Second)
	return &d
}

func (e *Engine) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return e.store.Executions().Get(ctx, id)
}

// Claim hands the next ready execution of a queue to workerID, restricted to
// the kinds the worker executes. It returns nil when nothing is ready.
func (e *Engine) Claim(ctx context.Context, tenantID, queue, workerID string, kinds []string) (*domain.Execution, error) {
	if tenantID == "" {
		tenantID = protocol.DefaultTenant
	}
	if queue == "" {
		queue = protocol.DefaultQueue
	}
	var exec *domain.Execution
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		claimed, err := tx.Executions().Claim(ctx, store.ClaimParams{
			TenantID:   tenantID,
			Queue:      queue,
			Kinds:      kinds,
			WorkerID:   workerID,
			Now:        now,
			LeaseUntil: now.Add(e.cfg.LeaseDuration),
		})
		if err != nil {
			return err
		}
		exec = claimed
		return tx.Attempts().Start(ctx, claimed, workerID, now)
	})
	if errors.Is(err, store.ErrEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.log.Debug().Str("execution_id", exec.ID).Str("worker_id", workerID).Int("attempt", exec.Attempt).Msg("execution claimed")
	return exec, nil
}

// Signal delivers a named payload to an execution and wakes it if it waits
// on that signal.
func (e *Engine) Signal(ctx context.Context, id string, req protocol.SignalRequest) error {
	if err := protocol.Validate(req); err != nil {
		return err
	}
	return e.store.InTx(ctx, func(tx *store.Tx) error {
		exec, err := tx.Executions().Lock(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status.Terminal() {
			return domain.E("signal", id, domain.ErrTerminal)
		}
		now := e.now()
		if _, err := tx.Events().Append(ctx, id, domain.EventSignalReceived, req.Name,
			domain.SignalPayload{Name: req.Name, Payload: req.Payload}, now); err != nil {
			return err
		}
		return e.wake(ctx, tx, id, domain.WaitCondition{Type: domain.WaitSignal, Ref: req.Name}, now)
	})
}

// Cancel requests cancellation of an execution and its live descendants.
func (e *Engine) Cancel(ctx context.Context, id, reason string) (*domain.Execution, error) {
	var exec *domain.Execution
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		locked, err := tx.Executions().Lock(ctx, id)
		if err != nil {
			return err
		}
		if locked.Status.Terminal() {
			return domain.E("cancel", id, domain.ErrTerminal)
		}
		if err := e.RequestCancel(ctx, tx, locked, reason, "caller"); err != nil {
			return err
		}
		exec, err = tx.Executions().Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("execution_id", id).Str("status", string(exec.Status)).Msg("cancellation requested")
	return exec, nil
}

// Retry starts a fresh copy of a FAILED or CANCELLED top-level execution,
// linked to it by retried_from_id.
func (e *Engine) Retry(ctx context.Context, id string) (*domain.Execution, error) {
	var exec *domain.Execution
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		orig, err := tx.Executions().Get(ctx, id)
		if err != nil {
			return err
		}
		if orig.Status != domain.StatusFailed && orig.Status != domain.StatusCancelled {
			return domain.E("retry", id, domain.Validationf("only failed or cancelled executions can be retried, status is %s", orig.Status))
		}
		if orig.ParentExecutionID != nil {
			return domain.E("retry", id, domain.Validationf("child executions are retried by their parent"))
		}
		exec, _, err = e.Spawn(ctx, tx, protocol.CreateExecutionRequest{
			TenantID:       orig.TenantID,
			Type:           orig.Type,
			Kind:           orig.Kind,
			Queue:          orig.Queue,
			Input:          orig.Input,
			MaxRetries:     orig.MaxRetries,
			TimeoutSeconds: orig.TimeoutSeconds,
			Priority:       orig.Priority,
			RetriedFromID:  orig.ID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info().Str("execution_id", exec.ID).Str("retried_from_id", id).Msg("execution retried")
	return exec, nil
}

// RegisterWorker records a worker and the kinds it executes. Re-registering
// the same id replaces the earlier record.
func (e *Engine) RegisterWorker(ctx context.Context, req protocol.RegisterWorkerRequest) (*domain.Worker, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	now := e.now()
	w := &domain.Worker{
		ID:              req.WorkerID,
		TenantID:        req.TenantID,
		Name:            req.Name,
		Queue:           req.Queue,
		Capabilities:    req.Capabilities,
		MaxConcurrency:  req.MaxConcurrency,
		LastHeartbeatAt: now,
		CreatedAt:       now,
	}
	if w.ID == "" {
		w.ID = "wkr_" + uuid.NewString()
	}
	if w.TenantID == "" {
		w.TenantID = protocol.DefaultTenant
	}
	if w.Queue == "" {
		w.Queue = protocol.DefaultQueue
	}
	if w.Name == "" {
		w.Name = w.ID
	}
	if err := e.store.Workers().Upsert(ctx, w); err != nil {
		return nil, err
	}
	e.log.Info().Str("worker_id", w.ID).Strs("capabilities", w.Capabilities).Msg("worker registered")
	return w, nil
}

// Heartbeat records worker liveness, extends the leases of the executions
// the worker reports running and tells it which of them should stop.
func (e *Engine) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	resp := &protocol.HeartbeatResponse{}
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		now := e.now()
		if err := tx.Workers().Heartbeat(ctx, req.WorkerID, now); err != nil {
			return err
		}
		if _, err := tx.Executions().ExtendLeases(ctx, req.WorkerID, req.ExecutionIDs, now.Add(e.cfg.LeaseDuration), now); err != nil {
			return err
		}
		ids, err := tx.Executions().CancellingFor(ctx, req.WorkerID, req.ExecutionIDs)
		if err != nil {
			return err
		}
		resp.Cancelling = ids
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.Cancelling == nil {
		resp.Cancelling = []string{}
	}
	return resp, nil
}
