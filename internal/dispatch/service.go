// Package dispatch is the protocol surface of the engine. Workers long-poll
// for work, submit commands and heartbeat through it; callers start, inspect,
// signal and cancel executions and manage schedules.
package dispatch

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/notify"
	"durableflow/internal/protocol"
	"durableflow/internal/scheduler"
	"durableflow/internal/store"
)

type Config struct {
	// RecheckInterval bounds how long a poller sleeps without a notification
	// before it looks at the queue again.
	RecheckInterval time.Duration
	// MaxPollWait caps the wait a poller may ask for.
	MaxPollWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		RecheckInterval: time.Second,
		MaxPollWait:     30 * time.Second,
	}
}

type Service struct {
	engine    *engine.Engine
	schedules *scheduler.Service
	store     *store.Store
	notifier  notify.Notifier
	clock     clockwork.Clock
	cfg       Config
	log       zerolog.Logger
}

type Option func(*Service)

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New wires a dispatch service. notifier may be nil, in which case pollers
// rely on the recheck interval alone.
func New(eng *engine.Engine, schedules *scheduler.Service, notifier notify.Notifier, opts ...Option) *Service {
	s := &Service{
		engine:    eng,
		schedules: schedules,
		store:     eng.Store(),
		notifier:  notifier,
		clock:     eng.Clock(),
		cfg:       DefaultConfig(),
		log:       log.With().Str("component", "dispatch").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Poll claims the next execution the worker can run. With a positive Wait it
// blocks until work arrives, the wait elapses or ctx ends; an empty response
// means nothing was ready.
func (s *Service) Poll(ctx context.Context, req protocol.PollRequest) (*protocol.PollResponse, error) {
	if err := protocol.Validate(req); err != nil {
		return nil, err
	}
	kinds, err := s.capabilities(ctx, req)
	if err != nil {
		return nil, err
	}
	queue := req.Queue
	if queue == "" {
		queue = protocol.DefaultQueue
	}

	wait := time.Duration(req.WaitMs) * time.Millisecond
	if wait > s.cfg.MaxPollWait {
		wait = s.cfg.MaxPollWait
	}

	var ready <-chan struct{}
	if s.notifier != nil && wait > 0 {
		ch, unsubscribe := s.notifier.Subscribe(queue)
		defer unsubscribe()
		ready = ch
	}
	deadline := s.clock.NewTimer(wait)
	defer deadline.Stop()

	for {
		exec, err := s.engine.Claim(ctx, req.TenantID, queue, req.WorkerID, kinds)
		if err != nil {
			return nil, err
		}
		if exec != nil {
			return &protocol.PollResponse{Execution: exec}, nil
		}
		if wait <= 0 {
			return &protocol.PollResponse{}, nil
		}

		recheck := s.clock.NewTimer(s.cfg.RecheckInterval)
		select {
		case <-ctx.Done():
			recheck.Stop()
			return &protocol.PollResponse{}, nil
		case <-deadline.Chan():
			recheck.Stop()
			return &protocol.PollResponse{}, nil
		case <-ready:
		case <-recheck.Chan():
		}
		recheck.Stop()
	}
}

// capabilities resolves the kinds a poller executes: the ones it sends, or
// the ones it registered.
func (s *Service) capabilities(ctx context.Context, req protocol.PollRequest) ([]string, error) {
	if len(req.Capabilities) > 0 {
		return req.Capabilities, nil
	}
	w, err := s.store.Workers().Get(ctx, req.WorkerID)
	if err != nil {
		if domain.IsNotFound(err) {
			return nil, domain.Validationf("worker %s sent no capabilities and is not registered", req.WorkerID)
		}
		return nil, err
	}
	return w.Capabilities, nil
}

func (s *Service) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	return s.engine.Submit(ctx, req)
}

func (s *Service) RegisterWorker(ctx context.Context, req protocol.RegisterWorkerRequest) (*domain.Worker, error) {
	return s.engine.RegisterWorker(ctx, req)
}

func (s *Service) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	return s.engine.Heartbeat(ctx, req)
}

// ListWorkers returns workers that heartbeated within the last since.
func (s *Service) ListWorkers(ctx context.Context, tenantID string, since time.Duration) ([]*domain.Worker, error) {
	if tenantID == "" {
		tenantID = protocol.DefaultTenant
	}
	var cutoff time.Time
	if since > 0 {
		cutoff = s.clock.Now().Add(-since)
	}
	return s.store.Workers().List(ctx, tenantID, cutoff)
}

// Events returns one page of an execution's history after the given sequence.
func (s *Service) Events(ctx context.Context, executionID string, after int64, limit int) (*protocol.EventsResponse, error) {
	if _, err := s.store.Executions().Get(ctx, executionID); err != nil {
		return nil, err
	}
	evs, err := s.store.Events().List(ctx, executionID, after, limit)
	if err != nil {
		return nil, err
	}
	next := after
	if len(evs) > 0 {
		next = evs[len(evs)-1].Sequence
	}
	return &protocol.EventsResponse{Events: evs, Next: next}, nil
}

// StreamEvents calls fn for every event after the given sequence in order.
func (s *Service) StreamEvents(ctx context.Context, executionID string, after int64, fn func(domain.Event) error) error {
	if _, err := s.store.Executions().Get(ctx, executionID); err != nil {
		return err
	}
	return s.store.Events().Stream(ctx, executionID, after, fn)
}

// Follow streams events like StreamEvents and keeps streaming new ones until
// the execution is terminal or ctx ends.
func (s *Service) Follow(ctx context.Context, executionID string, after int64, fn func(domain.Event) error) error {
	cursor := after
	for {
		exec, err := s.store.Executions().Get(ctx, executionID)
		if err != nil {
			return err
		}
		err = s.store.Events().Stream(ctx, executionID, cursor, func(ev domain.Event) error {
			cursor = ev.Sequence
			return fn(ev)
		})
		if err != nil {
			return err
		}
		// The status was read before streaming, so every event of a terminal
		// execution has been delivered.
		if exec.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-s.clock.After(s.cfg.RecheckInterval):
		}
	}
}
