// Package worker runs task handlers and workflow functions against a
// dispatcher, either in the server process or over HTTP.
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
)

// Dispatcher is the worker side of the protocol. *dispatch.Service serves it
// in-process and *client.Client over HTTP.
type Dispatcher interface {
	RegisterWorker(ctx context.Context, req protocol.RegisterWorkerRequest) (*domain.Worker, error)
	Poll(ctx context.Context, req protocol.PollRequest) (*protocol.PollResponse, error)
	Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error)
	Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error)
	Events(ctx context.Context, executionID string, after int64, limit int) (*protocol.EventsResponse, error)
}

type Config struct {
	WorkerID    string
	TenantID    string
	Queue       string
	Concurrency int
	// PollWait is how long one poll blocks on the server.
	PollWait time.Duration
	// HeartbeatInterval must stay well below the server's lease duration.
	HeartbeatInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Queue:             protocol.DefaultQueue,
		Concurrency:       4,
		PollWait:          10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

type Pool struct {
	d         Dispatcher
	cfg       Config
	clock     clockwork.Clock
	log       zerolog.Logger
	tasks     map[string]Handler
	workflows map[string]Workflow

	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

type Option func(*Pool)

func WithClock(c clockwork.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

func NewPool(d Dispatcher, cfg Config, opts ...Option) *Pool {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "wkr_" + uuid.NewString()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	p := &Pool{
		d:         d,
		cfg:       cfg,
		clock:     clockwork.NewRealClock(),
		log:       log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
		tasks:     map[string]Handler{},
		workflows: map[string]Workflow{},
		sem:       make(chan struct{}, cfg.Concurrency),
		stop:      make(chan struct{}),
		running:   map[string]context.CancelCauseFunc{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleTask registers the handler for a task kind. Registration must happen
// before Run.
func (p *Pool) HandleTask(kind string, h Handler) {
	p.tasks[kind] = h
}

// HandleWorkflow registers the function for a workflow kind. Registration
// must happen before Run.
func (p *Pool) HandleWorkflow(kind string, wf Workflow) {
	p.workflows[kind] = wf
}

func (p *Pool) ID() string { return p.cfg.WorkerID }

func (p *Pool) capabilities() []string {
	kinds := make([]string, 0, len(p.tasks)+len(p.workflows))
	for k := range p.tasks {
		kinds = append(kinds, k)
	}
	for k := range p.workflows {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Run registers the worker and processes executions until ctx is done or
// Stop is called. In-flight executions finish before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	kinds := p.capabilities()
	if len(kinds) == 0 {
		return errors.New("worker has no task handlers or workflows registered")
	}
	if _, err := p.d.RegisterWorker(ctx, protocol.RegisterWorkerRequest{
		TenantID:       p.cfg.TenantID,
		WorkerID:       p.cfg.WorkerID,
		Queue:          p.cfg.Queue,
		Capabilities:   kinds,
		MaxConcurrency: p.cfg.Concurrency,
	}); err != nil {
		return err
	}
	p.log.Info().Strs("capabilities", kinds).Int("concurrency", p.cfg.Concurrency).Msg("worker started")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.heartbeat(ctx)
	}()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case p.sem <- struct{}{}:
		}

		resp, err := p.d.Poll(ctx, protocol.PollRequest{
			TenantID:     p.cfg.TenantID,
			WorkerID:     p.cfg.WorkerID,
			Queue:        p.cfg.Queue,
			Capabilities: kinds,
			WaitMs:       p.cfg.PollWait.Milliseconds(),
		})
		if err != nil || resp.Execution == nil {
			<-p.sem
			if err != nil && ctx.Err() == nil {
				failures++
				p.log.Warn().Err(err).Int("failures", failures).Msg("poll failed")
				select {
				case <-ctx.Done():
				case <-p.clock.After(backoffExp(failures)):
				}
			}
			continue
		}
		failures = 0

		exec := resp.Execution
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.sem }()
			p.execute(ctx, exec)
		}()
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Pool) heartbeat(ctx context.Context) {
	ticker := p.clock.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			resp, err := p.d.Heartbeat(ctx, protocol.HeartbeatRequest{WorkerID: p.cfg.WorkerID, ExecutionIDs: p.held()})
			if err != nil {
				if ctx.Err() == nil {
					p.log.Warn().Err(err).Msg("heartbeat failed")
				}
				continue
			}
			for _, id := range resp.Cancelling {
				p.cancelRun(id)
			}
		}
	}
}

func (p *Pool) track(id string, cancel context.CancelCauseFunc) {
	p.mu.Lock()
	p.running[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(id string) {
	p.mu.Lock()
	delete(p.running, id)
	p.mu.Unlock()
}

// held lists the executions this process is running.
func (p *Pool) held() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	return ids
}

func (p *Pool) cancelRun(id string) {
	p.mu.Lock()
	cancel, ok := p.running[id]
	p.mu.Unlock()
	if ok {
		p.log.Info().Str("execution_id", id).Msg("cancellation requested")
		cancel(errCancelRequested)
	}
}

func backoffExp(attempts int) time.Duration {
	if attempts <= 0 {
		return time.Second
	}
	if attempts > 7 {
		return 60 * time.Second
	}
	d := 1 << (attempts - 1) // 1,2,4,8...
	if d > 60 {
		d = 60
	}
	return time.Duration(d) * time.Second
}
