// Package scheduler promotes time-driven state into dispatchable work: it
// fires timers and schedules, times out promises and executions, and
// recovers claims whose workers went away. Every sweep is safe to run on
// several replicas at once.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/store"
)

// batchLimit caps how many items one sweep handles per tick so a backlog in
// one sweep cannot starve the others.
const batchLimit = 200

type Service struct {
	engine   *engine.Engine
	store    *store.Store
	clock    clockwork.Clock
	interval time.Duration
	log      zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Service)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.log = l }
}

func NewService(eng *engine.Engine, checkInterval time.Duration, opts ...Option) *Service {
	s := &Service{
		engine:   eng,
		store:    eng.Store(),
		clock:    eng.Clock(),
		interval: checkInterval,
		log:      log.With().Str("component", "scheduler").Logger(),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the sweeps every interval until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.Chan():
			s.RunOnce(ctx)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

type sweep struct {
	name string
	fn   func(context.Context) (bool, error)
}

func (s *Service) sweeps() []sweep {
	return []sweep{
		{"timers", s.engine.FireDueTimer},
		{"schedules", s.fireDueSchedule},
		{"promise_timeouts", s.engine.TimeoutDuePromise},
		{"deadlines", s.engine.ExpireDueDeadline},
		{"leases", s.engine.RecoverExpiredLease},
	}
}

// RunOnce runs every sweep until it finds nothing more to do, and returns the
// number of items handled.
func (s *Service) RunOnce(ctx context.Context) int {
	total := 0
	for _, sw := range s.sweeps() {
		n := 0
		for n < batchLimit {
			found, err := sw.fn(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.log.Error().Err(err).Str("sweep", sw.name).Msg("sweep failed")
				}
				break
			}
			if !found {
				break
			}
			n++
		}
		if n > 0 {
			s.log.Debug().Str("sweep", sw.name).Int("handled", n).Msg("sweep finished")
		}
		total += n
	}
	return total
}

// fireDueSchedule fires the most overdue enabled schedule.
func (s *Service) fireDueSchedule(ctx context.Context) (bool, error) {
	var fired bool
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		now := s.now()
		sch, err := tx.Schedules().LockDue(ctx, now)
		if err != nil {
			if domain.IsNotFound(err) {
				return nil
			}
			return err
		}
		fired = true
		_, _, err = s.fire(ctx, tx, sch, domain.TriggerAutomatic, *sch.NextRunAt, now)
		return err
	})
	return fired, err
}

func (s *Service) now() time.Time { return s.clock.Now().UTC().Truncate(time.Millisecond) }

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
