package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
	"durableflow/internal/store"
)

const defaultCatchupWindow = time.Minute

// fire applies a schedule's policies at due and, unless the firing is dropped,
// spawns its target. Automatic and manual firings share this path; only
// automatic ones move next_run_at.
func (s *Service) fire(ctx context.Context, tx *store.Tx, sch *domain.Schedule, trigger domain.RunTrigger,
	due, now time.Time) (*domain.ScheduleRun, *domain.Execution, error) {
	run := &domain.ScheduleRun{
		ID:           "run_" + uuid.NewString(),
		ScheduleID:   sch.ID,
		Trigger:      trigger,
		ScheduledFor: due,
		CreatedAt:    now,
	}
	logger := s.log.With().Str("schedule_id", sch.ID).Str("trigger", string(trigger)).Logger()

	active, err := tx.Executions().List(ctx, protocol.ListExecutionsRequest{
		ScheduleID: sch.ID,
		Statuses:   domain.NonTerminalStatuses,
	})
	if err != nil {
		return nil, nil, err
	}

	var exec *domain.Execution
	switch {
	case len(active) > 0 && sch.OverlapPolicy == domain.OverlapSkip:
		run.Status = domain.RunSkipped
		run.Reason = "previous run " + active[0].ID + " still in progress"

	case trigger == domain.TriggerAutomatic && sch.MissedRunPolicy == domain.MissedSkipIfStale &&
		now.Sub(due) > catchupWindow(sch):
		// Stale firings are dropped without a run record.
		logger.Warn().Time("due", due).Msg("skipping stale schedule firing")
		return nil, nil, s.advance(ctx, tx, sch, trigger, nil, now)

	default:
		if sch.OverlapPolicy == domain.OverlapCancelPrevious {
			for _, prev := range active {
				locked, err := tx.Executions().Lock(ctx, prev.ID)
				if err != nil {
					return nil, nil, err
				}
				if err := s.engine.RequestCancel(ctx, tx, locked, "superseded by schedule run "+run.ID, sch.ID); err != nil {
					return nil, nil, err
				}
			}
		}
		t := sch.Target
		exec, _, err = s.engine.Spawn(ctx, tx, protocol.CreateExecutionRequest{
			TenantID:       sch.TenantID,
			Type:           t.Type,
			Kind:           t.Kind,
			Queue:          t.Queue,
			Input:          t.Input,
			MaxRetries:     t.MaxRetries,
			TimeoutSeconds: t.TimeoutSeconds,
			Priority:       t.Priority,
			ScheduleID:     sch.ID,
		})
		if err != nil {
			return nil, nil, err
		}
		run.Status = domain.RunStarted
		run.ExecutionID = &exec.ID
	}

	if err := tx.Schedules().InsertRun(ctx, run); err != nil {
		return nil, nil, err
	}
	var lastRun *time.Time
	if run.Status == domain.RunStarted {
		lastRun = &now
	}
	if err := s.advance(ctx, tx, sch, trigger, lastRun, now); err != nil {
		return nil, nil, err
	}

	logger.Info().Str("run_id", run.ID).Str("status", string(run.Status)).Msg("schedule fired")
	return run, exec, nil
}

func (s *Service) advance(ctx context.Context, tx *store.Tx, sch *domain.Schedule, trigger domain.RunTrigger,
	lastRun *time.Time, now time.Time) error {
	next := sch.NextRunAt
	if trigger == domain.TriggerAutomatic {
		next = nil
		if sch.CronExpr != "" {
			t, err := NextRunTime(sch.CronExpr, now)
			if err != nil {
				return err
			}
			next = &t
		}
	}
	return tx.Schedules().Advance(ctx, sch.ID, lastRun, next, now)
}

func catchupWindow(sch *domain.Schedule) time.Duration {
	if sch.CatchupWindow <= 0 {
		return defaultCatchupWindow
	}
	return sch.CatchupWindow
}

// CreateSchedule registers a schedule and computes its first firing.
func (s *Service) CreateSchedule(ctx context.Context, req protocol.ScheduleRequest) (*domain.Schedule, error) {
	now := s.now()
	sch := &domain.Schedule{
		ID:        "sch_" + uuid.NewString(),
		CreatedAt: now,
	}
	if err := s.applyRequest(sch, req, now); err != nil {
		return nil, err
	}
	if err := s.store.Schedules().Insert(ctx, sch); err != nil {
		return nil, err
	}
	s.log.Info().Str("schedule_id", sch.ID).Str("name", sch.Name).Msg("schedule created")
	return sch, nil
}

// UpdateSchedule replaces a schedule definition and recomputes next_run_at.
func (s *Service) UpdateSchedule(ctx context.Context, id string, req protocol.ScheduleRequest) (*domain.Schedule, error) {
	var sch *domain.Schedule
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		var err error
		sch, err = tx.Schedules().Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := s.applyRequest(sch, req, s.now()); err != nil {
			return err
		}
		return tx.Schedules().Update(ctx, sch)
	})
	if err != nil {
		return nil, err
	}
	return sch, nil
}

func (s *Service) applyRequest(sch *domain.Schedule, req protocol.ScheduleRequest, now time.Time) error {
	if err := protocol.Validate(req); err != nil {
		return err
	}
	if req.CronExpr != "" {
		if err := ValidateCronExpression(req.CronExpr); err != nil {
			return domain.Validationf("invalid cron expression: %v", err)
		}
	}
	if req.TenantID == "" {
		req.TenantID = protocol.DefaultTenant
	}
	if req.OverlapPolicy == "" {
		req.OverlapPolicy = domain.OverlapSkip
	}
	if req.MissedRunPolicy == "" {
		req.MissedRunPolicy = domain.MissedSkipIfStale
	}
	if req.Target.Queue == "" {
		req.Target.Queue = protocol.DefaultQueue
	}

	sch.TenantID = req.TenantID
	sch.Name = req.Name
	sch.CronExpr = req.CronExpr
	sch.RunAt = nil
	sch.OverlapPolicy = req.OverlapPolicy
	sch.MissedRunPolicy = req.MissedRunPolicy
	sch.CatchupWindow = time.Duration(req.CatchupWindowMs) * time.Millisecond
	sch.Target = domain.ScheduleTarget{
		Type:           req.Target.Type,
		Kind:           req.Target.Kind,
		Queue:          req.Target.Queue,
		Input:          req.Target.Input,
		MaxRetries:     req.Target.MaxRetries,
		TimeoutSeconds: req.Target.TimeoutSeconds,
		Priority:       req.Target.Priority,
	}
	sch.Enabled = req.Enabled == nil || *req.Enabled
	sch.UpdatedAt = now

	if req.RunAt != nil {
		at := req.RunAt.UTC().Truncate(time.Millisecond)
		sch.RunAt = &at
		sch.NextRunAt = &at
		return nil
	}
	next, err := NextRunTime(sch.CronExpr, now)
	if err != nil {
		return domain.Validationf("invalid cron expression: %v", err)
	}
	sch.NextRunAt = &next
	return nil
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.store.Schedules().Get(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, tenantID string) ([]*domain.Schedule, error) {
	if tenantID == "" {
		tenantID = protocol.DefaultTenant
	}
	return s.store.Schedules().List(ctx, tenantID)
}

func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	if err := s.store.Schedules().Delete(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("schedule_id", id).Msg("schedule deleted")
	return nil
}

// Trigger fires a schedule now, outside its cadence. Overlap policy still
// applies, so a trigger may be recorded as skipped.
func (s *Service) Trigger(ctx context.Context, id string) (*protocol.TriggerResponse, error) {
	var resp *protocol.TriggerResponse
	err := s.store.InTx(ctx, func(tx *store.Tx) error {
		sch, err := tx.Schedules().Lock(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		run, exec, err := s.fire(ctx, tx, sch, domain.TriggerManual, now, now)
		if err != nil {
			return err
		}
		resp = &protocol.TriggerResponse{Run: run, Execution: exec}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Service) ListRuns(ctx context.Context, id string, limit int) ([]*domain.ScheduleRun, error) {
	if _, err := s.store.Schedules().Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Schedules().ListRuns(ctx, id, limit)
}
