package dispatch

import (
	"context"
	"time"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
)

func (s *Service) CreateExecution(ctx context.Context, req protocol.CreateExecutionRequest) (*protocol.CreateExecutionResponse, error) {
	return s.engine.CreateExecution(ctx, req)
}

func (s *Service) GetExecution(ctx context.Context, id string) (*domain.Execution, error) {
	return s.engine.GetExecution(ctx, id)
}

// DescribeExecution returns an execution with its attempts, children,
// timers and promises.
func (s *Service) DescribeExecution(ctx context.Context, id string) (*protocol.ExecutionDetail, error) {
	exec, err := s.store.Executions().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	detail := &protocol.ExecutionDetail{Execution: exec}
	if detail.Attempts, err = s.store.Attempts().List(ctx, id); err != nil {
		return nil, err
	}
	if detail.Children, err = s.store.Executions().List(ctx, protocol.ListExecutionsRequest{ParentExecutionID: id, Limit: 1000}); err != nil {
		return nil, err
	}
	if detail.Timers, err = s.store.Timers().ListForExecution(ctx, id); err != nil {
		return nil, err
	}
	if detail.Promises, err = s.store.Promises().ListForExecution(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *Service) ListExecutions(ctx context.Context, req protocol.ListExecutionsRequest) ([]*domain.Execution, error) {
	if req.TenantID == "" {
		req.TenantID = protocol.DefaultTenant
	}
	return s.store.Executions().List(ctx, req)
}

func (s *Service) Signal(ctx context.Context, id string, req protocol.SignalRequest) error {
	return s.engine.Signal(ctx, id, req)
}

func (s *Service) Cancel(ctx context.Context, id, reason string) (*domain.Execution, error) {
	return s.engine.Cancel(ctx, id, reason)
}

func (s *Service) Retry(ctx context.Context, id string) (*domain.Execution, error) {
	return s.engine.Retry(ctx, id)
}

func (s *Service) ResolvePromise(ctx context.Context, req protocol.ResolvePromiseRequest) (*domain.Promise, error) {
	return s.engine.ResolvePromise(ctx, req)
}

// Await blocks until the execution is terminal or ctx ends, and returns its
// latest state either way.
func (s *Service) Await(ctx context.Context, id string) (*domain.Execution, error) {
	for {
		exec, err := s.store.Executions().Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, nil
		case <-s.clock.After(s.cfg.RecheckInterval):
		}
	}
}

// Stats returns execution counts by status.
func (s *Service) Stats(ctx context.Context) (map[domain.Status]int, error) {
	return s.store.Executions().CountByStatus(ctx)
}

func (s *Service) CreateSchedule(ctx context.Context, req protocol.ScheduleRequest) (*domain.Schedule, error) {
	return s.schedules.CreateSchedule(ctx, req)
}

func (s *Service) UpdateSchedule(ctx context.Context, id string, req protocol.ScheduleRequest) (*domain.Schedule, error) {
	return s.schedules.UpdateSchedule(ctx, id, req)
}

func (s *Service) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.schedules.GetSchedule(ctx, id)
}

func (s *Service) ListSchedules(ctx context.Context, tenantID string) ([]*domain.Schedule, error) {
	return s.schedules.ListSchedules(ctx, tenantID)
}

func (s *Service) DeleteSchedule(ctx context.Context, id string) error {
	return s.schedules.DeleteSchedule(ctx, id)
}

func (s *Service) TriggerSchedule(ctx context.Context, id string) (*protocol.TriggerResponse, error) {
	return s.schedules.Trigger(ctx, id)
}

func (s *Service) ListScheduleRuns(ctx context.Context, id string, limit int) ([]*domain.ScheduleRun, error) {
	return s.schedules.ListRuns(ctx, id, limit)
}

// HealthCheck pings the store within a short timeout.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.store.HealthCheck(ctx)
}
