package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/protocol"
	"durableflow/internal/scheduler"
	"durableflow/internal/store"
	"durableflow/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	ctx   context.Context
	eng   *engine.Engine
	svc   *scheduler.Service
	store *store.Store
	clock *clockwork.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st := storetest.SQLite(t)
	fc := clockwork.NewFakeClockAt(t0)
	eng := engine.New(st, engine.WithClock(fc), engine.WithLogger(zerolog.Nop()))
	return &fixture{
		ctx:   context.Background(),
		eng:   eng,
		svc:   scheduler.NewService(eng, time.Second, scheduler.WithLogger(zerolog.Nop())),
		store: st,
		clock: fc,
	}
}

func target() protocol.ScheduleTarget {
	return protocol.ScheduleTarget{Type: domain.ExecutionTypeTask, Kind: "report"}
}

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"every minute", "* * * * *", false},
		{"every 5 minutes", "*/5 * * * *", false},
		{"daily at midnight", "0 0 * * *", false},
		{"descriptor", "@hourly", false},
		{"too few fields", "* * *", true},
		{"out of range", "61 * * * *", true},
		{"garbage", "not-a-cron", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := scheduler.ValidateCronExpression(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNextRunTime(t *testing.T) {
	next, err := scheduler.NextRunTime("*/5 * * * *", t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(5*time.Minute), next)
}

func TestCreateScheduleDefaults(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{Name: "hourly", CronExpr: "0 * * * *", Target: target()})
	require.NoError(t, err)

	assert.Equal(t, domain.OverlapSkip, sch.OverlapPolicy)
	assert.Equal(t, domain.MissedSkipIfStale, sch.MissedRunPolicy)
	assert.Equal(t, protocol.DefaultTenant, sch.TenantID)
	assert.Equal(t, protocol.DefaultQueue, sch.Target.Queue)
	assert.True(t, sch.Enabled)
	require.NotNil(t, sch.NextRunAt)
	assert.Equal(t, t0.Add(time.Hour), *sch.NextRunAt)
}

func TestCreateScheduleRejectsInvalid(t *testing.T) {
	f := setup(t)
	runAt := t0.Add(time.Minute)
	for name, req := range map[string]protocol.ScheduleRequest{
		"bad cron":      {Name: "x", CronExpr: "nope", Target: target()},
		"no trigger":    {Name: "x", Target: target()},
		"both triggers": {Name: "x", CronExpr: "* * * * *", RunAt: &runAt, Target: target()},
		"no target":     {Name: "x", CronExpr: "* * * * *"},
		"bad overlap":   {Name: "x", CronExpr: "* * * * *", OverlapPolicy: "SOMETIMES", Target: target()},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateSchedule(f.ctx, req)
			assert.True(t, domain.IsValidation(err), "got %v", err)
		})
	}
}

func TestUpdateAndDeleteSchedule(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{Name: "a", CronExpr: "0 * * * *", Target: target()})
	require.NoError(t, err)

	disabled := false
	updated, err := f.svc.UpdateSchedule(f.ctx, sch.ID, protocol.ScheduleRequest{
		Name: "b", CronExpr: "*/10 * * * *", Enabled: &disabled, Target: target(),
	})
	require.NoError(t, err)
	assert.Equal(t, "b", updated.Name)
	assert.False(t, updated.Enabled)
	assert.Equal(t, t0.Add(10*time.Minute), *updated.NextRunAt)

	require.NoError(t, f.svc.DeleteSchedule(f.ctx, sch.ID))
	_, err = f.svc.GetSchedule(f.ctx, sch.ID)
	assert.True(t, domain.IsNotFound(err))
	assert.True(t, domain.IsNotFound(f.svc.DeleteSchedule(f.ctx, sch.ID)))
}

func TestOneTimeScheduleSkipsWhileManualRunInFlight(t *testing.T) {
	f := setup(t)
	runAt := t0.Add(2 * time.Second)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{
		Name: "once", RunAt: &runAt, OverlapPolicy: domain.OverlapSkip, Target: target(),
	})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	trig, err := f.svc.Trigger(f.ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStarted, trig.Run.Status)
	assert.Equal(t, domain.TriggerManual, trig.Run.Trigger)
	require.NotNil(t, trig.Execution)

	// The manual run leaves the automatic firing in place.
	got, err := f.svc.GetSchedule(f.ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, runAt, *got.NextRunAt)

	f.clock.Advance(time.Second)
	f.svc.RunOnce(f.ctx)

	runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, domain.RunSkipped, runs[0].Status)
	assert.Equal(t, domain.TriggerAutomatic, runs[0].Trigger)
	assert.Nil(t, runs[0].ExecutionID)
	assert.Equal(t, runAt, runs[0].ScheduledFor)

	got, err = f.svc.GetSchedule(f.ctx, sch.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)

	execs, err := f.store.Executions().List(f.ctx, protocol.ListExecutionsRequest{ScheduleID: sch.ID})
	require.NoError(t, err)
	assert.Len(t, execs, 1)
}

func TestCancelPreviousCancelsActiveRun(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{
		Name: "latest-wins", CronExpr: "* * * * *", OverlapPolicy: domain.OverlapCancelPrevious, Target: target(),
	})
	require.NoError(t, err)

	first, err := f.svc.Trigger(f.ctx, sch.ID)
	require.NoError(t, err)
	second, err := f.svc.Trigger(f.ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStarted, second.Run.Status)

	prev, err := f.eng.GetExecution(f.ctx, first.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, prev.Status)

	cur, err := f.eng.GetExecution(f.ctx, second.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, cur.Status)
}

func TestAllowOverlapStartsConcurrentRuns(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{
		Name: "parallel", CronExpr: "* * * * *", OverlapPolicy: domain.OverlapAllow, Target: target(),
	})
	require.NoError(t, err)

	for range 3 {
		resp, err := f.svc.Trigger(f.ctx, sch.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.RunStarted, resp.Run.Status)
	}
	execs, err := f.store.Executions().List(f.ctx, protocol.ListExecutionsRequest{
		ScheduleID: sch.ID, Statuses: []domain.Status{domain.StatusPending},
	})
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestStaleFiringIsDroppedWithoutRun(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{Name: "minutely", CronExpr: "* * * * *", Target: target()})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	f.svc.RunOnce(f.ctx)

	runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	got, err := f.svc.GetSchedule(f.ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(11*time.Minute), *got.NextRunAt)
	assert.Nil(t, got.LastRunAt)
}

func TestExecuteOnceRunsLateFiring(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{
		Name: "catch-up", CronExpr: "* * * * *", MissedRunPolicy: domain.MissedExecuteOnce, Target: target(),
	})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	f.svc.RunOnce(f.ctx)

	runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunStarted, runs[0].Status)
	assert.Equal(t, t0.Add(time.Minute), runs[0].ScheduledFor)
}

func TestDisabledScheduleDoesNotFire(t *testing.T) {
	f := setup(t)
	off := false
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{
		Name: "off", CronExpr: "* * * * *", Enabled: &off, Target: target(),
	})
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)
	assert.Zero(t, f.svc.RunOnce(f.ctx))

	runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestConcurrentSweepsFireOnce(t *testing.T) {
	f := setup(t)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{Name: "minutely", CronExpr: "* * * * *", Target: target()})
	require.NoError(t, err)

	_, err = f.eng.CreateExecution(f.ctx, protocol.CreateExecutionRequest{Type: domain.ExecutionTypeWorkflow, Kind: "wf"})
	require.NoError(t, err)
	wf, err := f.eng.Claim(f.ctx, "", "", "w", []string{"wf"})
	require.NoError(t, err)
	_, err = f.eng.Submit(f.ctx, protocol.SubmitRequest{
		ExecutionID: wf.ID, WorkerID: "w", Status: domain.StatusWaiting,
		Commands: []domain.Command{{Type: domain.CommandStartTimer, StartTimer: &domain.StartTimerAttributes{DurationMs: 30_000}}},
	})
	require.NoError(t, err)

	f.clock.Advance(61 * time.Second)

	other := scheduler.NewService(f.eng, time.Second, scheduler.WithLogger(zerolog.Nop()))
	var wg sync.WaitGroup
	for _, svc := range []*scheduler.Service{f.svc, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.RunOnce(f.ctx)
		}()
	}
	wg.Wait()

	runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	evs, err := f.store.Events().List(f.ctx, wf.ID, 0, 0)
	require.NoError(t, err)
	fired := 0
	for _, ev := range evs {
		if ev.Type == domain.EventTimerFired {
			fired++
		}
	}
	assert.Equal(t, 1, fired)
}

func TestPromiseTimeoutSweepResumesWorkflow(t *testing.T) {
	f := setup(t)
	_, err := f.eng.CreateExecution(f.ctx, protocol.CreateExecutionRequest{Type: domain.ExecutionTypeWorkflow, Kind: "wf"})
	require.NoError(t, err)
	wf, err := f.eng.Claim(f.ctx, "", "", "w", []string{"wf"})
	require.NoError(t, err)
	_, err = f.eng.Submit(f.ctx, protocol.SubmitRequest{
		ExecutionID: wf.ID, WorkerID: "w", Status: domain.StatusWaiting,
		Commands: []domain.Command{{
			Type: domain.CommandCreatePromise, CreatePromise: &domain.CreatePromiseAttributes{Name: "approval", TimeoutMs: 2000},
		}},
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.svc.RunOnce(f.ctx))

	got, err := f.eng.GetExecution(f.ctx, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	resumed, err := f.eng.Claim(f.ctx, "", "", "w2", []string{"wf"})
	require.NoError(t, err)
	require.NotNil(t, resumed)
	assert.Equal(t, wf.ID, resumed.ID)
}

func TestStartRunsSweepsOnTick(t *testing.T) {
	f := setup(t)
	runAt := t0.Add(time.Second)
	sch, err := f.svc.CreateSchedule(f.ctx, protocol.ScheduleRequest{Name: "soon", RunAt: &runAt, Target: target()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(f.ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.svc.Start(ctx)
		close(done)
	}()

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(time.Second)

	require.Eventually(t, func() bool {
		runs, err := f.svc.ListRuns(f.ctx, sch.ID, 0)
		return err == nil && len(runs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	f.svc.Stop()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
