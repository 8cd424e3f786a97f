package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/domain"
	"durableflow/internal/store"
	"durableflow/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newExecution(kind string, priority int) *domain.Execution {
	return &domain.Execution{
		ID:          "exe_" + uuid.NewString(),
		TenantID:    "default",
		Type:        domain.ExecutionTypeTask,
		Kind:        kind,
		Queue:       "default",
		Status:      domain.StatusPending,
		Input:       json.RawMessage(`{"n":1}`),
		Attempt:     1,
		Priority:    priority,
		ScheduledAt: t0,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}
}

func insert(t *testing.T, s *store.Store, e *domain.Execution) {
	t.Helper()
	created, err := s.Executions().Insert(context.Background(), e)
	require.NoError(t, err)
	require.True(t, created)
}

func claimParams(worker string, kinds ...string) store.ClaimParams {
	return store.ClaimParams{
		TenantID:   "default",
		Queue:      "default",
		Kinds:      kinds,
		WorkerID:   worker,
		Now:        t0.Add(time.Second),
		LeaseUntil: t0.Add(time.Minute),
	}
}

func TestInsertAndGet(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("send-email", 0)
	insert(t, s, e)

	got, err := s.Executions().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Kind, got.Kind)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Input))
	assert.True(t, got.ScheduledAt.Equal(t0))

	_, err = s.Executions().Get(ctx, "exe_missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestInsertIdempotencyKey(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()
	key := "order-42"

	first := newExecution("charge", 0)
	first.IdempotencyKey = &key
	insert(t, s, first)

	dup := newExecution("charge", 0)
	dup.IdempotencyKey = &key
	created, err := s.Executions().Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	found, err := s.Executions().FindByIdempotencyKey(ctx, "default", "", key)
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	low := newExecution("job", 0)
	high := newExecution("job", 10)
	older := newExecution("job", 0)
	older.ScheduledAt = t0.Add(-time.Minute)
	future := newExecution("job", 100)
	future.ScheduledAt = t0.Add(time.Hour)
	for _, e := range []*domain.Execution{low, high, older, future} {
		insert(t, s, e)
	}

	var order []string
	for {
		e, err := s.Executions().Claim(ctx, claimParams("w1", "job"))
		if err == store.ErrEmpty {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, e.Status)
		require.NotNil(t, e.WorkerID)
		assert.Equal(t, "w1", *e.WorkerID)
		order = append(order, e.ID)
	}
	assert.Equal(t, []string{high.ID, older.ID, low.ID}, order)
}

func TestClaimFiltersByCapability(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	insert(t, s, newExecution("resize-image", 0))

	_, err := s.Executions().Claim(ctx, claimParams("w1", "send-email"))
	assert.ErrorIs(t, err, store.ErrEmpty)

	e, err := s.Executions().Claim(ctx, claimParams("w1", "send-email", "resize-image"))
	require.NoError(t, err)
	assert.Equal(t, "resize-image", e.Kind)
}

func testConcurrentClaims(t *testing.T, s *store.Store) {
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		insert(t, s, newExecution("job", i%3))
	}

	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		worker := fmt.Sprintf("w%d", w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				e, err := s.Executions().Claim(ctx, claimParams(worker, "job"))
				if err == store.ErrEmpty {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				prev, dup := claimed[e.ID]
				claimed[e.ID] = worker
				mu.Unlock()
				assert.False(t, dup, "execution %s claimed by %s and %s", e.ID, prev, worker)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, claimed, total)
}

func TestConcurrentClaimsSQLite(t *testing.T) {
	testConcurrentClaims(t, storetest.SQLite(t))
}

func TestConcurrentClaimsPostgres(t *testing.T) {
	testConcurrentClaims(t, storetest.Postgres(t))
}

// testSingleReadyExecution releases many pollers at once against one ready
// row and checks that exactly one of them wins it.
func testSingleReadyExecution(t *testing.T, s *store.Store) {
	ctx := context.Background()
	const pollers, rounds = 16, 10
	for round := 0; round < rounds; round++ {
		e := newExecution("job", 0)
		insert(t, s, e)

		var (
			start   = make(chan struct{})
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		for w := 0; w < pollers; w++ {
			worker := fmt.Sprintf("r%d-w%d", round, w)
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				got, err := s.Executions().Claim(ctx, claimParams(worker, "job"))
				if errors.Is(err, store.ErrEmpty) {
					return
				}
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, e.ID, got.ID)
				mu.Lock()
				winners = append(winners, worker)
				mu.Unlock()
			}()
		}
		close(start)
		wg.Wait()

		require.Len(t, winners, 1, "round %d", round)
		stored, err := s.Executions().Get(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusRunning, stored.Status)
		require.NotNil(t, stored.WorkerID)
		assert.Equal(t, winners[0], *stored.WorkerID)
	}
}

func TestSingleReadyExecutionSQLite(t *testing.T) {
	testSingleReadyExecution(t, storetest.SQLite(t))
}

func TestSingleReadyExecutionPostgres(t *testing.T) {
	testSingleReadyExecution(t, storetest.Postgres(t))
}

func TestExtendLeasesOnlyTouchesHeldIDs(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()
	held, orphan := newExecution("job", 1), newExecution("job", 0)
	insert(t, s, held)
	insert(t, s, orphan)
	for range 2 {
		_, err := s.Executions().Claim(ctx, claimParams("w1", "job"))
		require.NoError(t, err)
	}

	until := t0.Add(time.Hour)
	n, err := s.Executions().ExtendLeases(ctx, "w1", []string{held.ID}, until, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = s.Executions().ExtendLeases(ctx, "w1", nil, until, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := s.Executions().Get(ctx, held.ID)
	require.NoError(t, err)
	assert.True(t, got.LeaseExpiresAt.Equal(until))
	got, err = s.Executions().Get(ctx, orphan.ID)
	require.NoError(t, err)
	assert.True(t, got.LeaseExpiresAt.Equal(t0.Add(time.Minute)))
}

func TestLockDueDeadlineIncludesCancelling(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()
	e := newExecution("job", 0)
	deadline := t0.Add(5 * time.Second)
	e.DeadlineAt = &deadline
	insert(t, s, e)
	claimed, err := s.Executions().Claim(ctx, claimParams("w1", "job"))
	require.NoError(t, err)
	claimed.Status = domain.StatusCancelling
	require.NoError(t, s.Executions().Save(ctx, claimed, domain.StatusRunning))

	got, err := s.Executions().LockDueDeadline(ctx, deadline)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, domain.StatusCancelling, got.Status)
}

func TestSaveDetectsConflict(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("job", 0)
	insert(t, s, e)

	e.Status = domain.StatusCompleted
	err := s.Executions().Save(ctx, e, domain.StatusRunning)
	assert.True(t, domain.IsConflict(err))

	require.NoError(t, s.Executions().Save(ctx, e, domain.StatusPending))
	got, err := s.Executions().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestEventsAppendAndResolvedSince(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("wf", 0)
	insert(t, s, e)

	err := s.InTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.Events().Append(ctx, e.ID, domain.EventTaskStarted, "", nil, t0); err != nil {
			return err
		}
		_, err := tx.Events().Append(ctx, e.ID, domain.EventTimerFired, "tmr_1", domain.TimerPayload{TimerID: "tmr_1"}, t0)
		return err
	})
	require.NoError(t, err)

	events, err := s.Events().List(ctx, e.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(2), events[1].Sequence)

	var p domain.TimerPayload
	require.NoError(t, events[1].Decode(&p))
	assert.Equal(t, "tmr_1", p.TimerID)

	got, err := s.Executions().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Sequence)

	ok, err := s.Events().ResolvedSince(ctx, e.ID, 1, domain.WaitCondition{Type: domain.WaitTimer, Ref: "tmr_1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Events().ResolvedSince(ctx, e.ID, 2, domain.WaitCondition{Type: domain.WaitTimer, Ref: "tmr_1"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Events().ResolvedSince(ctx, e.ID, 0, domain.WaitCondition{Type: domain.WaitTimer, Ref: "tmr_2"})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Events().ResolvedSince(ctx, e.ID, 0, domain.WaitCondition{Type: domain.WaitAny})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWakeMatchesCondition(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("wf", 0)
	e.Status = domain.StatusWaiting
	e.Wait = &domain.WaitCondition{Type: domain.WaitSignal, Ref: "approve"}
	insert(t, s, e)

	_, woke, err := s.Executions().Wake(ctx, e.ID, domain.WaitCondition{Type: domain.WaitSignal, Ref: "reject"}, t0)
	require.NoError(t, err)
	assert.False(t, woke)

	queue, woke, err := s.Executions().Wake(ctx, e.ID, domain.WaitCondition{Type: domain.WaitSignal, Ref: "approve"}, t0)
	require.NoError(t, err)
	assert.True(t, woke)
	assert.Equal(t, "default", queue)

	got, err := s.Executions().Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Nil(t, got.Wait)
}

func TestTimerClaimDueOnce(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("wf", 0)
	insert(t, s, e)
	require.NoError(t, s.Timers().Insert(ctx, &domain.Timer{ID: "tmr_1", ExecutionID: e.ID, FireAt: t0, CreatedAt: t0}))
	require.NoError(t, s.Timers().Insert(ctx, &domain.Timer{ID: "tmr_2", ExecutionID: e.ID, FireAt: t0.Add(time.Hour), CreatedAt: t0}))

	tm, err := s.Timers().ClaimDue(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "tmr_1", tm.ID)
	assert.NotNil(t, tm.FiredAt)

	_, err = s.Timers().ClaimDue(ctx, t0.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrEmpty)

	cancelled, err := s.Timers().Cancel(ctx, "tmr_1", t0)
	require.NoError(t, err)
	assert.False(t, cancelled, "fired timers cannot be cancelled")

	n, err := s.Timers().CancelForExecution(ctx, e.ID, t0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPromiseSettleAndKeys(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	e := newExecution("wf", 0)
	insert(t, s, e)
	timeout := t0.Add(time.Minute)
	require.NoError(t, s.Promises().Insert(ctx, &domain.Promise{
		ID: "prm_1", ExecutionID: e.ID, Status: domain.PromisePending, TimeoutAt: &timeout, CreatedAt: t0,
	}))

	bound, err := s.Promises().PutKey(ctx, "ext-1", "prm_1", t0)
	require.NoError(t, err)
	assert.True(t, bound)
	bound, err = s.Promises().PutKey(ctx, "ext-1", "prm_1", t0)
	require.NoError(t, err)
	assert.False(t, bound)

	id, err := s.Promises().LookupKey(ctx, "ext-1")
	require.NoError(t, err)
	assert.Equal(t, "prm_1", id)

	ok, err := s.Promises().Settle(ctx, "prm_1", domain.PromiseResolved, json.RawMessage(`true`), "", t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Promises().Settle(ctx, "prm_1", domain.PromiseRejected, nil, "late", t0)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Promises().ClaimTimedOut(ctx, timeout.Add(time.Second))
	assert.ErrorIs(t, err, store.ErrEmpty)
}

func TestSchedulesLockDueAndRuns(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	next := t0
	sch := &domain.Schedule{
		ID: "sch_1", TenantID: "default", Name: "nightly", CronExpr: "0 0 * * *",
		OverlapPolicy: domain.OverlapSkip, MissedRunPolicy: domain.MissedExecuteOnce,
		CatchupWindow: time.Minute,
		Target:        domain.ScheduleTarget{Type: domain.ExecutionTypeWorkflow, Kind: "report", Queue: "default"},
		Enabled:       true, NextRunAt: &next, CreatedAt: t0, UpdatedAt: t0,
	}
	require.NoError(t, s.Schedules().Insert(ctx, sch))

	due, err := s.Schedules().LockDue(ctx, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "sch_1", due.ID)
	assert.Equal(t, time.Minute, due.CatchupWindow)
	assert.True(t, due.Enabled)

	later := t0.Add(24 * time.Hour)
	require.NoError(t, s.Schedules().Advance(ctx, "sch_1", &t0, &later, t0))
	_, err = s.Schedules().LockDue(ctx, t0.Add(time.Second))
	assert.True(t, domain.IsNotFound(err))

	require.NoError(t, s.Schedules().InsertRun(ctx, &domain.ScheduleRun{
		ID: "run_1", ScheduleID: "sch_1", Trigger: domain.TriggerAutomatic, Status: domain.RunSkipped,
		Reason: "overlap", ScheduledFor: t0, CreatedAt: t0,
	}))
	runs, err := s.Schedules().ListRuns(ctx, "sch_1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.RunSkipped, runs[0].Status)
	assert.Nil(t, runs[0].ExecutionID)
}

func TestWorkersUpsertAndHeartbeat(t *testing.T) {
	s := storetest.SQLite(t)
	ctx := context.Background()

	w := &domain.Worker{ID: "w1", TenantID: "default", Name: "a", Queue: "default",
		Capabilities: []string{"send-email"}, LastHeartbeatAt: t0, CreatedAt: t0}
	require.NoError(t, s.Workers().Upsert(ctx, w))
	w.Capabilities = []string{"send-email", "resize-image"}
	require.NoError(t, s.Workers().Upsert(ctx, w))

	got, err := s.Workers().Get(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, got.Supports("resize-image"))

	require.NoError(t, s.Workers().Heartbeat(ctx, "w1", t0.Add(time.Minute)))
	assert.True(t, domain.IsNotFound(s.Workers().Heartbeat(ctx, "w2", t0)))

	live, err := s.Workers().List(ctx, "default", t0.Add(30*time.Second))
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := storetest.SQLite(t)
	require.NoError(t, s.Migrate(context.Background()))
}
