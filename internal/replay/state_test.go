package replay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/protocol"
	"durableflow/internal/replay"
	"durableflow/internal/store"
	"durableflow/internal/store/storetest"
)

func TestApplyRejectsUnknownAndOutOfOrderEvents(t *testing.T) {
	s := replay.New("exe_1")
	require.NoError(t, s.Apply(domain.Event{ID: "e1", ExecutionID: "exe_1", Sequence: 1, Type: domain.EventWorkflowStarted,
		Payload: json.RawMessage(`{"kind":"wf","queue":"default"}`)}))
	assert.Equal(t, domain.StatusRunning, s.Status)
	assert.Equal(t, "wf", s.Kind)

	assert.Error(t, s.Apply(domain.Event{ID: "e2", ExecutionID: "exe_1", Sequence: 1, Type: domain.EventStateCleared}))
	assert.Error(t, s.Apply(domain.Event{ID: "e3", ExecutionID: "exe_2", Sequence: 2, Type: domain.EventStateCleared}))
	assert.Error(t, s.Apply(domain.Event{ID: "e4", ExecutionID: "exe_1", Sequence: 2, Type: "MYSTERY"}))
	assert.Error(t, s.Apply(domain.Event{ID: "e5", ExecutionID: "exe_1", Sequence: 2, Type: domain.EventTimerFired, RefID: "tmr_x"}))
	assert.Equal(t, int64(1), s.Sequence)
}

// drive runs a workflow through children, timers, promises, signals, state
// and a retried task, and returns the workflow id.
func drive(t *testing.T, ctx context.Context, eng *engine.Engine, clock *clockwork.FakeClock) string {
	t.Helper()
	claim := func(worker string, kinds ...string) *domain.Execution {
		exec, err := eng.Claim(ctx, "", "", worker, kinds)
		require.NoError(t, err)
		require.NotNil(t, exec)
		return exec
	}
	submit := func(exec *domain.Execution, worker string, status domain.Status, cmds ...domain.Command) *protocol.SubmitResponse {
		resp, err := eng.Submit(ctx, protocol.SubmitRequest{ExecutionID: exec.ID, WorkerID: worker, Status: status, Commands: cmds})
		require.NoError(t, err)
		return resp
	}

	created, err := eng.CreateExecution(ctx, protocol.CreateExecutionRequest{
		Type: domain.ExecutionTypeWorkflow, Kind: "order", Input: json.RawMessage(`{"order":7}`),
	})
	require.NoError(t, err)

	wf := claim("w1", "order")
	resp := submit(wf, "w1", domain.StatusWaiting,
		domain.Command{Type: domain.CommandSetState, State: &domain.StateAttributes{Key: "step", Value: json.RawMessage(`"charge"`)}},
		domain.Command{Type: domain.CommandSetState, State: &domain.StateAttributes{Key: "tmp", Value: json.RawMessage(`1`)}},
		domain.Command{Type: domain.CommandClearState, State: &domain.StateAttributes{Key: "tmp"}},
		domain.Command{Type: domain.CommandStartTimer, IdempotencyKey: "cooldown", StartTimer: &domain.StartTimerAttributes{Name: "cooldown", DurationMs: 60_000}},
		domain.Command{Type: domain.CommandCreatePromise, IdempotencyKey: "approval", CreatePromise: &domain.CreatePromiseAttributes{Name: "approval"}},
		domain.Command{Type: domain.CommandScheduleTask, IdempotencyKey: "charge", ScheduleTask: &domain.ScheduleAttributes{Kind: "charge", MaxRetries: 1}},
	)
	timerID, promiseID := resp.Results[3].EntityID, resp.Results[4].EntityID

	task := claim("w2", "charge")
	submit(task, "w2", domain.StatusWaiting, domain.Command{Type: domain.CommandFailExecution, Fail: &domain.FailAttributes{Message: "card declined"}})
	task = claim("w2", "charge")
	submit(task, "w2", domain.StatusWaiting, domain.Command{Type: domain.CommandCompleteExecution, Complete: &domain.CompleteAttributes{Output: json.RawMessage(`{"charged":true}`)}})

	wf = claim("w1", "order")
	submit(wf, "w1", domain.StatusWaiting,
		domain.Command{Type: domain.CommandCancelTimer, CancelTimer: &domain.CancelTimerAttributes{TimerID: timerID}},
		domain.Command{Type: domain.CommandWaitForSignal, WaitForSignal: &domain.WaitForSignalAttributes{Name: "shipped"}},
	)

	_, err = eng.ResolvePromise(ctx, protocol.ResolvePromiseRequest{PromiseID: promiseID, Value: json.RawMessage(`"ok"`)})
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.NoError(t, eng.Signal(ctx, created.Execution.ID, protocol.SignalRequest{Name: "shipped", Payload: json.RawMessage(`{"tracking":"X1"}`)}))

	wf = claim("w1", "order")
	submit(wf, "w1", domain.StatusWaiting, domain.Command{Type: domain.CommandCompleteExecution, Complete: &domain.CompleteAttributes{Output: json.RawMessage(`"done"`)}})
	return created.Execution.ID
}

func TestFoldIsDeterministic(t *testing.T) {
	ctx := context.Background()
	st := storetest.SQLite(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	eng := engine.New(st, engine.WithClock(clock), engine.WithLogger(zerolog.Nop()), engine.WithBackoff(0, 0))

	id := drive(t, ctx, eng, clock)
	events, err := st.Events().List(ctx, id, 0, 0)
	require.NoError(t, err)

	// Folding every prefix and continuing from it lands on the same state
	// as folding the whole log at once.
	full, err := replay.Fold(id, events)
	require.NoError(t, err)
	for i := range events {
		partial, err := replay.Fold(id, events[:i])
		require.NoError(t, err)
		for _, ev := range events[i:] {
			require.NoError(t, partial.Apply(ev))
		}
		assert.Equal(t, full, partial, "resumed after %d events", i)
	}

	again, err := replay.Fold(id, events)
	require.NoError(t, err)
	assert.Equal(t, full, again)

	assertMatchesStore(t, ctx, st, full)
}

func assertMatchesStore(t *testing.T, ctx context.Context, st *store.Store, s *replay.State) {
	t.Helper()
	exec, err := st.Executions().Get(ctx, s.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, exec.Status, s.Status)
	assert.JSONEq(t, string(exec.Output), string(s.Output))
	assert.JSONEq(t, string(exec.Input), string(s.Input))
	assert.Equal(t, exec.Sequence, s.Sequence)

	assert.Equal(t, map[string]json.RawMessage{"step": json.RawMessage(`"charge"`)}, s.Values)

	timers, err := st.Timers().ListForExecution(ctx, s.ExecutionID)
	require.NoError(t, err)
	require.Len(t, s.Timers, len(timers))
	for _, tm := range timers {
		got := s.Timers[tm.ID]
		require.NotNil(t, got)
		assert.Equal(t, tm.FiredAt != nil, got.Fired)
		assert.Equal(t, tm.CancelledAt != nil, got.Cancelled)
	}

	promises, err := st.Promises().ListForExecution(ctx, s.ExecutionID)
	require.NoError(t, err)
	require.Len(t, s.Promises, len(promises))
	for _, p := range promises {
		got := s.Promises[p.ID]
		require.NotNil(t, got)
		assert.Equal(t, p.Status, got.Status)
	}

	children, err := st.Executions().List(ctx, protocol.ListExecutionsRequest{ParentExecutionID: s.ExecutionID})
	require.NoError(t, err)
	require.Len(t, s.Children, len(children))
	for _, c := range children {
		got := s.Children[c.ID]
		require.NotNil(t, got)
		assert.Equal(t, c.Status, got.Status)
		assert.Equal(t, c.Kind, got.Kind)
	}

	charge, ok := s.ChildByKey("charge")
	require.True(t, ok)
	assert.JSONEq(t, `{"charged":true}`, string(charge.Output))

	signals := s.SignalsNamed("shipped")
	require.Len(t, signals, 1)
	assert.JSONEq(t, `{"tracking":"X1"}`, string(signals[0].Payload))
	assert.Empty(t, s.Awaiting)

	_, ok = s.TimerByKey("cooldown")
	assert.True(t, ok)
	approval, ok := s.PromiseByKey("approval")
	require.True(t, ok)
	assert.Equal(t, domain.PromiseResolved, approval.Status)
}

func TestFoldTracksRetriesOnTask(t *testing.T) {
	ctx := context.Background()
	st := storetest.SQLite(t)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	eng := engine.New(st, engine.WithClock(clock), engine.WithLogger(zerolog.Nop()), engine.WithBackoff(0, 0))

	created, err := eng.CreateExecution(ctx, protocol.CreateExecutionRequest{Type: domain.ExecutionTypeTask, Kind: "flaky", MaxRetries: 3})
	require.NoError(t, err)
	for range 2 {
		exec, err := eng.Claim(ctx, "", "", "w", []string{"flaky"})
		require.NoError(t, err)
		require.NotNil(t, exec)
		_, err = eng.Submit(ctx, protocol.SubmitRequest{ExecutionID: exec.ID, WorkerID: "w",
			Commands: []domain.Command{{Type: domain.CommandFailExecution, Fail: &domain.FailAttributes{Message: "boom"}}}})
		require.NoError(t, err)
	}

	events, err := st.Events().List(ctx, created.Execution.ID, 0, 0)
	require.NoError(t, err)
	s, err := replay.Fold(created.Execution.ID, events)
	require.NoError(t, err)

	exec, err := st.Executions().Get(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.Attempt, s.Attempt)
	assert.Equal(t, 3, s.Attempt)
	require.NotNil(t, s.Error)
	assert.Equal(t, "boom", s.Error.Message)
	assert.Equal(t, domain.ExecutionTypeTask, s.Type)
}
