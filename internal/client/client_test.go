package client_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/api"
	"durableflow/internal/client"
	"durableflow/internal/dispatch"
	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/notify"
	"durableflow/internal/protocol"
	"durableflow/internal/scheduler"
	"durableflow/internal/store"
	"durableflow/internal/store/storetest"
	"durableflow/internal/worker"
)

func newClient(t *testing.T) (*client.Client, context.Context) {
	t.Helper()
	n := notify.NewLocal()
	st := storetest.SQLite(t, store.WithNotifier(n))
	eng := engine.New(st, engine.WithLogger(zerolog.Nop()), engine.WithBackoff(0, 0))
	sched := scheduler.NewService(eng, 20*time.Millisecond, scheduler.WithLogger(zerolog.Nop()))
	svc := dispatch.New(eng, sched, n, dispatch.WithLogger(zerolog.Nop()),
		dispatch.WithConfig(dispatch.Config{RecheckInterval: 20 * time.Millisecond, MaxPollWait: time.Second}))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go sched.Start(ctx)

	srv := httptest.NewServer(api.NewServer(svc, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return client.New(srv.URL + "/"), ctx
}

func TestErrorsMapToDomain(t *testing.T) {
	c, ctx := newClient(t)

	_, err := c.DescribeExecution(ctx, "exe_missing")
	assert.True(t, domain.IsNotFound(err))

	_, err = c.CreateExecution(ctx, protocol.CreateExecutionRequest{Type: domain.ExecutionTypeTask})
	assert.True(t, domain.IsValidation(err))

	resp, err := c.CreateExecution(ctx, protocol.CreateExecutionRequest{Type: domain.ExecutionTypeTask, Kind: "email"})
	require.NoError(t, err)
	_, err = c.Submit(ctx, protocol.SubmitRequest{ExecutionID: resp.Execution.ID, WorkerID: "nobody"})
	assert.ErrorIs(t, err, domain.ErrNotClaimed)

	_, err = c.Cancel(ctx, resp.Execution.ID, "done")
	require.NoError(t, err)
	_, err = c.Cancel(ctx, resp.Execution.ID, "again")
	assert.ErrorIs(t, err, domain.ErrTerminal)
}

func TestPoolRunsOverHTTP(t *testing.T) {
	c, ctx := newClient(t)

	pool := worker.NewPool(c, worker.Config{
		WorkerID:          "remote",
		Queue:             protocol.DefaultQueue,
		Concurrency:       1,
		PollWait:          200 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
	}, worker.WithLogger(zerolog.Nop()))
	pool.HandleTask("greet", worker.HandlerFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var name string
		if err := json.Unmarshal(input, &name); err != nil {
			return nil, worker.Permanent(err)
		}
		return json.Marshal("hello " + name)
	}))
	pool.HandleWorkflow("greeter", func(wf *worker.Context) (any, error) {
		var name string
		if err := wf.Input(&name); err != nil {
			return nil, err
		}
		out, err := wf.ExecuteTask("greet", "greet", name)
		if err != nil {
			return nil, err
		}
		approval, err := wf.AwaitPromise("approval", "greeting-"+name, 0)
		if err != nil {
			return nil, err
		}
		return map[string]json.RawMessage{"greeting": out, "approval": approval}, nil
	})

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		pool.Stop()
		<-done
	})

	resp, err := c.CreateExecution(ctx, protocol.CreateExecutionRequest{
		Type: domain.ExecutionTypeWorkflow, Kind: "greeter", Input: json.RawMessage(`"ada"`),
	})
	require.NoError(t, err)
	id := resp.Execution.ID

	require.Eventually(t, func() bool {
		_, err := c.ResolvePromise(ctx, protocol.ResolvePromiseRequest{IdempotencyKey: "greeting-ada", Value: json.RawMessage(`true`)})
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	exec, err := c.Await(ctx, id, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, exec.Status)
	assert.JSONEq(t, `{"greeting":"hello ada","approval":true}`, string(exec.Output))

	events, err := c.Events(ctx, id, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.EventWorkflowStarted, events.Events[0].Type)
	assert.Equal(t, domain.EventExecutionCompleted, events.Events[len(events.Events)-1].Type)
}
