package api_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"durableflow/internal/api"
	"durableflow/internal/dispatch"
	"durableflow/internal/domain"
	"durableflow/internal/engine"
	"durableflow/internal/notify"
	"durableflow/internal/protocol"
	"durableflow/internal/scheduler"
	"durableflow/internal/store"
	"durableflow/internal/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type problem struct {
	Type   string `json:"type"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	n := notify.NewLocal()
	st := storetest.SQLite(t, store.WithNotifier(n))
	eng := engine.New(st, engine.WithClock(clockwork.NewFakeClockAt(t0)), engine.WithLogger(zerolog.Nop()))
	sched := scheduler.NewService(eng, time.Second, scheduler.WithLogger(zerolog.Nop()))
	svc := dispatch.New(eng, sched, n, dispatch.WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(api.NewServer(svc, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, out any) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func createTask(t *testing.T, srv *httptest.Server, kind, key string) *domain.Execution {
	t.Helper()
	var resp protocol.CreateExecutionResponse
	r := do(t, srv, http.MethodPost, "/v1/executions", protocol.CreateExecutionRequest{
		Type: domain.ExecutionTypeTask, Kind: kind, IdempotencyKey: key, Input: json.RawMessage(`{"x":1}`),
	}, &resp)
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, r.StatusCode)
	return resp.Execution
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t)
	resp := do(t, srv, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	createTask(t, srv, "email", "")
	createTask(t, srv, "email", "")

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "durableflow_up 1")
	assert.Contains(t, string(body), `durableflow_executions{status="PENDING"} 2`)
}

func TestCreateExecutionIsIdempotent(t *testing.T) {
	srv := newServer(t)

	var first, second protocol.CreateExecutionResponse
	req := protocol.CreateExecutionRequest{Type: domain.ExecutionTypeTask, Kind: "email", IdempotencyKey: "order-1"}
	resp := do(t, srv, http.MethodPost, "/v1/executions", req, &first)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, first.Created)

	resp = do(t, srv, http.MethodPost, "/v1/executions", req, &second)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, second.Created)
	assert.Equal(t, first.Execution.ID, second.Execution.ID)
}

func TestErrorsAreProblems(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		typ    string
	}{
		{"missing kind", http.MethodPost, "/v1/executions", map[string]string{"type": "TASK"}, http.StatusBadRequest, "validation_error"},
		{"bad type", http.MethodPost, "/v1/executions", map[string]string{"type": "JOB", "kind": "x"}, http.StatusBadRequest, "validation_error"},
		{"unknown execution", http.MethodGet, "/v1/executions/exe_missing", nil, http.StatusNotFound, "not_found"},
		{"unknown schedule", http.MethodGet, "/v1/schedules/sch_missing", nil, http.StatusNotFound, "not_found"},
		{"bad limit", http.MethodGet, "/v1/executions?limit=abc", nil, http.StatusBadRequest, "validation_error"},
		{"bad cron", http.MethodPost, "/v1/schedules", map[string]any{
			"name": "n", "cron_expr": "every day", "target": map[string]any{"type": "TASK", "kind": "x"},
		}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p problem
			resp := do(t, srv, tt.method, tt.path, tt.body, &p)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/problem+json", resp.Header.Get("content-type"))
			assert.Equal(t, tt.typ, p.Type)
			assert.Equal(t, tt.status, p.Status)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		resp, err := srv.Client().Post(srv.URL+"/v1/executions", "application/json", strings.NewReader("{"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestWorkerProtocolOverHTTP(t *testing.T) {
	srv := newServer(t)
	exec := createTask(t, srv, "email", "")

	var wk domain.Worker
	resp := do(t, srv, http.MethodPost, "/v1/workers", protocol.RegisterWorkerRequest{WorkerID: "w1", Capabilities: []string{"email"}}, &wk)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "w1", wk.ID)

	var poll protocol.PollResponse
	resp = do(t, srv, http.MethodPost, "/v1/poll", protocol.PollRequest{WorkerID: "w1"}, &poll)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, poll.Execution)
	assert.Equal(t, exec.ID, poll.Execution.ID)

	var hb protocol.HeartbeatResponse
	resp = do(t, srv, http.MethodPost, "/v1/workers/w1/heartbeat", protocol.HeartbeatRequest{ExecutionIDs: []string{exec.ID}}, &hb)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, hb.Cancelling)

	complete := protocol.SubmitRequest{Commands: []domain.Command{{
		Type: domain.CommandCompleteExecution, Complete: &domain.CompleteAttributes{Output: json.RawMessage(`"sent"`)},
	}}}

	var p problem
	complete.WorkerID = "w2"
	resp = do(t, srv, http.MethodPost, "/v1/executions/"+exec.ID+"/commands", complete, &p)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "lease_lost", p.Type)

	var sub protocol.SubmitResponse
	complete.WorkerID = "w1"
	resp = do(t, srv, http.MethodPost, "/v1/executions/"+exec.ID+"/commands", complete, &sub)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCompleted, sub.Status)

	var detail protocol.ExecutionDetail
	do(t, srv, http.MethodGet, "/v1/executions/"+exec.ID, nil, &detail)
	assert.Equal(t, domain.StatusCompleted, detail.Execution.Status)
	assert.JSONEq(t, `"sent"`, string(detail.Execution.Output))
	require.Len(t, detail.Attempts, 1)

	var result domain.Execution
	do(t, srv, http.MethodGet, "/v1/executions/"+exec.ID+"/result?wait=1s", nil, &result)
	assert.Equal(t, domain.StatusCompleted, result.Status)

	var workers []domain.Worker
	do(t, srv, http.MethodGet, "/v1/workers?active=1m", nil, &workers)
	require.Len(t, workers, 1)
	assert.Equal(t, []string{"email"}, workers[0].Capabilities)
}

func TestEventsAndStream(t *testing.T) {
	srv := newServer(t)
	exec := createTask(t, srv, "email", "")

	var cancelled domain.Execution
	resp := do(t, srv, http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", map[string]string{"reason": "no longer needed"}, &cancelled)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	var page protocol.EventsResponse
	do(t, srv, http.MethodGet, "/v1/executions/"+exec.ID+"/events?limit=1", nil, &page)
	require.Len(t, page.Events, 1)
	assert.Equal(t, domain.EventTaskStarted, page.Events[0].Type)
	assert.Equal(t, int64(1), page.Next)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/executions/"+exec.ID+"/events/stream", nil)
	require.NoError(t, err)
	stream, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("content-type"))

	var types []string
	sc := bufio.NewScanner(stream.Body)
	for sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			types = append(types, name)
		}
	}
	assert.Equal(t, []string{
		string(domain.EventTaskStarted),
		string(domain.EventCancellationRequested),
		string(domain.EventExecutionCancelled),
	}, types)
}

func TestCancelledExecutionCanBeRetried(t *testing.T) {
	srv := newServer(t)
	exec := createTask(t, srv, "email", "")
	do(t, srv, http.MethodPost, "/v1/executions/"+exec.ID+"/cancel", nil, nil)

	var retried domain.Execution
	resp := do(t, srv, http.MethodPost, "/v1/executions/"+exec.ID+"/retry", nil, &retried)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEqual(t, exec.ID, retried.ID)
	require.NotNil(t, retried.RetriedFromID)
	assert.Equal(t, exec.ID, *retried.RetriedFromID)

	var list []domain.Execution
	do(t, srv, http.MethodGet, "/v1/executions?status=pending", nil, &list)
	require.Len(t, list, 1)
	assert.Equal(t, retried.ID, list[0].ID)
}

func TestScheduleRoutes(t *testing.T) {
	srv := newServer(t)

	var sch domain.Schedule
	resp := do(t, srv, http.MethodPost, "/v1/schedules", protocol.ScheduleRequest{
		Name:     "nightly",
		CronExpr: "0 3 * * *",
		Target:   protocol.ScheduleTarget{Type: domain.ExecutionTypeTask, Kind: "report"},
	}, &sch)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, domain.OverlapSkip, sch.OverlapPolicy)
	require.NotNil(t, sch.NextRunAt)

	var trig protocol.TriggerResponse
	resp = do(t, srv, http.MethodPost, "/v1/schedules/"+sch.ID+"/trigger", nil, &trig)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, trig.Execution)
	assert.Equal(t, domain.RunStarted, trig.Run.Status)

	var runs []domain.ScheduleRun
	do(t, srv, http.MethodGet, "/v1/schedules/"+sch.ID+"/runs", nil, &runs)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.TriggerManual, runs[0].Trigger)

	disabled := false
	var updated domain.Schedule
	resp = do(t, srv, http.MethodPut, "/v1/schedules/"+sch.ID, protocol.ScheduleRequest{
		Name:     "nightly",
		CronExpr: "0 4 * * *",
		Target:   protocol.ScheduleTarget{Type: domain.ExecutionTypeTask, Kind: "report"},
		Enabled:  &disabled,
	}, &updated)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, updated.Enabled)
	assert.Equal(t, "0 4 * * *", updated.CronExpr)

	var all []domain.Schedule
	do(t, srv, http.MethodGet, "/v1/schedules", nil, &all)
	assert.Len(t, all, 1)

	resp = do(t, srv, http.MethodDelete, "/v1/schedules/"+sch.ID, nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, srv, http.MethodGet, "/v1/schedules/"+sch.ID, nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
