// Package client talks to a durableflow server over HTTP. It implements the
// worker protocol so a worker.Pool can run in a separate process.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moogar0880/problems"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
)

// Client calls the durableflow HTTP API.
type Client struct {
	BaseURL string
	Client  *http.Client
}

// New constructs a client. The HTTP timeout leaves room for long polls.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  &http.Client{Timeout: 90 * time.Second},
	}
}

// problemErrors maps problem types written by the server back to domain errors.
var problemErrors = map[string]error{
	"validation_error": domain.ErrValidation,
	"not_found":        domain.ErrNotFound,
	"lease_lost":       domain.ErrLeaseLost,
	"not_claimed":      domain.ErrNotClaimed,
	"terminal":         domain.ErrTerminal,
	"promise_resolved": domain.ErrPromiseResolved,
	"conflict":         domain.ErrConflict,
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return decodeProblem(method+" "+path, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func decodeProblem(op string, status int, raw []byte) error {
	var p problems.Problem
	if err := json.Unmarshal(raw, &p); err != nil || p.Type == "" {
		return domain.E(op, "", fmt.Errorf("http %d: %s", status, bytes.TrimSpace(raw)))
	}
	detail := p.Detail
	if detail == "" {
		detail = p.Title
	}
	if sentinel, ok := problemErrors[p.Type]; ok {
		return domain.E(op, "", fmt.Errorf("%w: %s", sentinel, detail))
	}
	return domain.E(op, "", errors.New(detail))
}

func (c *Client) RegisterWorker(ctx context.Context, req protocol.RegisterWorkerRequest) (*domain.Worker, error) {
	var w domain.Worker
	if err := c.do(ctx, http.MethodPost, "/v1/workers", nil, req, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func (c *Client) Poll(ctx context.Context, req protocol.PollRequest) (*protocol.PollResponse, error) {
	var resp protocol.PollResponse
	if err := c.do(ctx, http.MethodPost, "/v1/poll", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Submit(ctx context.Context, req protocol.SubmitRequest) (*protocol.SubmitResponse, error) {
	var resp protocol.SubmitResponse
	path := "/v1/executions/" + url.PathEscape(req.ExecutionID) + "/commands"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var resp protocol.HeartbeatResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(req.WorkerID)+"/heartbeat", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Events(ctx context.Context, executionID string, after int64, limit int) (*protocol.EventsResponse, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp protocol.EventsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(executionID)+"/events", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) CreateExecution(ctx context.Context, req protocol.CreateExecutionRequest) (*protocol.CreateExecutionResponse, error) {
	var resp protocol.CreateExecutionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/executions", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) DescribeExecution(ctx context.Context, id string) (*protocol.ExecutionDetail, error) {
	var detail protocol.ExecutionDetail
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id), nil, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// Await waits up to wait for the execution to finish and returns its latest state.
func (c *Client) Await(ctx context.Context, id string, wait time.Duration) (*domain.Execution, error) {
	q := url.Values{}
	if wait > 0 {
		q.Set("wait", wait.String())
	}
	var exec domain.Execution
	if err := c.do(ctx, http.MethodGet, "/v1/executions/"+url.PathEscape(id)+"/result", q, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) Signal(ctx context.Context, id string, req protocol.SignalRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/signals", nil, req, nil)
}

func (c *Client) Cancel(ctx context.Context, id, reason string) (*domain.Execution, error) {
	var exec domain.Execution
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/v1/executions/"+url.PathEscape(id)+"/cancel", nil, body, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *Client) ResolvePromise(ctx context.Context, req protocol.ResolvePromiseRequest) (*domain.Promise, error) {
	var p domain.Promise
	if err := c.do(ctx, http.MethodPost, "/v1/promises/resolve", nil, req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) TriggerSchedule(ctx context.Context, id string) (*protocol.TriggerResponse, error) {
	var resp protocol.TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/v1/schedules/"+url.PathEscape(id)+"/trigger", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
