// Package http is the built-in "http" task: it performs one HTTP request and
// returns the response as the task output.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"durableflow/internal/worker"
)

const Kind = "http"

type HTTP struct {
	Client *http.Client
}

type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout int               `json:"timeout"` // seconds
}

type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

func (h HTTP) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(input, &req); err != nil {
		return nil, worker.Permanent(fmt.Errorf("invalid HTTP request payload: %w", err))
	}

	if req.URL == "" {
		return nil, worker.Permanent(fmt.Errorf("URL is required"))
	}

	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if req.Timeout <= 0 {
		req.Timeout = 30 // default 30 seconds
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// 4xx will not change on retry, 5xx might.
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode >= 400 {
		return nil, worker.Permanent(fmt.Errorf("HTTP %d error: %s", resp.StatusCode, string(respBody)))
	}

	out := Response{StatusCode: resp.StatusCode, Headers: map[string]string{}, Body: string(respBody)}
	for key := range resp.Header {
		out.Headers[key] = resp.Header.Get(key)
	}
	return json.Marshal(out)
}
