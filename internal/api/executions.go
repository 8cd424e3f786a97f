package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"durableflow/internal/domain"
	"durableflow/internal/protocol"
)

// maxResultWait bounds how long GET /result may hold a request open.
const maxResultWait = 60 * time.Second

func (s *Server) createExecution(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateExecutionRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.CreateExecution(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	code := http.StatusCreated
	if !resp.Created {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	req := protocol.ListExecutionsRequest{
		TenantID:          q.Get("tenant_id"),
		Type:              domain.ExecutionType(q.Get("type")),
		Kind:              q.Get("kind"),
		Queue:             q.Get("queue"),
		ParentExecutionID: q.Get("parent_id"),
		ScheduleID:        q.Get("schedule_id"),
		Limit:             limit,
	}
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st != "" {
				req.Statuses = append(req.Statuses, domain.Status(strings.ToUpper(st)))
			}
		}
	}
	execs, err := s.svc.ListExecutions(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) describeExecution(w http.ResponseWriter, r *http.Request) {
	detail, err := s.svc.DescribeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt64(r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 500)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Events(r.Context(), chi.URLParam(r, "id"), after, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamEvents sends the history as server-sent events and keeps the
// connection open until the execution is terminal.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	after, err := queryInt64(r, "after")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
		if after, err = strconv.ParseInt(lastID, 10, 64); err != nil {
			badRequest(w, r, "invalid Last-Event-ID")
			return
		}
	}
	if _, err := s.svc.GetExecution(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, fmt.Errorf("streaming unsupported"))
		return
	}

	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.Header().Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err = s.svc.Follow(r.Context(), id, after, func(ev domain.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && r.Context().Err() == nil {
		s.log.Warn().Err(err).Str("execution_id", id).Msg("event stream ended")
	}
}

// awaitResult returns the execution once it is terminal, or its current
// state when wait elapses first.
func (s *Server) awaitResult(w http.ResponseWriter, r *http.Request) {
	wait, err := queryDuration(r, "wait")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	var exec *domain.Execution
	if wait <= 0 {
		exec, err = s.svc.GetExecution(r.Context(), id)
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), min(wait, maxResultWait))
		defer cancel()
		exec, err = s.svc.Await(ctx, id)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) signal(w http.ResponseWriter, r *http.Request) {
	var req protocol.SignalRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Signal(r.Context(), chi.URLParam(r, "id"), req); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type cancelReq struct {
	Reason string `json:"reason"`
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	exec, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	exec, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, exec)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	var req protocol.SubmitRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.ExecutionID = chi.URLParam(r, "id")
	resp, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) resolvePromise(w http.ResponseWriter, r *http.Request) {
	var req protocol.ResolvePromiseRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		req.PromiseID = id
	}
	p, err := s.svc.ResolvePromise(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, domain.Validationf("invalid %s %q", name, v)
	}
	return n, nil
}

func queryInt64(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, domain.Validationf("invalid %s %q", name, v)
	}
	return n, nil
}

func queryDuration(r *http.Request, name string) (time.Duration, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, domain.Validationf("invalid %s %q", name, v)
	}
	return d, nil
}
