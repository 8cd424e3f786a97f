package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"durableflow/internal/protocol"
)

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterWorkerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	wk, err := s.svc.RegisterWorker(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, wk)
}

// listWorkers lists workers, optionally only those seen within ?active=<duration>.
func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	active, err := queryDuration(r, "active")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	workers, err := s.svc.ListWorkers(r.Context(), r.URL.Query().Get("tenant_id"), active)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workers)
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	req.WorkerID = chi.URLParam(r, "id")
	resp, err := s.svc.Heartbeat(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) poll(w http.ResponseWriter, r *http.Request) {
	var req protocol.PollRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.svc.Poll(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
