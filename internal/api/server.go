// Package api serves the caller and worker protocols over HTTP.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"durableflow/internal/dispatch"
	"durableflow/internal/domain"
)

type Server struct {
	r   *chi.Mux
	svc *dispatch.Service
	log zerolog.Logger
}

func NewServer(svc *dispatch.Service, logger zerolog.Logger) http.Handler {
	return NewServerWithDebug(svc, logger, false)
}

func NewServerWithDebug(svc *dispatch.Service, logger zerolog.Logger, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP)
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("request")
	}))
	r.Use(middleware.Recoverer)

	s := &Server{r: r, svc: svc, log: logger}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/executions", s.createExecution)
		r.Get("/executions", s.listExecutions)
		r.Route("/executions/{id}", func(r chi.Router) {
			r.Get("/", s.describeExecution)
			r.Get("/events", s.listEvents)
			r.Get("/events/stream", s.streamEvents)
			r.Get("/result", s.awaitResult)
			r.Post("/signals", s.signal)
			r.Post("/cancel", s.cancel)
			r.Post("/retry", s.retry)
			r.Post("/commands", s.submit)
		})

		r.Post("/promises/resolve", s.resolvePromise)
		r.Post("/promises/{id}/resolve", s.resolvePromise)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Put("/schedules/{id}", s.updateSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
		r.Post("/schedules/{id}/trigger", s.triggerSchedule)
		r.Get("/schedules/{id}/runs", s.listScheduleRuns)

		r.Post("/workers", s.registerWorker)
		r.Get("/workers", s.listWorkers)
		r.Post("/workers/{id}/heartbeat", s.heartbeat)
		r.Post("/poll", s.poll)
	})

	// Debug routes (pprof)
	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
		r.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
		r.Handle("/debug/pprof/block", pprof.Handler("block"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.HealthCheck(r.Context()); err != nil {
		unavailable(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	counts, err := s.svc.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	statuses := make([]domain.Status, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, st)
	}
	slices.Sort(statuses)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "durableflow_up 1")
	for _, st := range statuses {
		fmt.Fprintf(w, "durableflow_executions{status=%q} %d\n", st, counts[st])
	}
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.Validationf("decode body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	writeJSONAs(w, code, "application/json", v)
}

func writeJSONAs(w http.ResponseWriter, code int, contentType string, v any) {
	w.Header().Set("content-type", contentType)
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
