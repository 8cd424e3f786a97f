package api

import (
	"errors"
	"net/http"

	"github.com/moogar0880/problems"

	"durableflow/internal/domain"
)

const problemContentType = "application/problem+json"

func writeProblem(w http.ResponseWriter, p *problems.Problem) {
	writeJSONAs(w, p.Status, problemContentType, p)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(r.URL.Path).
		WithType("validation_error").
		WithDetail(detail))
}

func unavailable(w http.ResponseWriter, r *http.Request, err error) {
	writeProblem(w, problems.NewStatusProblem(http.StatusServiceUnavailable).
		WithInstance(r.URL.Path).
		WithType("unavailable").
		WithError(err))
}

// conflictTypes names the problem type of each state-conflict sentinel. The
// client maps the names back to the same sentinels.
var conflictTypes = []struct {
	err  error
	name string
}{
	{domain.ErrLeaseLost, "lease_lost"},
	{domain.ErrNotClaimed, "not_claimed"},
	{domain.ErrTerminal, "terminal"},
	{domain.ErrPromiseResolved, "promise_resolved"},
	{domain.ErrConflict, "conflict"},
}

// writeError maps domain errors onto problem responses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case domain.IsValidation(err):
		badRequest(w, r, err.Error())

	case domain.IsNotFound(err):
		writeProblem(w, problems.NewStatusProblem(http.StatusNotFound).
			WithInstance(r.URL.Path).
			WithType("not_found").
			WithDetail(err.Error()))

	case domain.IsConflict(err):
		typ := "conflict"
		for _, c := range conflictTypes {
			if errors.Is(err, c.err) {
				typ = c.name
				break
			}
		}
		writeProblem(w, problems.NewStatusProblem(http.StatusConflict).
			WithInstance(r.URL.Path).
			WithType(typ).
			WithDetail(err.Error()))

	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeProblem(w, problems.NewStatusProblem(http.StatusInternalServerError).
			WithInstance(r.URL.Path).
			WithType("internal_error").
			WithError(err))
	}
}
