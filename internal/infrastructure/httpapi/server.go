// Package httpapi exposes the controller's control-plane HTTP surface:
// spec submission, run commands, and run status. It is the transport
// consumed by rolloutctl; all decisions live in the application layer.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/ljluestc/canary/internal/application"
	"github.com/ljluestc/canary/internal/domain"
)

// Server wires the rollout service to HTTP handlers.
type Server struct {
	Service *application.RolloutService
	Logger  *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Handler returns the control-plane routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/specs", s.submitSpec)
	mux.HandleFunc("GET /v1/runs", s.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", s.runStatus)
	mux.HandleFunc("POST /v1/runs/{id}/promote", s.runCommand(func(r *http.Request, id domain.RunID) error {
		return s.Service.Promote(r.Context(), id)
	}))
	mux.HandleFunc("POST /v1/runs/{id}/resume", s.runCommand(func(r *http.Request, id domain.RunID) error {
		return s.Service.Resume(r.Context(), id)
	}))
	mux.HandleFunc("POST /v1/runs/{id}/pause", s.runCommand(func(r *http.Request, id domain.RunID) error {
		return s.Service.Pause(r.Context(), id)
	}))
	mux.HandleFunc("POST /v1/runs/{id}/abort", s.runCommand(func(r *http.Request, id domain.RunID) error {
		var body abortRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				return errors.Join(domain.ErrInvalidArgument, err)
			}
		}
		return s.Service.Abort(r.Context(), id, body.Reason)
	}))
	return mux
}

type abortRequest struct {
	Reason string `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) submitSpec(w http.ResponseWriter, r *http.Request) {
	var spec domain.RolloutSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, errors.Join(domain.ErrInvalidArgument, err))
		return
	}
	run, err := s.Service.Submit(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	var (
		runs []domain.RolloutRun
		err  error
	)
	if specID := r.URL.Query().Get("spec"); specID != "" {
		runs, err = s.Service.ListRuns(r.Context(), domain.SpecID(specID))
	} else {
		runs, err = s.Service.ListActive(r.Context())
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.RolloutRun{}
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Service.Status(r.Context(), domain.RunID(r.PathValue("id")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) runCommand(cmd func(r *http.Request, id domain.RunID) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := domain.RunID(r.PathValue("id"))
		if err := cmd(r, id); err != nil {
			s.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrAlreadyExists):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger().Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger().Warn("write response", zap.Error(err))
	}
}
