package state

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/agentd/pkg/cerr"
)

type Server struct {
	manager *Manager
}

func NewServer(manager *Manager) *Server {
	return &Server{manager: manager}
}

type stepsResponse struct {
	Steps []*Step `json:"steps"`
	Total int     `json:"total"`
}

type checkpointsResponse struct {
	Checkpoints []*Checkpoint `json:"checkpoints"`
	Total       int           `json:"total"`
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/api/tasks/{id}/steps", s.handleSteps)
	r.Get("/api/tasks/{id}/checkpoints", s.handleCheckpoints)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "limit must be a non-negative integer", err)
			return
		}
		limit = n
	}
	steps, err := s.manager.GetSteps(ctx, chi.URLParam(r, "id"), limit)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, stepsResponse{Steps: steps, Total: len(steps)})
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	checkpoints, err := s.manager.GetCheckpoints(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, checkpointsResponse{Checkpoints: checkpoints, Total: len(checkpoints)})
}
