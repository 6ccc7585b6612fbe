package worker

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/agentd/pkg/cerr"
)

type Server struct {
	worker *Worker
	// baseCtx bounds executions started through the API; it is the
	// process lifetime context, not the request's.
	baseCtx context.Context
}

func NewServer(worker *Worker, baseCtx context.Context) *Server {
	return &Server{worker: worker, baseCtx: baseCtx}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/api/worker", s.handleStatus)
	r.Post("/api/worker/start", s.handleStart)
	r.Post("/api/worker/stop", s.handleStop)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), s.worker.Status())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.worker.Start(s.baseCtx); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, s.worker.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.worker.Stop()
	cerr.SetJSONResponse(r.Context(), s.worker.Status())
}
