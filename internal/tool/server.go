package tool

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/agentd/pkg/cerr"
)

type Server struct {
	registry *Registry
}

func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/api/tools", s.handleList)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tools := s.registry.ListAll()
	cerr.SetJSONResponse(r.Context(), map[string]any{
		"tools": tools,
		"total": len(tools),
	})
}
