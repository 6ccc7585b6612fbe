package internal

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/forgeworks/agentd/internal/config"
	"github.com/forgeworks/agentd/internal/state"
	"github.com/forgeworks/agentd/internal/task"
	"github.com/forgeworks/agentd/internal/tool"
	"github.com/forgeworks/agentd/internal/worker"
	"github.com/forgeworks/agentd/pkg/cerr"
	"github.com/forgeworks/agentd/pkg/clog"
)

type Server struct {
	server       *http.Server
	env          *config.Env
	taskServer   *task.Server
	stateServer  *state.Server
	toolServer   *tool.Server
	workerServer *worker.Server
}

func NewServer(
	env *config.Env,
	taskServer *task.Server,
	stateServer *state.Server,
	toolServer *tool.Server,
	workerServer *worker.Server,
) *Server {
	return &Server{
		env:          env,
		taskServer:   taskServer,
		stateServer:  stateServer,
		toolServer:   toolServer,
		workerServer: workerServer,
	}
}

// ListenAndServe starts the HTTP server. The provided context is the
// base context for all incoming requests; cancelling it (shutdown
// signal) also cancels any request still in flight.
func (s *Server) ListenAndServe(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(
		clog.SlogChiMiddleware(),
		cerr.NewJSONResponseChiMiddleware(),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
	})
	s.taskServer.RegisterRoutes(r)
	s.stateServer.RegisterRoutes(r)
	s.toolServer.RegisterRoutes(r)
	s.workerServer.RegisterRoutes(r)

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/api/", r)

	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.apiKeyMiddleware(mux)),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health and metrics are scraped unauthenticated.
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
