package task

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/forgeworks/agentd/pkg/cerr"
)

// StateAccessor is the slice of the state manager the task API needs:
// restore validation and cascading delete. Implemented by
// state.Manager.
type StateAccessor interface {
	// ResolveCheckpointID returns the checkpoint id a restore would
	// use (the most recent when checkpointID is empty) or a NotFound
	// error.
	ResolveCheckpointID(ctx context.Context, taskID, checkpointID string) (string, error)
	// Purge removes all steps and checkpoints recorded for the task.
	Purge(ctx context.Context, taskID string) error
}

type Server struct {
	queue *Queue
	state StateAccessor
}

func NewServer(queue *Queue, state StateAccessor) *Server {
	return &Server{queue: queue, state: state}
}

type createRequest struct {
	OwnerID  string `json:"owner_id"`
	Goal     string `json:"goal"`
	Config   Config `json:"config"`
	Priority int    `json:"priority"`
}

type restoreRequest struct {
	CheckpointID string `json:"checkpoint_id"`
}

type listResponse struct {
	Tasks []*Task `json:"tasks"`
	Total int     `json:"total"`
}

func (s *Server) RegisterRoutes(r chi.Router) {
	r.Post("/api/tasks", s.handleCreate)
	r.Get("/api/tasks", s.handleList)
	r.Get("/api/tasks/queued", s.handleQueued)
	r.Get("/api/tasks/{id}", s.handleGet)
	r.Delete("/api/tasks/{id}", s.handleDelete)
	r.Post("/api/tasks/{id}/pause", s.handlePause)
	r.Post("/api/tasks/{id}/resume", s.handleResume)
	r.Post("/api/tasks/{id}/cancel", s.handleCancel)
	r.Post("/api/tasks/{id}/confirm", s.handleConfirm)
	r.Post("/api/tasks/{id}/reject", s.handleReject)
	r.Post("/api/tasks/{id}/restore", s.handleRestore)
	r.Get("/api/stats", s.handleStats)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
		return
	}
	t, err := s.queue.Create(ctx, req.OwnerID, req.Goal, req.Config, req.Priority)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseStatus(ctx, http.StatusAccepted, t)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.queue.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := r.URL.Query().Get("owner")
	status := Status(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 50)
	tasks, err := s.queue.ListByOwner(ctx, owner, status, limit)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) handleQueued(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := s.queue.ListQueued(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listResponse{Tasks: tasks, Total: len(tasks)})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.queue.Pause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.queue.Resume)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.queue.Cancel)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.queue.Confirm)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.queue.Reject)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req restoreRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid request body", err)
			return
		}
	}

	// Resolve first so an unknown checkpoint id (or a task with no
	// checkpoints) fails before the task record is touched.
	checkpointID, err := s.state.ResolveCheckpointID(ctx, id, req.CheckpointID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.queue.Requeue(ctx, id, checkpointID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseStatus(ctx, http.StatusAccepted, t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	t, err := s.queue.Get(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if t.Status == StatusRunning {
		cerr.SetNewJSONError(ctx, cerr.FailedPrecondition, "cannot delete a running task", nil)
		return
	}
	if err := s.state.Purge(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.queue.Delete(ctx, id); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]string{"id": id, "deleted": "true"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, stats)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*Task, error)) {
	ctx := r.Context()
	t, err := op(ctx, chi.URLParam(r, "id"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
