// Package worker schedules task executions: it polls the queue for
// claimable work, claims tasks up to a concurrency limit and drives
// each one's loop in its own goroutine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/forgeworks/agentd/internal/engine"
	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/internal/task"
	"github.com/forgeworks/agentd/pkg/metrics"
	"github.com/forgeworks/agentd/pkg/panicerr"
)

type Status struct {
	Running      bool `json:"running"`
	ActiveClaims int  `json:"active_claims"`
	Concurrency  int  `json:"concurrency"`
}

type Worker struct {
	queue        *task.Queue
	loop         *engine.Loop
	bus          *eventbus.Bus
	recorder     *metrics.Recorder
	concurrency  int
	pollInterval time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	claims  map[string]string // task id -> claim id
	pool    *pool.Pool
	done    chan struct{}
}

func New(queue *task.Queue, loop *engine.Loop, bus *eventbus.Bus, recorder *metrics.Recorder, concurrency int, pollInterval time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Worker{
		queue:        queue,
		loop:         loop,
		bus:          bus,
		recorder:     recorder,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		claims:       make(map[string]string),
	}
}

// Start begins the polling cycle. Tasks left running by a previous
// process are re-enqueued first so they resume from their last
// checkpoint instead of being silently orphaned.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	w.running = true
	w.cancel = cancel
	w.pool = pool.New().WithMaxGoroutines(w.concurrency)
	w.done = make(chan struct{})
	live := make(map[string]bool, len(w.claims))
	for _, claimID := range w.claims {
		live[claimID] = true
	}
	w.mu.Unlock()

	recovered, err := w.queue.RecoverStale(ctx, live)
	if err != nil {
		slog.Warn("failed to recover stale running tasks", "error", err)
	}
	for _, t := range recovered {
		slog.Info("recovered stale running task", "task_id", t.ID)
	}

	go w.pollLoop(ctx)

	w.bus.PublishNew(eventbus.EventWorkerStarted, "", "", nil)
	slog.Info("worker started", "concurrency", w.concurrency, "poll_interval", w.pollInterval)
	return nil
}

// Stop halts polling and waits for in-flight executions to finish or
// suspend. Claimed tasks left running are recovered on the next Start.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	p := w.pool
	done := w.done
	w.mu.Unlock()

	cancel()
	<-done
	p.Wait()

	w.bus.PublishNew(eventbus.EventWorkerStopped, "", "", nil)
	slog.Info("worker stopped")
}

func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		Running:      w.running,
		ActiveClaims: len(w.claims),
		Concurrency:  w.concurrency,
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	w.mu.Lock()
	available := w.concurrency - len(w.claims)
	w.mu.Unlock()
	if available <= 0 {
		return
	}

	queued, err := w.queue.ListQueued(ctx)
	if err != nil {
		slog.Warn("failed to list queued tasks", "error", err)
		return
	}

	for _, candidate := range queued {
		if available <= 0 {
			return
		}
		w.mu.Lock()
		if _, held := w.claims[candidate.ID]; held {
			w.mu.Unlock()
			continue
		}
		w.mu.Unlock()

		claimID := ulid.Make().String()
		claimed, err := w.queue.Claim(ctx, candidate.ID, claimID)
		if err != nil {
			if errors.Is(err, task.ErrClaimConflict) {
				w.recorder.IncClaimConflict()
				continue
			}
			slog.Warn("failed to claim task", "task_id", candidate.ID, "error", err)
			continue
		}

		w.track(claimed.ID, claimID)
		available--

		t, cid := claimed, claimID
		w.pool.Go(func() {
			defer w.untrack(t.ID)
			run := panicerr.SafeContext(func(ctx context.Context) error {
				return w.loop.Run(ctx, t, cid)
			})
			if err := run(ctx); err != nil {
				if ctx.Err() != nil {
					// Shutdown mid-execution: leave the record running,
					// the next Start recovers it from its checkpoint.
					slog.Info("task execution interrupted by shutdown", "task_id", t.ID)
					return
				}
				slog.Error("task execution error", "task_id", t.ID, "error", err)
				// A loop that errored out (storage fault, panic) must
				// not leave the task stuck in running.
				cleanupCtx := context.WithoutCancel(ctx)
				if _, ferr := w.queue.Fail(cleanupCtx, t.ID, cid, err.Error()); ferr != nil {
					slog.Warn("failed to mark task failed", "task_id", t.ID, "error", ferr)
				}
			}
		})
	}
}

func (w *Worker) track(taskID, claimID string) {
	w.mu.Lock()
	w.claims[taskID] = claimID
	w.recorder.SetActiveClaims(len(w.claims))
	w.mu.Unlock()
}

func (w *Worker) untrack(taskID string) {
	w.mu.Lock()
	delete(w.claims, taskID)
	w.recorder.SetActiveClaims(len(w.claims))
	w.mu.Unlock()
}
