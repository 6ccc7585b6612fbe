package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/pkg/cerr"
)

// Queue owns every task status write. Claim and the lifecycle
// transitions serialize on a single mutex so that two concurrent
// operations on the same task never interleave their read-check-write
// cycles.
type Queue struct {
	repo     Repository
	bus      *eventbus.Bus
	defaults Config

	// mu guards all read-check-write cycles against the repository.
	mu sync.Mutex
}

func NewQueue(repo Repository, bus *eventbus.Bus, defaults Config) *Queue {
	return &Queue{
		repo:     repo,
		bus:      bus,
		defaults: defaults,
	}
}

func (q *Queue) Create(ctx context.Context, ownerID, goal string, cfg Config, priority int) (*Task, error) {
	if ownerID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "owner_id is required", nil)
	}
	if goal == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "goal is required", nil)
	}
	if cfg.MaxIterations < 0 || cfg.MaxToolCalls < 0 || cfg.Timeout < 0 {
		return nil, cerr.NewError(cerr.InvalidArgument, "limits must not be negative", nil)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = q.defaults.MaxIterations
	}
	if cfg.MaxToolCalls == 0 {
		cfg.MaxToolCalls = q.defaults.MaxToolCalls
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = q.defaults.Timeout
	}

	now := time.Now().UTC()
	t := &Task{
		ID:        ulid.Make().String(),
		OwnerID:   ownerID,
		Goal:      goal,
		Config:    cfg,
		Status:    StatusPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.repo.Create(ctx, t); err != nil {
		return nil, err
	}

	q.bus.PublishNew(eventbus.EventTaskCreated, t.ID, "", map[string]string{"owner_id": t.OwnerID})
	return t, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	return q.repo.Get(ctx, id)
}

func (q *Queue) ListByOwner(ctx context.Context, ownerID string, status Status, limit int) ([]*Task, error) {
	tasks, _, err := q.repo.List(ctx, ownerID, status, limit, 0)
	return tasks, err
}

// ListQueued returns claimable tasks ordered by priority (desc) then
// creation time, for the worker's polling cycle and the admin view.
func (q *Queue) ListQueued(ctx context.Context) ([]*Task, error) {
	all, _, err := q.repo.List(ctx, "", "", 0, 0)
	if err != nil {
		return nil, err
	}
	var queued []*Task
	for _, t := range all {
		if t.Status == StatusPending || (t.Status == StatusWaiting && t.Confirmation == ConfirmationApproved) {
			queued = append(queued, t)
		}
	}
	sort.SliceStable(queued, func(i, j int) bool {
		if queued[i].Priority != queued[j].Priority {
			return queued[i].Priority > queued[j].Priority
		}
		return queued[i].CreatedAt.Before(queued[j].CreatedAt)
	})
	return queued, nil
}

// Claim atomically moves a task into running on behalf of claimID.
// Only pending tasks and waiting tasks with an approved confirmation
// are claimable; everything else loses the race with ErrClaimConflict.
func (q *Queue) Claim(ctx context.Context, id, claimID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	claimable := t.Status == StatusPending ||
		(t.Status == StatusWaiting && t.Confirmation == ConfirmationApproved)
	if !claimable {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("task %s is not claimable (status: %s)", id, t.Status),
			fmt.Errorf("%w: status %s", ErrClaimConflict, t.Status))
	}

	t.Status = StatusRunning
	t.ClaimID = claimID
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}

	q.bus.PublishNew(eventbus.EventTaskClaimed, t.ID, "", map[string]string{"claim_id": claimID})
	return t, nil
}

func (q *Queue) Pause(ctx context.Context, id string) (*Task, error) {
	t, err := q.transition(ctx, id, StatusPaused, func(t *Task) {
		t.ClaimID = ""
	})
	if err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskPaused, t.ID, "", nil)
	return t, nil
}

// Resume re-enqueues a paused task. The worker's claim performs the
// pending->running edge, so the observable effect is paused->running.
func (q *Queue) Resume(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// Terminal->pending is reserved for Requeue, so resume checks the
	// source status itself instead of the transition table.
	if t.Status != StatusPaused {
		return nil, invalidTransitionError(t.Status, StatusPending)
	}
	t.Status = StatusPending
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskResumed, t.ID, "", nil)
	return t, nil
}

// Cancel is cooperative for running tasks: it raises a flag the loop
// observes at the top of its next iteration, letting an in-flight tool
// call finish. Every other live status cancels immediately.
func (q *Queue) Cancel(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case StatusRunning:
		t.CancelRequested = true
		t.UpdatedAt = time.Now().UTC()
		if err := q.repo.Update(ctx, t); err != nil {
			return nil, err
		}
		return t, nil
	case StatusPending, StatusPaused, StatusWaiting:
		t.Status = StatusCancelled
		t.ClaimID = ""
		t.Confirmation = ConfirmationNone
		t.UpdatedAt = time.Now().UTC()
		if err := q.repo.Update(ctx, t); err != nil {
			return nil, err
		}
		q.bus.PublishNew(eventbus.EventTaskCancelled, t.ID, "", nil)
		return t, nil
	default:
		return nil, invalidTransitionError(t.Status, StatusCancelled)
	}
}

// MarkWaiting suspends a running task on a high-risk tool call until
// an external confirm or reject arrives.
func (q *Queue) MarkWaiting(ctx context.Context, id, claimID, pendingStepID string) (*Task, error) {
	t, err := q.transitionOwned(ctx, id, claimID, StatusWaiting, func(t *Task) {
		t.Confirmation = ConfirmationRequested
		t.PendingStepID = pendingStepID
		t.ClaimID = ""
	})
	if err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskWaiting, t.ID, pendingStepID, nil)
	return t, nil
}

// Confirm approves the pending high-risk call. The task stays waiting;
// the worker claims waiting+approved tasks and the resumed loop
// executes the pending call first.
func (q *Queue) Confirm(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusWaiting || t.Confirmation != ConfirmationRequested {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task %s has no confirmation pending (status: %s)", id, t.Status),
			fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, t.Status))
	}
	t.Confirmation = ConfirmationApproved
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskConfirmed, t.ID, t.PendingStepID, nil)
	return t, nil
}

// Reject cancels a waiting task without executing the pending call.
func (q *Queue) Reject(ctx context.Context, id string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusWaiting {
		return nil, invalidTransitionError(t.Status, StatusCancelled)
	}
	rejectedStepID := t.PendingStepID
	t.Status = StatusCancelled
	t.Confirmation = ConfirmationNone
	t.PendingStepID = ""
	t.ClaimID = ""
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskRejected, t.ID, rejectedStepID, nil)
	return t, nil
}

func (q *Queue) Complete(ctx context.Context, id, claimID, result string) (*Task, error) {
	t, err := q.transitionOwned(ctx, id, claimID, StatusCompleted, func(t *Task) {
		t.Result = result
		t.ClaimID = ""
		t.CancelRequested = false
	})
	if err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskCompleted, t.ID, "", nil)
	return t, nil
}

func (q *Queue) Fail(ctx context.Context, id, claimID, errMsg string) (*Task, error) {
	t, err := q.transitionOwned(ctx, id, claimID, StatusFailed, func(t *Task) {
		t.Error = errMsg
		t.ClaimID = ""
		t.CancelRequested = false
	})
	if err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskFailed, t.ID, errMsg, nil)
	return t, nil
}

// FinishCancelled is the loop's acknowledgement of a cooperative
// cancel: the in-flight step has completed and the task settles into
// cancelled.
func (q *Queue) FinishCancelled(ctx context.Context, id, claimID string) (*Task, error) {
	t, err := q.transitionOwned(ctx, id, claimID, StatusCancelled, func(t *Task) {
		t.ClaimID = ""
		t.CancelRequested = false
	})
	if err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskCancelled, t.ID, "", nil)
	return t, nil
}

// Requeue moves a terminal task back to pending so it resumes from
// checkpointID (empty means most recent). This is the only edge out of
// a terminal state.
func (q *Queue) Requeue(ctx context.Context, id, checkpointID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, invalidTransitionError(t.Status, StatusPending)
	}
	t.Status = StatusPending
	t.RestoreCheckpointID = checkpointID
	t.Result = ""
	t.Error = ""
	t.ClaimID = ""
	t.Confirmation = ConfirmationNone
	t.PendingStepID = ""
	t.CancelRequested = false
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	q.bus.PublishNew(eventbus.EventTaskRestored, t.ID, checkpointID, nil)
	return t, nil
}

// RecoverStale re-enqueues running tasks whose claim id is not held by
// any live execution. Called once on worker start; such records are
// leftovers from a crashed process and resume from their last
// checkpoint.
func (q *Queue) RecoverStale(ctx context.Context, liveClaims map[string]bool) ([]*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	running, _, err := q.repo.List(ctx, "", StatusRunning, 0, 0)
	if err != nil {
		return nil, err
	}
	var recovered []*Task
	for _, t := range running {
		if liveClaims[t.ClaimID] {
			continue
		}
		t.Status = StatusPending
		t.ClaimID = ""
		t.UpdatedAt = time.Now().UTC()
		if err := q.repo.Update(ctx, t); err != nil {
			return recovered, err
		}
		q.bus.PublishNew(eventbus.EventTaskRestored, t.ID, "", map[string]string{"reason": "stale_claim"})
		recovered = append(recovered, t)
	}
	return recovered, nil
}

// ClearSuspension wipes the one-shot resume markers (approved
// confirmation, pending step, restore target) once the loop has
// consumed them, so a later requeue starts clean.
func (q *Queue) ClearSuspension(ctx context.Context, id, claimID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.ClaimID != claimID {
		return cerr.NewError(cerr.Aborted,
			fmt.Sprintf("task %s is owned by another execution", id),
			fmt.Errorf("%w: have %q want %q", ErrClaimMismatch, claimID, t.ClaimID))
	}
	t.Confirmation = ConfirmationNone
	t.PendingStepID = ""
	t.RestoreCheckpointID = ""
	t.UpdatedAt = time.Now().UTC()
	return q.repo.Update(ctx, t)
}

func (q *Queue) Delete(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.repo.Delete(ctx, id)
}

// Stats aggregates task counts per status for the admin view.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	all, _, err := q.repo.List(ctx, "", "", 0, 0)
	if err != nil {
		return nil, err
	}
	stats := make(map[Status]int)
	for _, t := range all {
		stats[t.Status]++
	}
	return stats, nil
}

func (q *Queue) transition(ctx context.Context, id string, to Status, mutate func(*Task)) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canTransition(t.Status, to) {
		return nil, invalidTransitionError(t.Status, to)
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// transitionOwned additionally verifies the caller still holds the
// task's claim, so a loop that lost its task (recovered after a stall)
// cannot clobber the new execution's writes.
func (q *Queue) transitionOwned(ctx context.Context, id, claimID string, to Status, mutate func(*Task)) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.ClaimID != claimID {
		return nil, cerr.NewError(cerr.Aborted,
			fmt.Sprintf("task %s is owned by another execution", id),
			fmt.Errorf("%w: have %q want %q", ErrClaimMismatch, claimID, t.ClaimID))
	}
	if !canTransition(t.Status, to) {
		return nil, invalidTransitionError(t.Status, to)
	}
	t.Status = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now().UTC()
	if err := q.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func invalidTransitionError(from, to Status) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("transition from %q to %q is not allowed", from, to),
		fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
}
