package task_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/internal/task"
	"github.com/forgeworks/agentd/internal/task/repositoryimpl"
	"github.com/forgeworks/agentd/pkg/cerr"
	"github.com/forgeworks/agentd/pkg/storage"
)

func newQueue(t *testing.T) *task.Queue {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return task.NewQueue(repositoryimpl.NewYAMLRepository(store), eventbus.New(), task.Config{
		MaxIterations: 10,
		MaxToolCalls:  20,
		Timeout:       time.Minute,
	})
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	if _, err := q.Create(ctx, "", "do something", task.Config{}, 0); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for empty owner, got %v", err)
	}
	if _, err := q.Create(ctx, "u1", "", task.Config{}, 0); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for empty goal, got %v", err)
	}
	if _, err := q.Create(ctx, "u1", "goal", task.Config{MaxIterations: -1}, 0); !cerr.IsCode(err, cerr.InvalidArgument) {
		t.Errorf("expected InvalidArgument for negative limit, got %v", err)
	}
}

func TestCreateAppliesDefaults(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, err := q.Create(ctx, "u1", "do something", task.Config{}, 3)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", created.Status)
	}
	if created.Config.MaxIterations != 10 || created.Config.MaxToolCalls != 20 {
		t.Errorf("defaults not applied: %+v", created.Config)
	}
	if created.Priority != 3 {
		t.Errorf("expected priority 3, got %d", created.Priority)
	}
}

func TestClaimRace(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, err := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const claimers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		conflict int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := q.Claim(ctx, created.ID, claimID(n))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, task.ErrClaimConflict):
				conflict++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("expected exactly one claim winner, got %d", winners)
	}
	if conflict != claimers-1 {
		t.Errorf("expected %d conflicts, got %d", claimers-1, conflict)
	}

	got, err := q.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != task.StatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
}

func claimID(n int) string {
	return string(rune('a' + n))
}

func TestPauseResumeCycle(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)

	// Pausing a pending task is not permitted.
	if _, err := q.Pause(ctx, created.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition pausing pending task, got %v", err)
	}

	if _, err := q.Claim(ctx, created.ID, "c1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	paused, err := q.Pause(ctx, created.ID)
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if paused.Status != task.StatusPaused || paused.ClaimID != "" {
		t.Errorf("pause left task %s with claim %q", paused.Status, paused.ClaimID)
	}

	resumed, err := q.Resume(ctx, created.ID)
	if err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	if resumed.Status != task.StatusPending {
		t.Errorf("expected pending after resume, got %s", resumed.Status)
	}

	// Resuming a non-paused task is rejected.
	if _, err := q.Resume(ctx, created.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming pending task, got %v", err)
	}
}

func TestCooperativeCancel(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	if _, err := q.Claim(ctx, created.ID, "c1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	// Cancel on a running task only raises the flag.
	cancelled, err := q.Cancel(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != task.StatusRunning || !cancelled.CancelRequested {
		t.Errorf("expected running with cancel flag, got %s/%t", cancelled.Status, cancelled.CancelRequested)
	}

	// The loop acknowledges at the next iteration boundary.
	finished, err := q.FinishCancelled(ctx, created.ID, "c1")
	if err != nil {
		t.Fatalf("finish cancelled failed: %v", err)
	}
	if finished.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", finished.Status)
	}
}

func TestCancelPendingImmediate(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	cancelled, err := q.Cancel(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
	// Terminal states reject further lifecycle operations.
	if _, err := q.Cancel(ctx, created.ID); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition cancelling cancelled task, got %v", err)
	}
}

func TestConfirmRejectFlow(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	if _, err := q.Claim(ctx, created.ID, "c1"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	waiting, err := q.MarkWaiting(ctx, created.ID, "c1", "step-9")
	if err != nil {
		t.Fatalf("mark waiting failed: %v", err)
	}
	if waiting.Status != task.StatusWaiting || waiting.Confirmation != task.ConfirmationRequested {
		t.Errorf("unexpected waiting state: %+v", waiting)
	}

	// A waiting task without approval is not claimable.
	if _, err := q.Claim(ctx, created.ID, "c2"); !errors.Is(err, task.ErrClaimConflict) {
		t.Errorf("expected ErrClaimConflict claiming unapproved waiting task, got %v", err)
	}

	confirmed, err := q.Confirm(ctx, created.ID)
	if err != nil {
		t.Fatalf("confirm failed: %v", err)
	}
	if confirmed.Status != task.StatusWaiting || confirmed.Confirmation != task.ConfirmationApproved {
		t.Errorf("unexpected confirmed state: %+v", confirmed)
	}

	// Approved waiting tasks are claimable again.
	claimed, err := q.Claim(ctx, created.ID, "c2")
	if err != nil {
		t.Fatalf("claim after confirm failed: %v", err)
	}
	if claimed.Status != task.StatusRunning {
		t.Errorf("expected running, got %s", claimed.Status)
	}
}

func TestRejectCancelsWaitingTask(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	q.Claim(ctx, created.ID, "c1")
	q.MarkWaiting(ctx, created.ID, "c1", "step-9")

	rejected, err := q.Reject(ctx, created.ID)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", rejected.Status)
	}
	if rejected.PendingStepID != "" || rejected.Confirmation != task.ConfirmationNone {
		t.Errorf("reject did not clear suspension markers: %+v", rejected)
	}
}

func TestCancelWaitingWithoutResponse(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	q.Claim(ctx, created.ID, "c1")
	q.MarkWaiting(ctx, created.ID, "c1", "step-9")

	cancelled, err := q.Cancel(ctx, created.ID)
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if cancelled.Status != task.StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestRequeueFromTerminal(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)

	// Requeue is rejected while the task is live.
	if _, err := q.Requeue(ctx, created.ID, "cp-1"); !errors.Is(err, task.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition requeueing pending task, got %v", err)
	}

	q.Claim(ctx, created.ID, "c1")
	if _, err := q.Complete(ctx, created.ID, "c1", "answer"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	requeued, err := q.Requeue(ctx, created.ID, "cp-1")
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if requeued.Status != task.StatusPending {
		t.Errorf("expected pending, got %s", requeued.Status)
	}
	if requeued.RestoreCheckpointID != "cp-1" {
		t.Errorf("expected restore target cp-1, got %q", requeued.RestoreCheckpointID)
	}
	if requeued.Result != "" {
		t.Errorf("requeue should clear prior result, got %q", requeued.Result)
	}
}

func TestClaimMismatchRejected(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	created, _ := q.Create(ctx, "u1", "goal", task.Config{}, 0)
	q.Claim(ctx, created.ID, "c1")

	if _, err := q.Complete(ctx, created.ID, "intruder", "answer"); !errors.Is(err, task.ErrClaimMismatch) {
		t.Errorf("expected ErrClaimMismatch, got %v", err)
	}
}

func TestRecoverStale(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	stale, _ := q.Create(ctx, "u1", "goal a", task.Config{}, 0)
	live, _ := q.Create(ctx, "u1", "goal b", task.Config{}, 0)
	q.Claim(ctx, stale.ID, "dead-claim")
	q.Claim(ctx, live.ID, "live-claim")

	recovered, err := q.RecoverStale(ctx, map[string]bool{"live-claim": true})
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0].ID != stale.ID {
		t.Fatalf("expected only the stale task recovered, got %v", recovered)
	}

	got, _ := q.Get(ctx, stale.ID)
	if got.Status != task.StatusPending || got.ClaimID != "" {
		t.Errorf("stale task not re-enqueued: %+v", got)
	}
	got, _ = q.Get(ctx, live.ID)
	if got.Status != task.StatusRunning || got.ClaimID != "live-claim" {
		t.Errorf("live task should be untouched: %+v", got)
	}
}

func TestListQueuedOrdering(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)

	low, _ := q.Create(ctx, "u1", "low", task.Config{}, 0)
	high, _ := q.Create(ctx, "u1", "high", task.Config{}, 5)

	queued, err := q.ListQueued(ctx)
	if err != nil {
		t.Fatalf("list queued failed: %v", err)
	}
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(queued))
	}
	if queued[0].ID != high.ID || queued[1].ID != low.ID {
		t.Errorf("expected priority ordering [high low], got [%s %s]", queued[0].Goal, queued[1].Goal)
	}
}

// TestRandomLifecycleSequences drives the live queue through long
// pseudo-random operation sequences and checks every outcome against a
// reference model of the status machine: successful calls take only
// documented edges, rejected calls return a lifecycle error and leave
// the record untouched.
func TestRandomLifecycleSequences(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	rng := rand.New(rand.NewSource(1))

	created, err := q.Create(ctx, "u1", "survive anything", task.Config{}, 0)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	id := created.ID

	// model mirrors the fields the lifecycle operations read and write.
	model := struct {
		status          task.Status
		confirmation    task.ConfirmationState
		claimID         string
		cancelRequested bool
	}{status: task.StatusPending}

	ops := []string{
		"claim", "pause", "resume", "cancel", "confirm", "reject",
		"complete", "fail", "finish_cancelled", "requeue",
		"mark_waiting", "complete_stale",
	}
	claimSeq := 0
	successes := 0

	for i := 0; i < 600; i++ {
		op := ops[rng.Intn(len(ops))]

		var wantOK bool
		var opErr error
		switch op {
		case "claim":
			wantOK = model.status == task.StatusPending ||
				(model.status == task.StatusWaiting && model.confirmation == task.ConfirmationApproved)
			claimSeq++
			claimID := fmt.Sprintf("claim-%d", claimSeq)
			_, opErr = q.Claim(ctx, id, claimID)
			if wantOK {
				model.status = task.StatusRunning
				model.claimID = claimID
			}
		case "pause":
			wantOK = model.status == task.StatusRunning
			_, opErr = q.Pause(ctx, id)
			if wantOK {
				model.status = task.StatusPaused
				model.claimID = ""
			}
		case "resume":
			wantOK = model.status == task.StatusPaused
			_, opErr = q.Resume(ctx, id)
			if wantOK {
				model.status = task.StatusPending
			}
		case "cancel":
			wantOK = !model.status.IsTerminal()
			_, opErr = q.Cancel(ctx, id)
			if wantOK {
				if model.status == task.StatusRunning {
					model.cancelRequested = true
				} else {
					model.status = task.StatusCancelled
					model.claimID = ""
					model.confirmation = task.ConfirmationNone
				}
			}
		case "confirm":
			wantOK = model.status == task.StatusWaiting && model.confirmation == task.ConfirmationRequested
			_, opErr = q.Confirm(ctx, id)
			if wantOK {
				model.confirmation = task.ConfirmationApproved
			}
		case "reject":
			wantOK = model.status == task.StatusWaiting
			_, opErr = q.Reject(ctx, id)
			if wantOK {
				model.status = task.StatusCancelled
				model.confirmation = task.ConfirmationNone
				model.claimID = ""
			}
		case "complete":
			wantOK = model.status == task.StatusRunning
			_, opErr = q.Complete(ctx, id, model.claimID, "done")
			if wantOK {
				model.status = task.StatusCompleted
				model.claimID = ""
				model.cancelRequested = false
			}
		case "fail":
			wantOK = model.status == task.StatusRunning
			_, opErr = q.Fail(ctx, id, model.claimID, "broke")
			if wantOK {
				model.status = task.StatusFailed
				model.claimID = ""
				model.cancelRequested = false
			}
		case "finish_cancelled":
			wantOK = model.status == task.StatusRunning
			_, opErr = q.FinishCancelled(ctx, id, model.claimID)
			if wantOK {
				model.status = task.StatusCancelled
				model.claimID = ""
				model.cancelRequested = false
			}
		case "requeue":
			wantOK = model.status.IsTerminal()
			_, opErr = q.Requeue(ctx, id, "")
			if wantOK {
				model.status = task.StatusPending
				model.claimID = ""
				model.confirmation = task.ConfirmationNone
				model.cancelRequested = false
			}
		case "mark_waiting":
			wantOK = model.status == task.StatusRunning
			_, opErr = q.MarkWaiting(ctx, id, model.claimID, fmt.Sprintf("step-%d", i))
			if wantOK {
				model.status = task.StatusWaiting
				model.confirmation = task.ConfirmationRequested
				model.claimID = ""
			}
		case "complete_stale":
			// A claim the queue never issued must always be turned away.
			wantOK = false
			_, opErr = q.Complete(ctx, id, "intruder", "done")
		}

		if wantOK && opErr != nil {
			t.Fatalf("op %d (%s) from %s: expected success, got %v", i, op, model.status, opErr)
		}
		if !wantOK {
			if opErr == nil {
				t.Fatalf("op %d (%s) from %s: expected rejection, got success", i, op, model.status)
			}
			if !errors.Is(opErr, task.ErrInvalidTransition) &&
				!errors.Is(opErr, task.ErrClaimConflict) &&
				!errors.Is(opErr, task.ErrClaimMismatch) {
				t.Fatalf("op %d (%s): unexpected error class: %v", i, op, opErr)
			}
		} else {
			successes++
		}

		got, err := q.Get(ctx, id)
		if err != nil {
			t.Fatalf("op %d (%s): get failed: %v", i, op, err)
		}
		if got.Status != model.status || got.Confirmation != model.confirmation ||
			got.ClaimID != model.claimID || got.CancelRequested != model.cancelRequested {
			t.Fatalf("op %d (%s): state diverged from model: got status=%s confirmation=%q claim=%q cancel=%v, want %+v",
				i, op, got.Status, got.Confirmation, got.ClaimID, got.CancelRequested, model)
		}
	}

	if successes < 50 {
		t.Fatalf("sequence exercised too few transitions: %d successes", successes)
	}
}
