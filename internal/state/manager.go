package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/internal/model"
	"github.com/forgeworks/agentd/pkg/cerr"
)

// Snapshot carries the resumable state the loop hands to the manager
// at a checkpoint boundary.
type Snapshot struct {
	Iteration  int
	ToolCalls  int
	Messages   []model.Message
	Artifacts  []string
	LastStepID string
}

// Manager is the per-task durability façade: ordered step appends,
// checkpoint snapshots, and read-only restore. The single-claim
// invariant guarantees at most one writer per task id; appends to
// different tasks run concurrently.
type Manager struct {
	steps       StepRepository
	checkpoints CheckpointRepository
	bus         *eventbus.Bus
	retention   int

	mu      sync.Mutex
	nextSeq map[string]int
}

type ManagerOption func(*Manager)

// WithCheckpointRetention keeps only the most recent n checkpoints per
// task; older ones are pruned after each snapshot. n <= 0 keeps all.
func WithCheckpointRetention(n int) ManagerOption {
	return func(m *Manager) {
		m.retention = n
	}
}

func NewManager(steps StepRepository, checkpoints CheckpointRepository, bus *eventbus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		steps:       steps,
		checkpoints: checkpoints,
		bus:         bus,
		nextSeq:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AppendStep assigns the next sequence number and durably appends the
// step. The step's ID is assigned when empty.
func (m *Manager) AppendStep(ctx context.Context, step *Step) (*Step, error) {
	if step.ID == "" {
		step.ID = ulid.Make().String()
	}

	seq, err := m.reserveSeq(ctx, step.TaskID)
	if err != nil {
		return nil, err
	}
	step.Seq = seq

	if err := m.steps.Append(ctx, step); err != nil {
		m.releaseSeq(step.TaskID, seq)
		return nil, err
	}

	m.bus.PublishNew(eventbus.EventStepAppended, step.TaskID, step.ID,
		map[string]string{"type": string(step.Type), "status": string(step.Status)})
	return step, nil
}

// GetSteps returns the task's steps in append order; limit > 0 keeps
// only the most recent limit steps (order preserved).
func (m *Manager) GetSteps(ctx context.Context, taskID string, limit int) ([]*Step, error) {
	steps, err := m.steps.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(steps) > limit {
		steps = steps[len(steps)-limit:]
	}
	return steps, nil
}

// Snapshot creates a checkpoint from the loop's current resumable
// state. Checkpoint Seq follows the step sequence, so ordering is
// monotonic with iteration count.
func (m *Manager) Snapshot(ctx context.Context, taskID string, snap Snapshot) (*Checkpoint, error) {
	seq, err := m.currentSeq(ctx, taskID)
	if err != nil {
		return nil, err
	}

	c := &Checkpoint{
		ID:         ulid.Make().String(),
		TaskID:     taskID,
		Seq:        seq,
		Iteration:  snap.Iteration,
		ToolCalls:  snap.ToolCalls,
		Messages:   snap.Messages,
		Artifacts:  snap.Artifacts,
		LastStepID: snap.LastStepID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.checkpoints.Create(ctx, c); err != nil {
		return nil, err
	}
	m.prune(ctx, taskID)

	m.bus.PublishNew(eventbus.EventCheckpointSaved, taskID, c.ID, nil)
	return c, nil
}

// prune drops checkpoints beyond the retention window. Failures are
// logged, not returned: a snapshot that persisted must not be undone by
// housekeeping.
func (m *Manager) prune(ctx context.Context, taskID string) {
	if m.retention <= 0 {
		return
	}
	checkpoints, err := m.checkpoints.List(ctx, taskID)
	if err != nil {
		slog.WarnContext(ctx, "failed to list checkpoints for pruning", "task_id", taskID, "error", err)
		return
	}
	for _, c := range checkpoints[min(m.retention, len(checkpoints)):] {
		if err := m.checkpoints.Delete(ctx, c); err != nil {
			slog.WarnContext(ctx, "failed to prune checkpoint", "task_id", taskID, "checkpoint_id", c.ID, "error", err)
		}
	}
}

// GetCheckpoints returns the task's checkpoints most-recent-first.
func (m *Manager) GetCheckpoints(ctx context.Context, taskID string) ([]*Checkpoint, error) {
	return m.checkpoints.List(ctx, taskID)
}

// Restore reads the named checkpoint (most recent when checkpointID is
// empty). It never mutates stored state; re-enqueueing is the caller's
// responsibility.
func (m *Manager) Restore(ctx context.Context, taskID, checkpointID string) (*Checkpoint, error) {
	if checkpointID != "" {
		return m.checkpoints.Get(ctx, taskID, checkpointID)
	}
	checkpoints, err := m.checkpoints.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, notFoundError(taskID, "")
	}
	return checkpoints[0], nil
}

// ResolveCheckpointID validates a restore target without reading the
// full snapshot.
func (m *Manager) ResolveCheckpointID(ctx context.Context, taskID, checkpointID string) (string, error) {
	c, err := m.Restore(ctx, taskID, checkpointID)
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

// Purge removes all steps and checkpoints for the task. Used by the
// owner-initiated cascading delete.
func (m *Manager) Purge(ctx context.Context, taskID string) error {
	if err := m.steps.DeleteAll(ctx, taskID); err != nil {
		return err
	}
	if err := m.checkpoints.DeleteAll(ctx, taskID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.nextSeq, taskID)
	m.mu.Unlock()
	return nil
}

// reserveSeq hands out the next sequence number for the task, seeding
// the counter from storage on first use (e.g. after a restart).
func (m *Manager) reserveSeq(ctx context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedSeqLocked(ctx, taskID); err != nil {
		return 0, err
	}
	seq := m.nextSeq[taskID]
	m.nextSeq[taskID] = seq + 1
	return seq, nil
}

// currentSeq is the number of steps recorded so far, used to stamp
// checkpoints so their ordering follows the step sequence.
func (m *Manager) currentSeq(ctx context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.seedSeqLocked(ctx, taskID); err != nil {
		return 0, err
	}
	return m.nextSeq[taskID], nil
}

func (m *Manager) seedSeqLocked(ctx context.Context, taskID string) error {
	if _, ok := m.nextSeq[taskID]; ok {
		return nil
	}
	steps, err := m.steps.List(ctx, taskID)
	if err != nil {
		return err
	}
	m.nextSeq[taskID] = len(steps)
	return nil
}

func (m *Manager) releaseSeq(taskID string, seq int) {
	m.mu.Lock()
	if m.nextSeq[taskID] == seq+1 {
		m.nextSeq[taskID] = seq
	}
	m.mu.Unlock()
}

func notFoundError(taskID, checkpointID string) error {
	msg := fmt.Sprintf("no checkpoints recorded for task %s", taskID)
	if checkpointID != "" {
		msg = fmt.Sprintf("checkpoint %s not found for task %s", checkpointID, taskID)
	}
	return cerr.NewError(cerr.NotFound, msg, fmt.Errorf("%w", ErrCheckpointNotFound))
}
