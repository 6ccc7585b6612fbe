package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/forgeworks/agentd/internal/state"
	"github.com/forgeworks/agentd/pkg/cerr"
	"github.com/forgeworks/agentd/pkg/storage"
)

const (
	stepsPrefix       = "steps"
	checkpointsPrefix = "checkpoints"
)

// stepPath embeds the zero-padded sequence so the storage listing
// order is the append order.
func stepPath(taskID string, seq int) string {
	return fmt.Sprintf("%s/%s/%08d.yaml", stepsPrefix, taskID, seq)
}

func checkpointPath(taskID string, seq int, id string) string {
	return fmt.Sprintf("%s/%s/%08d-%s.yaml", checkpointsPrefix, taskID, seq, id)
}

type YAMLStepRepository struct {
	storage storage.Storage
}

func NewYAMLStepRepository(s storage.Storage) *YAMLStepRepository {
	return &YAMLStepRepository{storage: s}
}

func (r *YAMLStepRepository) Append(ctx context.Context, s *state.Step) error {
	p := stepPath(s.TaskID, s.Seq)
	exists, err := r.storage.Exists(ctx, p)
	if err != nil {
		return cerr.WrapStorageWriteError("step", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists,
			fmt.Sprintf("step seq %d already recorded for task %s", s.Seq, s.TaskID), nil)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal step: %w", err))
	}
	if err := r.storage.Write(ctx, p, data); err != nil {
		return cerr.WrapStorageWriteError("step", err)
	}
	return nil
}

func (r *YAMLStepRepository) List(ctx context.Context, taskID string) ([]*state.Step, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", stepsPrefix, taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("steps", err)
	}
	sort.Strings(paths)

	steps := make([]*state.Step, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("step", err)
		}
		var s state.Step
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal step: %w", err))
		}
		steps = append(steps, &s)
	}
	return steps, nil
}

func (r *YAMLStepRepository) DeleteAll(ctx context.Context, taskID string) error {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", stepsPrefix, taskID))
	if err != nil {
		return cerr.WrapStorageReadError("steps", err)
	}
	for _, p := range paths {
		if err := r.storage.Delete(ctx, p); err != nil {
			return cerr.WrapStorageDeleteError("step", err)
		}
	}
	return nil
}

type YAMLCheckpointRepository struct {
	storage storage.Storage
}

func NewYAMLCheckpointRepository(s storage.Storage) *YAMLCheckpointRepository {
	return &YAMLCheckpointRepository{storage: s}
}

func (r *YAMLCheckpointRepository) Create(ctx context.Context, c *state.Checkpoint) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal checkpoint: %w", err))
	}
	if err := r.storage.Write(ctx, checkpointPath(c.TaskID, c.Seq, c.ID), data); err != nil {
		return cerr.WrapStorageWriteError("checkpoint", err)
	}
	return nil
}

func (r *YAMLCheckpointRepository) Get(ctx context.Context, taskID, id string) (*state.Checkpoint, error) {
	checkpoints, err := r.List(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range checkpoints {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound,
		fmt.Sprintf("checkpoint %s not found for task %s", id, taskID),
		fmt.Errorf("%w: %s", state.ErrCheckpointNotFound, id))
}

func (r *YAMLCheckpointRepository) List(ctx context.Context, taskID string) ([]*state.Checkpoint, error) {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", checkpointsPrefix, taskID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("checkpoints", err)
	}
	// Paths sort oldest-first by sequence; callers expect
	// most-recent-first.
	sort.Sort(sort.Reverse(sort.StringSlice(paths)))

	checkpoints := make([]*state.Checkpoint, 0, len(paths))
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			return nil, cerr.WrapStorageReadError("checkpoint", err)
		}
		var c state.Checkpoint
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal checkpoint: %w", err))
		}
		checkpoints = append(checkpoints, &c)
	}
	return checkpoints, nil
}

func (r *YAMLCheckpointRepository) Delete(ctx context.Context, c *state.Checkpoint) error {
	if err := r.storage.Delete(ctx, checkpointPath(c.TaskID, c.Seq, c.ID)); err != nil {
		return cerr.WrapStorageDeleteError("checkpoint", err)
	}
	return nil
}

func (r *YAMLCheckpointRepository) DeleteAll(ctx context.Context, taskID string) error {
	paths, err := r.storage.List(ctx, fmt.Sprintf("%s/%s", checkpointsPrefix, taskID))
	if err != nil {
		return cerr.WrapStorageReadError("checkpoints", err)
	}
	for _, p := range paths {
		if err := r.storage.Delete(ctx, p); err != nil {
			return cerr.WrapStorageDeleteError("checkpoint", err)
		}
	}
	return nil
}
