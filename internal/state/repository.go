package state

import "context"

type StepRepository interface {
	// Append persists a step whose Seq has already been assigned.
	Append(ctx context.Context, s *Step) error
	// List returns the task's steps in append order.
	List(ctx context.Context, taskID string) ([]*Step, error)
	DeleteAll(ctx context.Context, taskID string) error
}

type CheckpointRepository interface {
	Create(ctx context.Context, c *Checkpoint) error
	Get(ctx context.Context, taskID, id string) (*Checkpoint, error)
	// List returns the task's checkpoints most-recent-first.
	List(ctx context.Context, taskID string) ([]*Checkpoint, error)
	Delete(ctx context.Context, c *Checkpoint) error
	DeleteAll(ctx context.Context, taskID string) error
}
