// Package storage abstracts the durable key-value store that task,
// step and checkpoint records persist to. Keys are slash-separated
// paths; values are opaque byte blobs.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested path does not exist.
var ErrNotFound = errors.New("not found")

// Storage is the minimal contract the repositories need: create/read/
// update/delete by path plus prefix listing. Implementations must be
// safe for concurrent use across different paths.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}
