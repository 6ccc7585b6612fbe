package cerr

import (
	"errors"
	"fmt"

	"github.com/forgeworks/agentd/pkg/storage"
)

// The Wrap* helpers translate storage-layer failures into coded errors
// at the repository boundary. Missing records map to NotFound so the
// HTTP layer answers 404; everything else surfaces as a generic
// Internal with the cause attached for the log, not the client.

// WrapStorageReadError wraps a failed read of the named record.
func WrapStorageReadError(target string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), err)
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to read %s: %w", target, err))
}

// WrapStorageWriteError wraps a failed write. Writes have no NotFound
// case: the backends create missing prefixes on the way down.
func WrapStorageWriteError(target string, err error) error {
	return NewError(Internal, "server error", fmt.Errorf("failed to write %s: %w", target, err))
}

// WrapStorageDeleteError wraps a failed delete of the named record.
func WrapStorageDeleteError(target string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return NewError(NotFound, fmt.Sprintf("%s not found", target), err)
	}
	return NewError(Internal, "server error", fmt.Errorf("failed to delete %s: %w", target, err))
}
