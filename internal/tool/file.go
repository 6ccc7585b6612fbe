package tool

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/forgeworks/agentd/pkg/storage"
)

// Task files live under a per-task artifact prefix in the engine's
// storage backend, so a task can only read what it wrote.
func artifactPath(taskID, name string) string {
	return fmt.Sprintf("artifacts/%s/%s", taskID, name)
}

// validArtifactName accepts plain file names only. The name is a
// model-supplied argument; anything with a separator or a dot segment
// could address records outside the task's artifact prefix.
func validArtifactName(name string) bool {
	return name != "" && name != "." && name != ".." && name == filepath.Base(name)
}

func NewFileReadTool(st storage.Storage) *Tool {
	return &Tool{
		Descriptor: Descriptor{
			Name:        "file_read",
			Description: "Read a previously written task file.",
			Parameters: map[string]ParamSpec{
				"name": {Type: "string", Description: "File name to read.", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any, call CallContext) (Result, error) {
			name, ok := args["name"].(string)
			if !ok || !validArtifactName(name) {
				return Result{Success: false, Error: "name must be a plain file name"}, nil
			}
			data, err := st.Read(ctx, artifactPath(call.TaskID, name))
			if err != nil {
				return Result{Success: false, Error: err.Error()}, nil
			}
			return Result{
				Success: true,
				Output:  truncate(string(data), maxOutputBytes),
			}, nil
		},
	}
}

func NewFileWriteTool(st storage.Storage) *Tool {
	return &Tool{
		Descriptor: Descriptor{
			Name:        "file_write",
			Description: "Write content to a task file; returns an artifact reference.",
			Parameters: map[string]ParamSpec{
				"name":    {Type: "string", Description: "File name to write.", Required: true},
				"content": {Type: "string", Description: "File content.", Required: true},
			},
		},
		Execute: func(ctx context.Context, args map[string]any, call CallContext) (Result, error) {
			name, ok := args["name"].(string)
			if !ok || !validArtifactName(name) {
				return Result{Success: false, Error: "name must be a plain file name"}, nil
			}
			content, ok := args["content"].(string)
			if !ok {
				return Result{Success: false, Error: "content must be a string"}, nil
			}
			p := artifactPath(call.TaskID, name)
			if err := st.Write(ctx, p, []byte(content)); err != nil {
				return Result{Success: false, Error: err.Error()}, nil
			}
			return Result{
				Success:   true,
				Output:    fmt.Sprintf("wrote %d bytes to %s", len(content), name),
				Artifacts: []string{p},
			}, nil
		},
	}
}
