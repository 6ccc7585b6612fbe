// Package tool holds the process-wide capability registry: named,
// schema-described executors registered once at start-up and invoked
// by the agent loop.
package tool

import (
	"context"
	"errors"
)

var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// ParamSpec describes one tool parameter for prompt construction and
// argument validation.
type ParamSpec struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Descriptor is the executor-free view of a tool, safe to expose to
// prompts and the API.
type Descriptor struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Parameters  map[string]ParamSpec `json:"parameters"`
	// RequiresConfirmation marks high-risk tools whose calls suspend
	// the task until an external confirm/reject.
	RequiresConfirmation bool `json:"requires_confirmation"`
}

// Result is what every executor failure mode collapses into; the loop
// never sees an executor error as anything but a failed result.
type Result struct {
	Success   bool              `json:"success"`
	Output    string            `json:"output,omitempty"`
	Error     string            `json:"error,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// CallContext carries the identity of the calling task into executors.
type CallContext struct {
	TaskID  string
	OwnerID string
}

type Executor func(ctx context.Context, args map[string]any, call CallContext) (Result, error)

type Tool struct {
	Descriptor
	Execute Executor
}
