package state

import (
	"errors"
	"time"

	"github.com/forgeworks/agentd/internal/model"
)

// ErrCheckpointNotFound is returned when a restore names an unknown
// checkpoint id or the task has no checkpoints at all.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

type StepType string

const (
	StepThought          StepType = "thought"
	StepToolCall         StepType = "tool_call"
	StepAnswer           StepType = "answer"
	StepWaitConfirmation StepType = "wait_confirmation"
)

type StepStatus string

const (
	StepStatusPending              StepStatus = "pending"
	StepStatusRunning              StepStatus = "running"
	StepStatusSucceeded            StepStatus = "succeeded"
	StepStatusFailed               StepStatus = "failed"
	StepStatusAwaitingConfirmation StepStatus = "awaiting_confirmation"
)

// ToolResult records the outcome of one tool execution. Output is
// truncated by the executor; Artifacts are opaque references collected
// into later checkpoints.
type ToolResult struct {
	Success   bool     `yaml:"success" json:"success"`
	Output    string   `yaml:"output,omitempty" json:"output,omitempty"`
	Error     string   `yaml:"error,omitempty" json:"error,omitempty"`
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Step is one immutable record of a loop iteration. A task's step
// sequence is its full execution trace; Seq fixes the total order.
type Step struct {
	ID          string            `yaml:"id" json:"id"`
	TaskID      string            `yaml:"task_id" json:"task_id"`
	Seq         int               `yaml:"seq" json:"seq"`
	Type        StepType          `yaml:"type" json:"type"`
	Content     string            `yaml:"content" json:"content"`
	Status      StepStatus        `yaml:"status" json:"status"`
	ToolName    string            `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	ToolArgs    map[string]any    `yaml:"tool_args,omitempty" json:"tool_args,omitempty"`
	ToolResult  *ToolResult       `yaml:"tool_result,omitempty" json:"tool_result,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	StartedAt   time.Time         `yaml:"started_at" json:"started_at"`
	CompletedAt time.Time         `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	Duration    time.Duration     `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// Checkpoint is a durable snapshot of a task's resumable state,
// created at loop boundaries. Seq is monotonic with the step sequence.
type Checkpoint struct {
	ID         string          `yaml:"id" json:"id"`
	TaskID     string          `yaml:"task_id" json:"task_id"`
	Seq        int             `yaml:"seq" json:"seq"`
	Iteration  int             `yaml:"iteration" json:"iteration"`
	ToolCalls  int             `yaml:"tool_calls" json:"tool_calls"`
	Messages   []model.Message `yaml:"messages" json:"messages"`
	Artifacts  []string        `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	LastStepID string          `yaml:"last_step_id,omitempty" json:"last_step_id,omitempty"`
	CreatedAt  time.Time       `yaml:"created_at" json:"created_at"`
}
