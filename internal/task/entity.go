package task

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ConfirmationState tracks the approval of a pending high-risk tool
// call while the task sits in StatusWaiting.
type ConfirmationState string

const (
	ConfirmationNone      ConfirmationState = ""
	ConfirmationRequested ConfirmationState = "requested"
	ConfirmationApproved  ConfirmationState = "approved"
)

// Config bounds a single task's execution. Zero values are replaced
// with queue defaults at submission time.
type Config struct {
	MaxIterations       int           `yaml:"max_iterations" json:"max_iterations"`
	MaxToolCalls        int           `yaml:"max_tool_calls" json:"max_tool_calls"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout"`
	RequireConfirmation bool          `yaml:"require_confirmation" json:"require_confirmation"`
}

type Task struct {
	ID      string `yaml:"id" json:"id"`
	OwnerID string `yaml:"owner_id" json:"owner_id"`
	Goal    string `yaml:"goal" json:"goal"`
	Config  Config `yaml:"config" json:"config"`
	Status  Status `yaml:"status" json:"status"`
	// Priority orders claiming; higher runs sooner.
	Priority int `yaml:"priority" json:"priority"`
	// ClaimID identifies the worker execution currently driving the
	// task. A running task whose claim id belongs to a dead process is
	// recovered on worker start.
	ClaimID             string            `yaml:"claim_id,omitempty" json:"claim_id,omitempty"`
	Confirmation        ConfirmationState `yaml:"confirmation,omitempty" json:"confirmation,omitempty"`
	PendingStepID       string            `yaml:"pending_step_id,omitempty" json:"pending_step_id,omitempty"`
	RestoreCheckpointID string            `yaml:"restore_checkpoint_id,omitempty" json:"restore_checkpoint_id,omitempty"`
	CancelRequested     bool              `yaml:"cancel_requested,omitempty" json:"cancel_requested,omitempty"`
	Result              string            `yaml:"result,omitempty" json:"result,omitempty"`
	Error               string            `yaml:"error,omitempty" json:"error,omitempty"`
	CreatedAt           time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt           time.Time         `yaml:"updated_at" json:"updated_at"`
}

// canTransition is the single source of truth for the status machine.
// Every status write in the queue goes through it.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		switch to {
		case StatusPaused, StatusWaiting, StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusPaused:
		return to == StatusPending || to == StatusCancelled
	case StatusWaiting:
		return to == StatusRunning || to == StatusCancelled
	case StatusCompleted, StatusFailed, StatusCancelled:
		// Terminal states are left only by an explicit
		// restore-from-checkpoint requeue.
		return to == StatusPending
	}
	return false
}
