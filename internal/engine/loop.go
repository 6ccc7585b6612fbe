// Package engine drives the per-task reasoning cycle: build context,
// invoke the model, dispatch the parsed action, record a step and
// checkpoint, repeat until the task terminates or suspends.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeworks/agentd/internal/model"
	"github.com/forgeworks/agentd/internal/state"
	"github.com/forgeworks/agentd/internal/task"
	"github.com/forgeworks/agentd/internal/tool"
	"github.com/forgeworks/agentd/pkg/clog"
	"github.com/forgeworks/agentd/pkg/metrics"
)

var (
	// ErrLimitExceeded terminates a task that hit its iteration or
	// tool-call ceiling.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrTimeout terminates a task whose wall-clock budget ran out.
	ErrTimeout = errors.New("timeout exceeded")
)

// recentMessageLimit is how many conversation messages are fed to the
// model verbatim; older ones collapse into a summary line each.
const recentMessageLimit = 20

type Options struct {
	Temperature   float64
	MaxTokens     int
	RecentContext int
}

// Loop executes one claimed task. A Loop instance is stateless across
// tasks and safe to share between worker goroutines; all mutable state
// lives in the task record, the step log and checkpoints.
type Loop struct {
	queue    *task.Queue
	state    *state.Manager
	registry *tool.Registry
	client   model.Client
	recorder *metrics.Recorder
	opts     Options
}

func NewLoop(queue *task.Queue, st *state.Manager, registry *tool.Registry, client model.Client, recorder *metrics.Recorder, opts Options) *Loop {
	if opts.RecentContext <= 0 {
		opts.RecentContext = recentMessageLimit
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Loop{
		queue:    queue,
		state:    st,
		registry: registry,
		client:   client,
		recorder: recorder,
		opts:     opts,
	}
}

// run-local resumable state, persisted via checkpoints.
type runState struct {
	iteration    int
	toolCalls    int
	conversation []model.Message
	artifacts    []string
	lastStepID   string
}

// Run drives a freshly claimed task until it terminates or suspends.
// The claim id must be the one Claim returned; status writes are
// rejected once another execution owns the task.
func (l *Loop) Run(ctx context.Context, t *task.Task, claimID string) error {
	ctx = clog.ContextWithSlog(ctx)
	clog.AddAttributes(ctx, map[string]any{"task_id": t.ID, "claim_id": claimID})

	rs, err := l.seed(ctx, t)
	if err != nil {
		return l.fail(ctx, t, claimID, rs, fmt.Errorf("failed to seed run state: %w", err))
	}

	// An approved high-risk call left over from the waiting state runs
	// before any new reasoning.
	if t.Confirmation == task.ConfirmationApproved && t.PendingStepID != "" {
		if err := l.executeConfirmed(ctx, t, claimID, rs); err != nil {
			return l.fail(ctx, t, claimID, rs, err)
		}
	}
	if err := l.queue.ClearSuspension(ctx, t.ID, claimID); err != nil {
		if errors.Is(err, task.ErrClaimMismatch) {
			slog.InfoContext(ctx, "task no longer owned by this execution, stopping loop")
			return nil
		}
		return err
	}

	deadline := time.Now().Add(t.Config.Timeout)

	for {
		iterStart := time.Now()

		// Cancellation and pause are observed here, at the top of the
		// iteration, never mid-call.
		current, err := l.queue.Get(ctx, t.ID)
		if err != nil {
			return err
		}
		switch {
		case current.Status != task.StatusRunning || current.ClaimID != claimID:
			slog.InfoContext(ctx, "task no longer owned by this execution, stopping loop",
				"status", current.Status)
			return nil
		case current.CancelRequested:
			if _, err := l.queue.FinishCancelled(ctx, t.ID, claimID); err != nil {
				return err
			}
			l.recorder.ObserveTask(string(task.StatusCancelled))
			return nil
		}

		if rs.iteration >= t.Config.MaxIterations {
			return l.fail(ctx, t, claimID, rs,
				fmt.Errorf("%w: max iterations (%d) reached", ErrLimitExceeded, t.Config.MaxIterations))
		}
		if rs.toolCalls >= t.Config.MaxToolCalls {
			return l.fail(ctx, t, claimID, rs,
				fmt.Errorf("%w: max tool calls (%d) reached", ErrLimitExceeded, t.Config.MaxToolCalls))
		}
		if t.Config.Timeout > 0 && time.Now().After(deadline) {
			return l.fail(ctx, t, claimID, rs,
				fmt.Errorf("%w: task exceeded %s", ErrTimeout, t.Config.Timeout))
		}

		resp, err := l.invoke(ctx, t, rs)
		if err != nil {
			return l.fail(ctx, t, claimID, rs, err)
		}
		rs.iteration++

		action := ParseAction(resp.Content)
		done, err := l.dispatch(ctx, t, claimID, rs, resp.Content, action)
		l.recorder.ObserveIteration(time.Since(iterStart))
		if err != nil {
			return l.fail(ctx, t, claimID, rs, err)
		}
		if done {
			return nil
		}
	}
}

// dispatch handles one parsed action. It reports done=true when the
// task reached a terminal or suspended status.
func (l *Loop) dispatch(ctx context.Context, t *task.Task, claimID string, rs *runState, rawContent string, action Action) (bool, error) {
	switch action.Type {
	case ActionAnswer:
		step, err := l.appendStep(ctx, &state.Step{
			TaskID:  t.ID,
			Type:    state.StepAnswer,
			Content: action.Answer,
			Status:  state.StepStatusSucceeded,
		})
		if err != nil {
			return false, err
		}
		rs.conversation = append(rs.conversation, model.Message{Role: model.RoleAssistant, Content: rawContent})
		rs.lastStepID = step.ID
		if err := l.snapshot(ctx, t.ID, rs); err != nil {
			return false, err
		}
		if _, err := l.queue.Complete(ctx, t.ID, claimID, action.Answer); err != nil {
			return false, err
		}
		l.recorder.ObserveTask(string(task.StatusCompleted))
		return true, nil

	case ActionThought:
		step, err := l.appendStep(ctx, &state.Step{
			TaskID:  t.ID,
			Type:    state.StepThought,
			Content: action.Thought,
			Status:  state.StepStatusSucceeded,
		})
		if err != nil {
			return false, err
		}
		rs.conversation = append(rs.conversation, model.Message{Role: model.RoleAssistant, Content: rawContent})
		rs.lastStepID = step.ID
		return false, l.snapshot(ctx, t.ID, rs)

	case ActionToolCall:
		if l.requiresConfirmation(t, action.ToolName) {
			return true, l.suspendForConfirmation(ctx, t, claimID, rs, rawContent, action)
		}
		return false, l.executeTool(ctx, t, rs, rawContent, action.ToolName, action.ToolArgs)

	default:
		// The parser is exhaustive; an unknown type here is a bug.
		return false, fmt.Errorf("unhandled action type %q", action.Type)
	}
}

// requiresConfirmation applies the per-tool flag, optionally overridden
// by the task config forcing confirmation for every call. Unknown
// tools never suspend; they fail at execution and the failure feeds
// back into the next prompt.
func (l *Loop) requiresConfirmation(t *task.Task, toolName string) bool {
	if t.Config.RequireConfirmation {
		if _, err := l.registry.Get(toolName); err == nil {
			return true
		}
		return false
	}
	return l.registry.RequiresConfirmation(toolName)
}

func (l *Loop) suspendForConfirmation(ctx context.Context, t *task.Task, claimID string, rs *runState, rawContent string, action Action) error {
	step, err := l.appendStep(ctx, &state.Step{
		TaskID:   t.ID,
		Type:     state.StepWaitConfirmation,
		Content:  fmt.Sprintf("awaiting confirmation for tool %q", action.ToolName),
		Status:   state.StepStatusAwaitingConfirmation,
		ToolName: action.ToolName,
		ToolArgs: action.ToolArgs,
	})
	if err != nil {
		return err
	}
	rs.conversation = append(rs.conversation, model.Message{Role: model.RoleAssistant, Content: rawContent})
	rs.lastStepID = step.ID
	if err := l.snapshot(ctx, t.ID, rs); err != nil {
		return err
	}
	if _, err := l.queue.MarkWaiting(ctx, t.ID, claimID, step.ID); err != nil {
		return err
	}
	slog.InfoContext(ctx, "task suspended for confirmation", "tool", action.ToolName, "step_id", step.ID)
	return nil
}

// executeConfirmed runs the high-risk call that was approved while the
// task sat in waiting.
func (l *Loop) executeConfirmed(ctx context.Context, t *task.Task, claimID string, rs *runState) error {
	steps, err := l.state.GetSteps(ctx, t.ID, 0)
	if err != nil {
		return err
	}
	var pending *state.Step
	for _, s := range steps {
		if s.ID == t.PendingStepID {
			pending = s
			break
		}
	}
	if pending == nil {
		return fmt.Errorf("pending step %s not found", t.PendingStepID)
	}
	slog.InfoContext(ctx, "executing confirmed tool call", "tool", pending.ToolName, "step_id", pending.ID)
	return l.executeTool(ctx, t, rs, "", pending.ToolName, pending.ToolArgs)
}

func (l *Loop) executeTool(ctx context.Context, t *task.Task, rs *runState, rawContent, name string, args map[string]any) error {
	started := time.Now()
	result, execErr := l.registry.Execute(ctx, name, args, tool.CallContext{
		TaskID:  t.ID,
		OwnerID: t.OwnerID,
	})
	if execErr != nil {
		// Unknown tool: recorded as a failed step, loop continues.
		result = tool.Result{Success: false, Error: execErr.Error()}
	}

	status := state.StepStatusSucceeded
	if !result.Success {
		status = state.StepStatusFailed
	}
	step, err := l.appendStep(ctx, &state.Step{
		TaskID:   t.ID,
		Type:     state.StepToolCall,
		Content:  fmt.Sprintf("tool %q", name),
		Status:   status,
		ToolName: name,
		ToolArgs: args,
		ToolResult: &state.ToolResult{
			Success:   result.Success,
			Output:    result.Output,
			Error:     result.Error,
			Artifacts: result.Artifacts,
		},
		StartedAt:   started,
		CompletedAt: time.Now(),
		Duration:    time.Since(started),
	})
	if err != nil {
		return err
	}

	rs.toolCalls++
	rs.artifacts = append(rs.artifacts, result.Artifacts...)
	if rawContent != "" {
		rs.conversation = append(rs.conversation, model.Message{Role: model.RoleAssistant, Content: rawContent})
	}
	rs.conversation = append(rs.conversation, model.Message{Role: model.RoleUser, Content: observation(name, result)})
	rs.lastStepID = step.ID
	return l.snapshot(ctx, t.ID, rs)
}

func (l *Loop) invoke(ctx context.Context, t *task.Task, rs *runState) (model.Response, error) {
	resp, err := l.client.Invoke(ctx, model.Request{
		Messages:    l.buildContext(t, rs),
		Temperature: l.opts.Temperature,
		MaxTokens:   l.opts.MaxTokens,
	})
	l.recorder.ObserveModelRequest(err)
	if err != nil {
		return model.Response{}, fmt.Errorf("model invocation failed: %w", err)
	}
	return resp, nil
}

// buildContext assembles the prompt: instructions + goal + tool
// descriptors as system, then a one-line summary of older messages,
// then the most recent messages verbatim.
func (l *Loop) buildContext(t *task.Task, rs *runState) []model.Message {
	var sys strings.Builder
	sys.WriteString("You are a task execution agent. Work toward the goal step by step.\n\n")
	sys.WriteString("Goal: ")
	sys.WriteString(t.Goal)
	sys.WriteString("\n\nAvailable tools:\n")
	for _, d := range l.registry.ListAll() {
		sys.WriteString("- ")
		sys.WriteString(d.Name)
		sys.WriteString(": ")
		sys.WriteString(d.Description)
		for name, p := range d.Parameters {
			sys.WriteString(fmt.Sprintf("\n    %s (%s, required=%t): %s", name, p.Type, p.Required, p.Description))
		}
		sys.WriteString("\n")
	}
	sys.WriteString("\nRespond with exactly one JSON object, one of:\n")
	sys.WriteString(`{"type":"answer","answer":"<final answer>"}` + "\n")
	sys.WriteString(`{"type":"tool_call","tool":"<name>","args":{...}}` + "\n")
	sys.WriteString(`{"type":"thought","thought":"<reasoning>"}` + "\n")

	messages := []model.Message{{Role: model.RoleSystem, Content: sys.String()}}

	conversation := rs.conversation
	if len(conversation) > l.opts.RecentContext {
		older := conversation[:len(conversation)-l.opts.RecentContext]
		var summary strings.Builder
		summary.WriteString("Summary of earlier progress:\n")
		for _, m := range older {
			summary.WriteString("- ")
			summary.WriteString(firstLine(m.Content))
			summary.WriteString("\n")
		}
		messages = append(messages, model.Message{Role: model.RoleUser, Content: summary.String()})
		conversation = conversation[len(conversation)-l.opts.RecentContext:]
	}

	messages = append(messages, conversation...)
	if len(rs.conversation) == 0 {
		messages = append(messages, model.Message{Role: model.RoleUser, Content: t.Goal})
	}
	return messages
}

func (l *Loop) appendStep(ctx context.Context, step *state.Step) (*state.Step, error) {
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC()
	}
	if step.CompletedAt.IsZero() && step.Status != state.StepStatusAwaitingConfirmation {
		step.CompletedAt = time.Now().UTC()
	}
	appended, err := l.state.AppendStep(ctx, step)
	if err != nil {
		return nil, err
	}
	l.recorder.ObserveStep(string(step.Type), string(step.Status))
	return appended, nil
}

func (l *Loop) snapshot(ctx context.Context, taskID string, rs *runState) error {
	_, err := l.state.Snapshot(ctx, taskID, state.Snapshot{
		Iteration:  rs.iteration,
		ToolCalls:  rs.toolCalls,
		Messages:   rs.conversation,
		Artifacts:  rs.artifacts,
		LastStepID: rs.lastStepID,
	})
	return err
}

// seed loads the run state: from an explicitly requested checkpoint,
// else the most recent one, else a fresh state for a first run.
func (l *Loop) seed(ctx context.Context, t *task.Task) (*runState, error) {
	cp, err := l.state.Restore(ctx, t.ID, t.RestoreCheckpointID)
	if err != nil {
		if errors.Is(err, state.ErrCheckpointNotFound) && t.RestoreCheckpointID == "" {
			return &runState{}, nil
		}
		return nil, err
	}
	slog.InfoContext(ctx, "resuming from checkpoint",
		"checkpoint_id", cp.ID, "iteration", cp.Iteration, "tool_calls", cp.ToolCalls)
	return &runState{
		iteration:    cp.Iteration,
		toolCalls:    cp.ToolCalls,
		conversation: cp.Messages,
		artifacts:    cp.Artifacts,
		lastStepID:   cp.LastStepID,
	}, nil
}

func (l *Loop) fail(ctx context.Context, t *task.Task, claimID string, rs *runState, failErr error) error {
	clog.AddError(ctx, failErr)
	slog.ErrorContext(ctx, "task failed", "iteration", iterationOf(rs))
	if rs != nil {
		if err := l.snapshot(ctx, t.ID, rs); err != nil {
			slog.WarnContext(ctx, "failed to snapshot failing task", "error", err)
		}
	}
	if _, err := l.queue.Fail(ctx, t.ID, claimID, failErr.Error()); err != nil {
		return err
	}
	l.recorder.ObserveTask(string(task.StatusFailed))
	return nil
}

func iterationOf(rs *runState) int {
	if rs == nil {
		return 0
	}
	return rs.iteration
}

func firstLine(s string) string {
	if line, _, found := strings.Cut(s, "\n"); found {
		return line
	}
	return s
}

func observation(name string, result tool.Result) string {
	payload := map[string]any{
		"tool":    name,
		"success": result.Success,
	}
	if result.Output != "" {
		payload["output"] = result.Output
	}
	if result.Error != "" {
		payload["error"] = result.Error
	}
	if len(result.Artifacts) > 0 {
		payload["artifacts"] = result.Artifacts
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("tool %s result: success=%t", name, result.Success)
	}
	return string(b)
}
