package state_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/agentd/internal/eventbus"
	"github.com/forgeworks/agentd/internal/model"
	"github.com/forgeworks/agentd/internal/state"
	"github.com/forgeworks/agentd/internal/state/repositoryimpl"
	"github.com/forgeworks/agentd/pkg/storage"
)

func newManager(t *testing.T) *state.Manager {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return state.NewManager(
		repositoryimpl.NewYAMLStepRepository(store),
		repositoryimpl.NewYAMLCheckpointRepository(store),
		eventbus.New(),
	)
}

func TestAppendStepAssignsSequence(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	for i := 0; i < 3; i++ {
		step, err := m.AppendStep(ctx, &state.Step{
			TaskID:  "t1",
			Type:    state.StepThought,
			Content: fmt.Sprintf("thought %d", i),
			Status:  state.StepStatusSucceeded,
		})
		require.NoError(t, err)
		assert.Equal(t, i, step.Seq)
		assert.NotEmpty(t, step.ID)
	}

	steps, err := m.GetSteps(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i, s.Seq, "steps must come back in append order")
	}
}

func TestGetStepsLimitKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	for i := 0; i < 5; i++ {
		_, err := m.AppendStep(ctx, &state.Step{
			TaskID:  "t1",
			Type:    state.StepThought,
			Content: fmt.Sprintf("thought %d", i),
			Status:  state.StepStatusSucceeded,
		})
		require.NoError(t, err)
	}

	steps, err := m.GetSteps(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 3, steps[0].Seq)
	assert.Equal(t, 4, steps[1].Seq)
}

func TestSequenceSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	stepRepo := repositoryimpl.NewYAMLStepRepository(store)
	cpRepo := repositoryimpl.NewYAMLCheckpointRepository(store)

	m := state.NewManager(stepRepo, cpRepo, eventbus.New())
	for i := 0; i < 2; i++ {
		_, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
		require.NoError(t, err)
	}

	// A fresh manager over the same storage must continue the sequence,
	// not restart it.
	m2 := state.NewManager(stepRepo, cpRepo, eventbus.New())
	step, err := m2.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 2, step.Seq)
}

func TestSnapshotAndRestore(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	messages := []model.Message{
		{Role: model.RoleUser, Content: "goal: summarize the report"},
		{Role: model.RoleAssistant, Content: `{"type":"thought","thought":"reading"}`},
	}
	step, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
	require.NoError(t, err)

	first, err := m.Snapshot(ctx, "t1", state.Snapshot{
		Iteration:  1,
		ToolCalls:  0,
		Messages:   messages,
		LastStepID: step.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Seq, "checkpoint seq follows the step counter")

	_, err = m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepToolCall, ToolName: "shell", Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	second, err := m.Snapshot(ctx, "t1", state.Snapshot{Iteration: 2, ToolCalls: 1, Messages: messages})
	require.NoError(t, err)

	// Named restore.
	restored, err := m.Restore(ctx, "t1", first.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, restored.Iteration)
	assertSameConversation(t, messages, restored.Messages)

	// Empty id restores the most recent checkpoint.
	latest, err := m.Restore(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	list, err := m.GetCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "checkpoints list most-recent-first")
}

func TestRestoreMissingCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, err := m.Restore(ctx, "t1", "")
	assert.ErrorIs(t, err, state.ErrCheckpointNotFound)

	_, err = m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, "t1", state.Snapshot{Iteration: 1})
	require.NoError(t, err)

	_, err = m.Restore(ctx, "t1", "no-such-checkpoint")
	assert.ErrorIs(t, err, state.ErrCheckpointNotFound)
}

func TestRestoreDoesNotRewriteSteps(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	for i := 0; i < 3; i++ {
		_, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
		require.NoError(t, err)
	}
	cp, err := m.Snapshot(ctx, "t1", state.Snapshot{Iteration: 3})
	require.NoError(t, err)

	_, err = m.Restore(ctx, "t1", cp.ID)
	require.NoError(t, err)

	// The step log is append-only; restore must not touch it, and new
	// steps continue after the existing prefix.
	steps, err := m.GetSteps(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, steps, 3)

	step, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepAnswer, Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 3, step.Seq)
}

func TestPurgeRemovesAllState(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)

	_, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	_, err = m.Snapshot(ctx, "t1", state.Snapshot{Iteration: 1})
	require.NoError(t, err)

	require.NoError(t, m.Purge(ctx, "t1"))

	steps, err := m.GetSteps(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, steps)
	_, err = m.Restore(ctx, "t1", "")
	assert.ErrorIs(t, err, state.ErrCheckpointNotFound)

	// Sequence restarts from zero after a purge.
	step, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, 0, step.Seq)
}

func TestCheckpointRetention(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	m := state.NewManager(
		repositoryimpl.NewYAMLStepRepository(store),
		repositoryimpl.NewYAMLCheckpointRepository(store),
		eventbus.New(),
		state.WithCheckpointRetention(2),
	)

	var last *state.Checkpoint
	for i := 0; i < 5; i++ {
		_, err := m.AppendStep(ctx, &state.Step{TaskID: "t1", Type: state.StepThought, Status: state.StepStatusSucceeded})
		require.NoError(t, err)
		last, err = m.Snapshot(ctx, "t1", state.Snapshot{Iteration: i + 1})
		require.NoError(t, err)
	}

	list, err := m.GetCheckpoints(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, last.ID, list[0].ID)
	assert.Equal(t, 5, list[0].Iteration)
	assert.Equal(t, 4, list[1].Iteration)
}

func TestDuplicateSequenceRejected(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	repo := repositoryimpl.NewYAMLStepRepository(store)

	require.NoError(t, repo.Append(ctx, &state.Step{ID: "s1", TaskID: "t1", Seq: 0, Type: state.StepThought}))
	err = repo.Append(ctx, &state.Step{ID: "s2", TaskID: "t1", Seq: 0, Type: state.StepThought})
	assert.Error(t, err, "a second step at the same seq must be rejected")
}

func assertSameConversation(t *testing.T, want, got []model.Message) {
	t.Helper()
	if len(want) == len(got) {
		same := true
		for i := range want {
			if want[i] != got[i] {
				same = false
				break
			}
		}
		if same {
			return
		}
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        messageLines(want),
		B:        messageLines(got),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	t.Fatalf("restored conversation diverges:\n%s", diff)
}

func messageLines(msgs []model.Message) []string {
	lines := make([]string, len(msgs))
	for i, m := range msgs {
		lines[i] = fmt.Sprintf("%s: %s\n", m.Role, m.Content)
	}
	return lines
}
