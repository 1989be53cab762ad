package workflow

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestState(t *testing.T) *WorkflowState {
	t.Helper()
	state, err := NewWorkflowState("sess-1", "Coyote v. Acme", PhaseIntake, 3)
	require.NoError(t, err)
	return state
}

func TestNewWorkflowState(t *testing.T) {
	state := newTestState(t)

	assert.Equal(t, PhaseIntake, state.CurrentPhase)
	assert.Equal(t, OverallRunning, state.OverallStatus)
	assert.Equal(t, StatusInProgress, state.PhaseStatuses[PhaseIntake])
	for _, p := range Phases[1:] {
		assert.Equal(t, StatusPending, state.PhaseStatuses[p], "phase %s", p)
	}
	assert.Equal(t, 0, state.ResearchLoopCount)
	assert.Equal(t, 3, state.MaxResearchLoops)
}

func TestNewWorkflowStateValidation(t *testing.T) {
	_, err := NewWorkflowState("", "case", PhaseIntake, 3)
	assert.ErrorIs(t, err, ErrSessionIDRequired)

	_, err = NewWorkflowState("s", "", PhaseIntake, 3)
	assert.ErrorIs(t, err, ErrCaseNameRequired)

	_, err = NewWorkflowState("s", "case", Phase("bogus"), 3)
	assert.Error(t, err)
}

func TestReadyTasksDependencyGating(t *testing.T) {
	state := newTestState(t)

	require.NoError(t, state.AddTask(&Task{ID: "a", Phase: PhaseIntake, Status: StatusPending}))
	require.NoError(t, state.AddTask(&Task{ID: "b", Phase: PhaseIntake, Status: StatusPending, DependsOn: []string{"a"}}))

	ready := state.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID, "b must not be ready while a is incomplete")

	require.NoError(t, state.MarkTaskStarted("a", "agent-1"))
	require.NoError(t, state.MarkTaskCompleted("a", nil))

	ready = state.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestReadyTasksExcludesOtherPhases(t *testing.T) {
	state := newTestState(t)

	require.NoError(t, state.AddTask(&Task{ID: "a", Phase: PhaseIntake, Status: StatusPending}))
	require.NoError(t, state.AddTask(&Task{ID: "z", Phase: PhaseDrafting, Status: StatusPending}))

	ready := state.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "a", ready[0].ID)
}

func TestReadyTasksPriorityOrder(t *testing.T) {
	state := newTestState(t)

	require.NoError(t, state.AddTask(&Task{ID: "low", Phase: PhaseIntake, Status: StatusPending, Priority: PriorityLow}))
	require.NoError(t, state.AddTask(&Task{ID: "crit", Phase: PhaseIntake, Status: StatusPending, Priority: PriorityCritical}))
	require.NoError(t, state.AddTask(&Task{ID: "norm", Phase: PhaseIntake, Status: StatusPending, Priority: PriorityNormal}))

	ready := state.ReadyTasks()
	require.Len(t, ready, 3)
	assert.Equal(t, "crit", ready[0].ID)
	assert.Equal(t, "norm", ready[1].ID)
	assert.Equal(t, "low", ready[2].ID)
}

func TestPhaseCompleteVacuous(t *testing.T) {
	state := newTestState(t)
	assert.True(t, state.PhaseComplete(PhaseIntake), "phase with zero tasks is vacuously complete")
}

func TestPhaseCompleteWithBlockedDependents(t *testing.T) {
	state := newTestState(t)

	require.NoError(t, state.AddTask(&Task{ID: "up", Phase: PhaseIntake, Status: StatusPending}))
	require.NoError(t, state.AddTask(&Task{ID: "down", Phase: PhaseIntake, Status: StatusPending, DependsOn: []string{"up"}}))

	assert.False(t, state.PhaseComplete(PhaseIntake))

	require.NoError(t, state.MarkTaskStarted("up", "agent-1"))
	require.NoError(t, state.MarkTaskFailed("up", "boom"))

	// "down" can never run, but the phase must not deadlock on it.
	assert.True(t, state.PhaseComplete(PhaseIntake))
	assert.True(t, state.PermanentlyBlocked(state.Tasks["down"]))

	counts := state.CountTasks()
	assert.Equal(t, 1, counts.Failed)
	assert.Equal(t, 1, counts.Blocked)
}

func TestMarkTaskCompletedRecordsOutput(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.AddTask(&Task{ID: "a", Phase: PhaseIntake, Status: StatusPending}))

	require.NoError(t, state.MarkTaskStarted("a", "agent-7"))
	task := state.Tasks["a"]
	assert.Equal(t, StatusInProgress, task.Status)
	assert.NotNil(t, task.StartedAt)
	assert.Equal(t, "agent-7", task.AssignedAgent)

	require.NoError(t, state.MarkTaskCompleted("a", map[string]any{"summary": "done"}))
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "done", task.OutputData["summary"])
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, []string{"a"}, state.CompletedTasks)
}

func TestMarkTaskCompletedRejectsInvalidTransition(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.AddTask(&Task{ID: "a", Phase: PhaseIntake, Status: StatusPending}))

	err := state.MarkTaskCompleted("a", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "pending cannot jump straight to completed")
}

func TestRequeueTask(t *testing.T) {
	state := newTestState(t)
	require.NoError(t, state.AddTask(&Task{ID: "a", Phase: PhaseIntake, Status: StatusPending, MaxRetries: 2}))

	require.NoError(t, state.MarkTaskStarted("a", "agent-1"))
	require.NoError(t, state.RequeueTask("a", "transient error"))

	task := state.Tasks["a"]
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, "transient error", task.LastError)
	assert.Nil(t, task.StartedAt)
}

func TestMergeContextLastWriteWins(t *testing.T) {
	state := newTestState(t)

	state.MergeContext(map[string]any{"jurisdiction": "CA", "x": 1})
	state.MergeContext(map[string]any{"x": 2})

	assert.Equal(t, "CA", state.GlobalContext["jurisdiction"])
	assert.Equal(t, 2, state.GlobalContext["x"])
}

// Two tasks writing the same key must merge deterministically when applied in
// task-id order, regardless of completion interleaving.
func TestMergeContextDeterministic(t *testing.T) {
	run := func() any {
		state := newTestState(t)
		updates := map[string]map[string]any{
			"task.a": {"winner": "a"},
			"task.b": {"winner": "b"},
		}
		for _, id := range []string{"task.a", "task.b"} {
			state.MergeContext(updates[id])
		}
		return state.GlobalContext["winner"]
	}

	first := run()
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, run(), "iteration %d", i)
	}
	assert.Equal(t, "b", first)
}

func TestAppendEvidence(t *testing.T) {
	state := newTestState(t)

	state.AppendEvidence([]any{map[string]any{"citation": "17 U.S.C. § 107"}})
	state.AppendEvidence([]any{map[string]any{"citation": "Cal. Civ. Code § 1714"}})

	table, ok := state.GlobalContext[ContextKeyEvidenceTable].([]any)
	require.True(t, ok)
	assert.Len(t, table, 2)
}

func TestCollectResearchQuestions(t *testing.T) {
	state := newTestState(t)
	state.CurrentPhase = PhaseOutline

	for i, questions := range [][]string{
		{"statute of limitations?"},
		{"statute of limitations?", "venue requirements?"},
		nil,
	} {
		id := fmt.Sprintf("task.%d", i)
		task := &Task{ID: id, Phase: PhaseOutline, Status: StatusPending}
		require.NoError(t, state.AddTask(task))
		require.NoError(t, state.MarkTaskStarted(id, "agent"))
		require.NoError(t, state.MarkTaskCompleted(id, nil))
		if questions != nil {
			task.ResearchNeeded = true
			task.ResearchQuestions = questions
		}
	}

	questions, triggeredBy := state.CollectResearchQuestions(PhaseOutline)
	assert.Equal(t, []string{"statute of limitations?", "venue requirements?"}, questions,
		"questions de-duplicated in task order")
	assert.Equal(t, []string{"task.0", "task.1"}, triggeredBy)
}
