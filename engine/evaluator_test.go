package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/agent"
	"github.com/lawyerfactory/lawyerfactory/research"
	"github.com/lawyerfactory/lawyerfactory/state"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Tick = 1
	cfg.Retry.BackoffBase = 1
	cfg.Retry.BackoffCap = 1
	return New(
		state.NewFileStore(t.TempDir()),
		agent.NewRegistry(),
		research.Unavailable(),
		cfg,
		NewMetrics(prometheus.NewRegistry()),
		quietLogger(),
	)
}

func newEvalState(t *testing.T, phase workflow.Phase, maxLoops int) *workflow.WorkflowState {
	t.Helper()
	st, err := workflow.NewWorkflowState("sess-1", "Coyote v. Acme", phase, maxLoops)
	require.NoError(t, err)
	return st
}

// completeTaskFlagged adds a task to the state and drives it to Completed,
// optionally flagging research.
func completeTaskFlagged(t *testing.T, st *workflow.WorkflowState, id string, phase workflow.Phase, questions []string) {
	t.Helper()
	task := &workflow.Task{ID: id, Phase: phase, Status: workflow.StatusPending}
	require.NoError(t, st.AddTask(task))
	require.NoError(t, st.MarkTaskStarted(id, "agent"))
	require.NoError(t, st.MarkTaskCompleted(id, nil))
	if len(questions) > 0 {
		task.ResearchNeeded = true
		task.ResearchQuestions = questions
	}
}

// Scenario: an empty phase is vacuously complete and advances immediately.
func TestEvaluateEmptyPhaseAdvances(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseIntake, 3)

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, workflow.PhaseOutline, st.CurrentPhase)
	assert.Equal(t, 0, st.ResearchLoopCount)
	assert.Equal(t, workflow.StatusCompleted, st.PhaseStatuses[workflow.PhaseIntake])
	assert.Equal(t, workflow.StatusInProgress, st.PhaseStatuses[workflow.PhaseOutline])
	assert.NotEmpty(t, st.PhaseTasks(workflow.PhaseOutline), "advancing generates the next phase's tasks")
}

func TestEvaluateWaitsOnLiveTasks(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseIntake, 3)
	require.NoError(t, st.AddTask(&workflow.Task{ID: "a", Phase: workflow.PhaseIntake, Status: workflow.StatusPending}))

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.False(t, progressed)
	assert.Equal(t, workflow.PhaseIntake, st.CurrentPhase)
}

// Scenario: a flagged outline task under budget enters a research loop.
func TestEvaluateEntersResearchLoop(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseOutline, 3)
	completeTaskFlagged(t, st, "outline.1", workflow.PhaseOutline, []string{"statute of limitations?"})

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)

	assert.Equal(t, 1, st.ResearchLoopCount)
	assert.Equal(t, workflow.PhaseResearch, st.CurrentPhase)
	assert.Equal(t, workflow.StatusInProgress, st.PhaseStatuses[workflow.PhaseResearch])

	require.Len(t, st.ResearchLoopHistory, 1)
	record := st.ResearchLoopHistory[0]
	assert.Equal(t, 1, record.LoopNumber)
	assert.Equal(t, workflow.PhaseOutline, record.SourcePhase)
	assert.Equal(t, workflow.LoopStatusActive, record.Status)
	assert.Equal(t, []string{"statute of limitations?"}, record.Questions)
	assert.Equal(t, []string{"outline.1"}, record.TriggeredBy)

	synthetic, err := st.Task("task.sess-1.research.loop1")
	require.NoError(t, err)
	assert.Equal(t, workflow.AgentResearch, synthetic.AgentType)
	assert.Equal(t, workflow.PhaseOutline, synthetic.ReturnToPhase)
	assert.Equal(t, []string{"statute of limitations?"}, synthetic.ResearchQuestions)

	assert.Empty(t, st.PendingResearchQuestions, "questions hand off to the task, not the queue")
	assert.False(t, st.Tasks["outline.1"].ResearchNeeded, "flag consumed on loop entry")
}

// Scenario: at the loop cap the evaluator advances instead of looping, and
// the count never exceeds the cap.
func TestEvaluateAtLoopCapAdvances(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseOutline, 3)
	st.ResearchLoopCount = 3
	completeTaskFlagged(t, st, "outline.1", workflow.PhaseOutline, []string{"statute of limitations?"})

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)

	assert.Equal(t, 3, st.ResearchLoopCount)
	assert.Equal(t, workflow.PhaseResearch, st.CurrentPhase, "successor of outline via normal advancement")
	assert.Nil(t, st.ActiveLoop())
	assert.Empty(t, st.ResearchLoopHistory)
	assert.Equal(t, workflow.StatusCompleted, st.PhaseStatuses[workflow.PhaseOutline])
	assert.Contains(t, st.PendingResearchQuestions, "statute of limitations?", "unmet request recorded")
}

// Repeated flagged tasks at the cap never increase the count.
func TestLoopBoundHoldsUnderRepeatedFlags(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseDrafting, 1)
	st.ResearchLoopCount = 1

	for i, id := range []string{"d.1", "d.2", "d.3"} {
		completeTaskFlagged(t, st, id, workflow.PhaseDrafting, []string{"more research?"})
		_, err := e.EvaluatePhase(st)
		require.NoError(t, err)
		assert.Equal(t, 1, st.ResearchLoopCount, "flag round %d", i)
		// Reset for the next round so the phase re-evaluates.
		st.CurrentPhase = workflow.PhaseDrafting
	}
}

// Non-research-capable phases never loop.
func TestIntakeNeverLoops(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseIntake, 3)
	completeTaskFlagged(t, st, "intake.1", workflow.PhaseIntake, []string{"should be ignored"})

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, 0, st.ResearchLoopCount)
	assert.Equal(t, workflow.PhaseOutline, st.CurrentPhase)
}

// Scenario: completing a loop returns to the recorded source phase.
func TestCompleteResearchLoopReturnsToSource(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseResearch, 3)
	st.ResearchLoopCount = 1
	st.ResearchLoopHistory = []workflow.ResearchLoopRecord{{
		LoopNumber:  1,
		SourcePhase: workflow.PhaseDrafting,
		Status:      workflow.LoopStatusActive,
	}}

	e.CompleteResearchLoop(st, "drafting")

	assert.Equal(t, workflow.PhaseDrafting, st.CurrentPhase)
	assert.Equal(t, workflow.StatusInProgress, st.PhaseStatuses[workflow.PhaseDrafting])
	assert.Equal(t, workflow.StatusCompleted, st.PhaseStatuses[workflow.PhaseResearch])
	assert.Equal(t, workflow.LoopStatusCompleted, st.ResearchLoopHistory[0].Status)
	assert.NotNil(t, st.ResearchLoopHistory[0].CompletedAt)
}

// Scenario: an unknown source phase falls back instead of crashing.
func TestCompleteResearchLoopUnknownPhaseFallsBack(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseResearch, 3)

	assert.NotPanics(t, func() {
		e.CompleteResearchLoop(st, "not_a_real_phase")
	})
	assert.Equal(t, workflow.PhaseOutline, st.CurrentPhase)
	assert.Equal(t, workflow.StatusInProgress, st.PhaseStatuses[workflow.PhaseOutline])
	assert.Equal(t, workflow.StatusCompleted, st.PhaseStatuses[workflow.PhaseResearch])
}

// Full enter → execute → exit cycle through the evaluator.
func TestResearchLoopRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseOutline, 3)
	completeTaskFlagged(t, st, "outline.1", workflow.PhaseOutline, []string{"venue?"})

	_, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseResearch, st.CurrentPhase)

	// Research task completes (empty result: capability unavailable).
	taskID := "task.sess-1.research.loop1"
	require.NoError(t, st.MarkTaskStarted(taskID, "agent"))
	require.NoError(t, st.MarkTaskCompleted(taskID, map[string]any{"findings": []any{}}))

	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)

	assert.Equal(t, workflow.PhaseOutline, st.CurrentPhase)
	assert.Equal(t, workflow.LoopStatusCompleted, st.ResearchLoopHistory[0].Status)

	// The original outline task is still terminal and no longer flagged, so
	// the next evaluation advances normally.
	progressed, err = e.EvaluatePhase(st)
	require.NoError(t, err)
	assert.True(t, progressed)
	assert.Equal(t, workflow.PhaseResearch, st.CurrentPhase, "normal forward advance past outline")
	assert.Equal(t, 1, st.ResearchLoopCount)
}

// A completed loop must not satisfy the Research phase's own work: natural
// entry after a loop still generates the phase's template tasks.
func TestResearchPhaseTasksGeneratedAfterLoop(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseOutline, 3)
	completeTaskFlagged(t, st, "outline.1", workflow.PhaseOutline, []string{"venue?"})

	_, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseResearch, st.CurrentPhase)

	loopID := "task.sess-1.research.loop1"
	require.NoError(t, st.MarkTaskStarted(loopID, "agent"))
	require.NoError(t, st.MarkTaskCompleted(loopID, map[string]any{"findings": []any{}}))

	_, err = e.EvaluatePhase(st)
	require.NoError(t, err)
	require.Equal(t, workflow.PhaseOutline, st.CurrentPhase)

	// Outline is done; the workflow now enters research for real.
	progressed, err := e.EvaluatePhase(st)
	require.NoError(t, err)
	require.True(t, progressed)
	require.Equal(t, workflow.PhaseResearch, st.CurrentPhase)

	gather, err := st.Task("task.sess-1.research.gather_authorities")
	require.NoError(t, err, "template task generated despite the terminal loop task")
	assert.Equal(t, workflow.StatusPending, gather.Status)
	assert.False(t, st.PhaseComplete(workflow.PhaseResearch), "phase waits on its own work")

	ready := st.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, gather.ID, ready[0].ID, "terminal loop task is not redispatched")
}

func TestMergeFindingsPropagation(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseOutline, 3)
	st.GlobalContext[workflow.ContextKeyFactsMatrix] = map[string]any{"f1": "fact"}
	st.GlobalContext[workflow.ContextKeyClaimsMatrix] = map[string]any{"c1": "claim"}

	findings := []any{map[string]any{"citation": "17 U.S.C. § 107"}}

	// Early source phase: matrices updated.
	e.mergeFindings(st, workflow.PhaseOutline, findings)
	facts := st.GlobalContext[workflow.ContextKeyFactsMatrix].(map[string]any)
	assert.Len(t, facts["research_findings"], 1)
	table := st.GlobalContext[workflow.ContextKeyEvidenceTable].([]any)
	assert.Len(t, table, 1)

	// Late source phase: evidence only, matrices untouched.
	st2 := newEvalState(t, workflow.PhaseEditing, 3)
	st2.GlobalContext[workflow.ContextKeyFactsMatrix] = map[string]any{"f1": "fact"}
	e.mergeFindings(st2, workflow.PhaseEditing, findings)
	facts2 := st2.GlobalContext[workflow.ContextKeyFactsMatrix].(map[string]any)
	_, touched := facts2["research_findings"]
	assert.False(t, touched, "reviewed artifacts are not rewritten")
	assert.Len(t, st2.GlobalContext[workflow.ContextKeyEvidenceTable], 1)
}

// Phase ordering: the workflow only ever moves forward, except through a
// recorded research loop.
func TestPhaseOrderingProperty(t *testing.T) {
	e := newTestEngine(t)
	st := newEvalState(t, workflow.PhaseIntake, 3)

	visited := []workflow.Phase{st.CurrentPhase}
	for !st.OverallStatus.IsTerminal() {
		for _, task := range st.PhaseTasks(st.CurrentPhase) {
			if task.Status == workflow.StatusPending {
				require.NoError(t, st.MarkTaskStarted(task.ID, "agent"))
				require.NoError(t, st.MarkTaskCompleted(task.ID, nil))
			}
		}
		progressed, err := e.EvaluatePhase(st)
		require.NoError(t, err)
		require.True(t, progressed, "workflow must always make progress with all tasks terminal")
		if !st.OverallStatus.IsTerminal() {
			visited = append(visited, st.CurrentPhase)
		}
	}

	assert.Equal(t, workflow.Phases, visited, "phases visited in pipeline order with no skips")
	assert.Equal(t, workflow.OverallCompleted, st.OverallStatus)
}
