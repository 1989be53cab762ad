package engine

import (
	"fmt"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// FatalError wraps a failure inside the transition evaluator itself. Unlike
// task failures, a fatal error stops the whole workflow: the run loop sets
// the overall status to Failed and exits.
type FatalError struct {
	Err error
}

// Error implements error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("workflow fatal error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *FatalError) Unwrap() error {
	return e.Err
}

// EvaluatePhase runs the phase-transition state machine after a batch of
// task completions. It returns true when the workflow state changed (loop
// entered, loop exited, phase advanced, or workflow completed).
//
// Decision order:
//  1. Current phase still has live tasks: wait.
//  2. Research phase completing under an active loop: exit the loop back to
//     its source phase.
//  3. Completed tasks flagged research and the loop budget allows it (and
//     the phase may loop): enter a research loop.
//  4. Otherwise mark the phase Completed and advance to the successor, or
//     mark the workflow Completed at the end of the pipeline.
func (e *Engine) EvaluatePhase(st *workflow.WorkflowState) (bool, error) {
	if !st.PhaseComplete(st.CurrentPhase) {
		return false, nil
	}

	if loop := st.ActiveLoop(); loop != nil && st.CurrentPhase == workflow.PhaseResearch {
		e.exitResearchLoop(st, loop)
		return true, nil
	}

	questions, triggeredBy := st.CollectResearchQuestions(st.CurrentPhase)
	if len(questions) > 0 && workflow.ResearchCapablePhases[st.CurrentPhase] {
		if st.ResearchLoopCount < st.MaxResearchLoops {
			e.enterResearchLoop(st, questions, triggeredBy)
			return true, nil
		}
		// At the cap the unmet request is recorded but never deadlocks the
		// workflow; advancement proceeds.
		st.PendingResearchQuestions = append(st.PendingResearchQuestions, questions...)
		clearResearchFlags(st, triggeredBy)
		e.logger.Warn("Research loop budget exhausted, advancing without loop",
			"session_id", st.SessionID,
			"phase", st.CurrentPhase,
			"loop_count", st.ResearchLoopCount,
			"unmet_questions", len(questions))
	}

	st.PhaseStatuses[st.CurrentPhase] = workflow.StatusCompleted

	next, ok := st.CurrentPhase.Next()
	if !ok {
		st.OverallStatus = workflow.OverallCompleted
		e.metrics.WorkflowsDone.WithLabelValues(string(workflow.OverallCompleted)).Inc()
		e.logger.Info("Workflow completed",
			"session_id", st.SessionID,
			"completed_tasks", len(st.CompletedTasks),
			"failed_tasks", len(st.FailedTasks),
			"research_loops", st.ResearchLoopCount)
		return true, nil
	}

	st.CurrentPhase = next
	st.PhaseStatuses[next] = workflow.StatusInProgress
	e.metrics.PhaseTransitions.Inc()
	e.logger.Info("Phase advanced",
		"session_id", st.SessionID,
		"phase", next)

	// A phase revisited through replay already owns its generated tasks.
	// Synthetic loop tasks also live under Research but are not its own
	// work, so a first natural entry still generates the templates.
	if !hasGeneratedTasks(st, next) {
		if err := GenerateTasks(st, next, e.generator); err != nil {
			return false, &FatalError{Err: err}
		}
	}
	return true, nil
}

// hasGeneratedTasks reports whether the phase owns template-generated work,
// ignoring synthetic research-loop tasks.
func hasGeneratedTasks(st *workflow.WorkflowState, phase workflow.Phase) bool {
	for _, t := range st.PhaseTasks(phase) {
		if !t.LoopTask() {
			return true
		}
	}
	return false
}

// clearResearchFlags consumes the research request on the flagging tasks so
// re-evaluation of the same phase cannot trigger the same loop twice.
func clearResearchFlags(st *workflow.WorkflowState, taskIDs []string) {
	for _, id := range taskIDs {
		if t, ok := st.Tasks[id]; ok {
			t.ResearchNeeded = false
		}
	}
}
