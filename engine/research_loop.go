package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lawyerfactory/lawyerfactory/research"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// enterResearchLoop performs the bounded backward transition: increment the
// loop counter, record the loop, move the workflow into the Research phase,
// and create the synthetic research task carrying the questions and the
// return target. The research flags on the triggering tasks are consumed
// here; once the loop exits, re-evaluating the source phase must not
// re-trigger the same request.
func (e *Engine) enterResearchLoop(st *workflow.WorkflowState, questions, triggeredBy []string) {
	st.ResearchLoopCount++
	source := st.CurrentPhase
	now := time.Now()

	st.ResearchLoopHistory = append(st.ResearchLoopHistory, workflow.ResearchLoopRecord{
		LoopNumber:  st.ResearchLoopCount,
		SourcePhase: source,
		Questions:   append([]string(nil), questions...),
		TriggeredBy: append([]string(nil), triggeredBy...),
		Status:      workflow.LoopStatusActive,
		StartedAt:   now,
	})

	st.CurrentPhase = workflow.PhaseResearch
	st.PhaseStatuses[workflow.PhaseResearch] = workflow.StatusInProgress

	task := &workflow.Task{
		ID:                fmt.Sprintf("task.%s.research.loop%d", st.SessionID, st.ResearchLoopCount),
		Phase:             workflow.PhaseResearch,
		AgentType:         workflow.AgentResearch,
		Description:       fmt.Sprintf("Research loop %d: answer %d flagged questions", st.ResearchLoopCount, len(questions)),
		Priority:          workflow.PriorityHigh,
		Status:            workflow.StatusPending,
		CreatedAt:         now,
		MaxRetries:        1,
		ResearchQuestions: append([]string(nil), questions...),
		ReturnToPhase:     source,
	}
	if err := st.AddTask(task); err != nil {
		// Only possible on id collision, which the loop counter prevents.
		e.logger.Error("Failed to add research task", "task_id", task.ID, "error", err)
	}

	// Questions now live on the task and the loop record, not the queue.
	st.PendingResearchQuestions = nil
	clearResearchFlags(st, triggeredBy)

	e.metrics.ResearchLoops.Inc()
	e.logger.Info("Research loop entered",
		"session_id", st.SessionID,
		"loop_number", st.ResearchLoopCount,
		"source_phase", source,
		"questions", len(questions))
}

// executeResearchTask runs the synthetic research task against the research
// service. Unavailability degrades to an empty result: the loop is consumed
// with no new evidence, never stranding the workflow in the Research phase.
func (e *Engine) executeResearchTask(ctx context.Context, st *workflow.WorkflowState, task *workflow.Task) map[string]any {
	jurisdiction, _ := st.GlobalContext[workflow.ContextKeyJurisdiction].(string)

	var findings []research.Finding
	for _, question := range task.ResearchQuestions {
		got, err := e.research.Research(ctx, question, jurisdiction)
		if err != nil {
			if errors.Is(err, research.ErrUnavailable) {
				e.logger.Warn("Research capability unavailable, continuing without evidence",
					"session_id", st.SessionID,
					"question", question)
				continue
			}
			e.logger.Warn("Research question failed",
				"session_id", st.SessionID,
				"question", question,
				"error", err)
			continue
		}
		findings = append(findings, got...)
	}

	entries := make([]any, 0, len(findings))
	for _, f := range findings {
		entries = append(entries, map[string]any{
			"citation": f.Citation,
			"title":    f.Title,
			"source":   f.Source,
			"summary":  f.Summary,
		})
	}

	return map[string]any{
		"findings":       entries,
		"question_count": len(task.ResearchQuestions),
	}
}

// exitResearchLoop closes the active loop: merge the research task's
// findings into the global context, return control to the recorded source
// phase, and close the loop record.
func (e *Engine) exitResearchLoop(st *workflow.WorkflowState, loop *workflow.ResearchLoopRecord) {
	var findings []any
	taskID := fmt.Sprintf("task.%s.research.loop%d", st.SessionID, loop.LoopNumber)
	if task, ok := st.Tasks[taskID]; ok && task.OutputData != nil {
		findings, _ = task.OutputData["findings"].([]any)
	}
	e.mergeFindings(st, loop.SourcePhase, findings)

	e.CompleteResearchLoop(st, string(loop.SourcePhase))
}

// CompleteResearchLoop returns the workflow from the Research phase to the
// source phase. The phase arrives as a string because older persisted state
// stored it that way; an unknown value falls back to the Outline phase with
// a logged warning rather than crashing the workflow.
func (e *Engine) CompleteResearchLoop(st *workflow.WorkflowState, sourcePhase string) {
	phase, ok := workflow.ParsePhase(sourcePhase)
	if !ok {
		e.logger.Warn("Unknown research loop source phase, falling back",
			"session_id", st.SessionID,
			"source_phase", sourcePhase,
			"fallback", phase)
	}

	st.CurrentPhase = phase
	st.PhaseStatuses[phase] = workflow.StatusInProgress
	st.PhaseStatuses[workflow.PhaseResearch] = workflow.StatusCompleted

	if loop := st.ActiveLoop(); loop != nil {
		now := time.Now()
		loop.Status = workflow.LoopStatusCompleted
		loop.CompletedAt = &now
	}

	e.logger.Info("Research loop completed",
		"session_id", st.SessionID,
		"returned_to", phase,
		"loop_count", st.ResearchLoopCount)
}

// mergeFindings folds research results into the global context. Every
// finding lands in the evidence table. Early source phases (before legal
// review) also get their facts and claims matrices updated; phases at or
// after legal review keep their reviewed artifacts untouched so research
// cannot retroactively invalidate a sign-off.
func (e *Engine) mergeFindings(st *workflow.WorkflowState, source workflow.Phase, findings []any) {
	if len(findings) == 0 {
		return
	}

	st.AppendEvidence(findings)

	if !source.Before(workflow.PhaseLegalReview) {
		return
	}

	for _, key := range []string{workflow.ContextKeyFactsMatrix, workflow.ContextKeyClaimsMatrix} {
		matrix, ok := st.GlobalContext[key].(map[string]any)
		if !ok {
			continue
		}
		existing, _ := matrix["research_findings"].([]any)
		matrix["research_findings"] = append(existing, findings...)
	}
}
