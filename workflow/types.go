// Package workflow provides the LawyerFactory workflow data model: the
// ordered phase pipeline, tasks, and the per-session workflow state that
// the engine mutates as a case moves from intake to post-production.
package workflow

import (
	"time"
)

// Phase is one stage of the fixed case pipeline.
type Phase string

const (
	// PhaseIntake ingests case facts and party information.
	PhaseIntake Phase = "intake"

	// PhaseOutline builds the facts matrix and claims outline.
	PhaseOutline Phase = "outline"

	// PhaseResearch gathers case law and statutory authority.
	PhaseResearch Phase = "research"

	// PhaseDrafting drafts the complaint and supporting documents.
	PhaseDrafting Phase = "drafting"

	// PhaseLegalReview reviews drafts for legal sufficiency.
	PhaseLegalReview Phase = "legal_review"

	// PhaseEditing performs style and citation editing.
	PhaseEditing Phase = "editing"

	// PhaseOrchestration reconciles cross-document consistency.
	PhaseOrchestration Phase = "orchestration"

	// PhasePostProduction prepares the filing packet.
	PhasePostProduction Phase = "post_production"
)

// Phases is the pipeline in execution order. The slice order is the only
// legal forward transition: each phase's successor is the next element.
var Phases = []Phase{
	PhaseIntake,
	PhaseOutline,
	PhaseResearch,
	PhaseDrafting,
	PhaseLegalReview,
	PhaseEditing,
	PhaseOrchestration,
	PhasePostProduction,
}

// ResearchCapablePhases are the phases allowed to trigger a research loop.
// Intake precedes research and has nothing to re-research; Research never
// loops into itself. Keeping this set fixed bounds the state space.
var ResearchCapablePhases = map[Phase]bool{
	PhaseOutline:        true,
	PhaseDrafting:       true,
	PhaseLegalReview:    true,
	PhaseEditing:        true,
	PhasePostProduction: true,
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// IsValid returns true if the phase is part of the pipeline.
func (p Phase) IsValid() bool {
	for _, known := range Phases {
		if p == known {
			return true
		}
	}
	return false
}

// Next returns the successor phase, or false when p is the final phase.
func (p Phase) Next() (Phase, bool) {
	for i, known := range Phases {
		if p == known {
			if i+1 < len(Phases) {
				return Phases[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// Index returns the position of the phase in the pipeline, or -1 if unknown.
func (p Phase) Index() int {
	for i, known := range Phases {
		if p == known {
			return i
		}
	}
	return -1
}

// Before reports whether p precedes other in the pipeline order.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Index(), other.Index()
	return pi >= 0 && oi >= 0 && pi < oi
}

// ParsePhase resolves a stored phase string to a Phase. Unknown values fall
// back to Outline, the earliest research-capable phase, so that state loaded
// from an older schema never strands a workflow. Callers should log the
// fallback; ok is false when it was taken.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	if p.IsValid() {
		return p, true
	}
	return PhaseOutline, false
}

// Status represents the execution state shared by phases and tasks.
type Status string

const (
	// StatusPending indicates work that has not started.
	StatusPending Status = "pending"

	// StatusInProgress indicates work that has been dispatched.
	StatusInProgress Status = "in_progress"

	// StatusCompleted indicates work that finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates work that failed permanently.
	StatusFailed Status = "failed"

	// StatusRequiresHumanReview indicates work parked for a human decision.
	StatusRequiresHumanReview Status = "requires_human_review"

	// StatusPaused indicates work cooperatively suspended.
	StatusPaused Status = "paused"
)

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if the status is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed,
		StatusRequiresHumanReview, StatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for statuses that end a task's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo returns true if this status can transition to the target.
// The task status workflow is:
//
//	pending → in_progress (dispatched)
//	in_progress → completed | failed (terminal)
//	in_progress → pending (retry within budget)
//	pending → requires_human_review (approval gate)
//	requires_human_review → pending (approved) | failed (rejected)
//	paused ↔ pending (cooperative suspension)
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusInProgress || target == StatusRequiresHumanReview ||
			target == StatusPaused || target == StatusFailed
	case StatusInProgress:
		return target == StatusCompleted || target == StatusFailed || target == StatusPending
	case StatusRequiresHumanReview:
		return target == StatusPending || target == StatusFailed
	case StatusPaused:
		return target == StatusPending
	case StatusCompleted, StatusFailed:
		return false // Terminal states
	default:
		return false
	}
}

// Priority orders tasks within a ready batch.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// priorityRank maps priorities to sort ranks, highest first.
var priorityRank = map[Priority]int{
	PriorityCritical: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
}

// Rank returns the sort rank for the priority; unknown priorities rank as normal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return priorityRank[PriorityNormal]
}

// IsValid returns true if the priority is known.
func (p Priority) IsValid() bool {
	_, ok := priorityRank[p]
	return ok
}

// Agent type tags for the built-in bots. Tasks carry one of these so the
// executor can route work to the matching agent pool.
const (
	AgentIntake         = "IntakeBot"
	AgentOutline        = "OutlineBot"
	AgentResearch       = "ResearchBot"
	AgentDrafting       = "DraftingBot"
	AgentLegalReview    = "LegalReviewBot"
	AgentEditor         = "EditorBot"
	AgentOrchestrator   = "MaestroBot"
	AgentPostProduction = "PostProductionBot"
)

// Task is a unit of work bound to one phase and one agent type.
type Task struct {
	// ID is the unique identifier (format: task.{session}.{phase}.{n}).
	ID string `json:"id"`

	// Phase is the owning pipeline phase.
	Phase Phase `json:"phase"`

	// AgentType routes the task to an agent pool (e.g. "DraftingBot").
	AgentType string `json:"agent_type"`

	// Description is what the agent should do.
	Description string `json:"description"`

	// Priority orders the task within its ready batch.
	Priority Priority `json:"priority"`

	// Status is the current execution state.
	Status Status `json:"status"`

	// InputData is the opaque input map handed to the agent.
	InputData map[string]any `json:"input_data,omitempty"`

	// OutputData is the opaque result map, populated only on success.
	OutputData map[string]any `json:"output_data,omitempty"`

	// DependsOn lists task IDs that must complete before this task is ready.
	DependsOn []string `json:"depends_on,omitempty"`

	// Blocks lists task IDs gated on this task.
	Blocks []string `json:"blocks,omitempty"`

	// AssignedAgent is the id of the agent instance executing the task.
	AssignedAgent string `json:"assigned_agent,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the task was dispatched.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the task reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// EstimatedDuration is the planning estimate for the task.
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`

	// ActualDuration is recorded on completion.
	ActualDuration time.Duration `json:"actual_duration,omitempty"`

	// RetryCount is the number of failed attempts so far.
	RetryCount int `json:"retry_count"`

	// MaxRetries caps retry attempts before the task fails permanently.
	MaxRetries int `json:"max_retries"`

	// RequiresApproval gates dispatch on a human decision.
	RequiresApproval bool `json:"requires_approval,omitempty"`

	// Approved records the human decision when RequiresApproval is set.
	Approved bool `json:"approved,omitempty"`

	// ApprovedBy identifies who approved the task.
	ApprovedBy string `json:"approved_by,omitempty"`

	// ResearchNeeded is set by a completing task to request a research loop
	// before its phase is considered done.
	ResearchNeeded bool `json:"research_needed,omitempty"`

	// ResearchQuestions carries the questions for the requested loop.
	ResearchQuestions []string `json:"research_questions,omitempty"`

	// ReturnToPhase is set on synthetic research tasks: the phase control
	// returns to when the loop exits.
	ReturnToPhase Phase `json:"return_to_phase,omitempty"`

	// LastError is the most recent execution error for this task.
	LastError string `json:"last_error,omitempty"`
}

// IsTerminal returns true once the task can no longer change status.
func (t *Task) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Dispatchable reports whether the task may be handed to an agent. Tasks
// gated on human approval stay undispatchable until approved.
func (t *Task) Dispatchable() bool {
	if t.Status != StatusPending {
		return false
	}
	if t.RequiresApproval && !t.Approved {
		return false
	}
	return true
}

// LoopTask reports whether the task is a synthetic research-loop task
// rather than generated phase work.
func (t *Task) LoopTask() bool {
	return t.ReturnToPhase != ""
}

// ResearchLoopRecord is one entry of the workflow's research-loop history.
// Records are append-only; only the most recent entry is ever closed.
type ResearchLoopRecord struct {
	// LoopNumber is 1-based and strictly increasing.
	LoopNumber int `json:"loop_number"`

	// SourcePhase is the phase that triggered the loop and the return target.
	SourcePhase Phase `json:"source_phase"`

	// Questions are the research questions carried into the loop.
	Questions []string `json:"questions"`

	// TriggeredBy lists the ids of the tasks that flagged research_needed.
	TriggeredBy []string `json:"triggered_by,omitempty"`

	// Status is "active" while the loop runs, "completed" once closed.
	Status string `json:"status"`

	// StartedAt is when the loop was entered.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when the loop was closed.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Research loop record statuses.
const (
	LoopStatusActive    = "active"
	LoopStatusCompleted = "completed"
)

// OverallStatus is the workflow-level lifecycle state.
type OverallStatus string

const (
	OverallRunning   OverallStatus = "running"
	OverallPaused    OverallStatus = "paused"
	OverallCompleted OverallStatus = "completed"
	OverallFailed    OverallStatus = "failed"
)

// IsTerminal returns true once the workflow can no longer progress.
func (s OverallStatus) IsTerminal() bool {
	return s == OverallCompleted || s == OverallFailed
}

// CheckpointMeta describes one append-only checkpoint snapshot.
type CheckpointMeta struct {
	// ID is the checkpoint identifier.
	ID string `json:"id"`

	// Phase is the current phase at snapshot time.
	Phase Phase `json:"phase"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowState is the aggregate root for one case session.
type WorkflowState struct {
	// SessionID is the unique session identifier.
	SessionID string `json:"session_id"`

	// CaseName is the human-readable case caption.
	CaseName string `json:"case_name"`

	// CurrentPhase is the phase being executed.
	CurrentPhase Phase `json:"current_phase"`

	// PhaseStatuses tracks per-phase progress.
	PhaseStatuses map[Phase]Status `json:"phase_statuses"`

	// Tasks maps task id to task for every task created so far.
	Tasks map[string]*Task `json:"tasks"`

	// CompletedTasks lists completed task ids in completion order.
	CompletedTasks []string `json:"completed_tasks"`

	// FailedTasks lists permanently failed task ids in failure order.
	FailedTasks []string `json:"failed_tasks"`

	// GlobalContext is the shared key-value store carrying cross-phase data
	// (facts matrix, evidence table, claims analysis). Merges are
	// last-write-wins per key, applied in task-id order within a batch.
	GlobalContext map[string]any `json:"global_context"`

	// OverallStatus is the workflow lifecycle state.
	OverallStatus OverallStatus `json:"overall_status"`

	// ResearchLoopCount is the number of research loops entered so far.
	ResearchLoopCount int `json:"research_loop_count"`

	// MaxResearchLoops bounds ResearchLoopCount; once equal, no further
	// loops are initiated regardless of flagged tasks.
	MaxResearchLoops int `json:"max_research_loops"`

	// PendingResearchQuestions holds flagged questions until a loop consumes
	// them.
	PendingResearchQuestions []string `json:"pending_research_questions,omitempty"`

	// ResearchLoopHistory is the append-only loop record list.
	ResearchLoopHistory []ResearchLoopRecord `json:"research_loop_history,omitempty"`

	// Checkpoints lists snapshot metadata, oldest first.
	Checkpoints []CheckpointMeta `json:"checkpoints,omitempty"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the state was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}
