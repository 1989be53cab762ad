package workflow

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Context keys shared across phases. Tasks write these through context-update
// requests in their output data; the compiler and research loop read them.
const (
	ContextKeyJurisdiction  = "jurisdiction"
	ContextKeyCaseID        = "case_id"
	ContextKeyEvidenceTable = "evidence_table"
	ContextKeyFactsMatrix   = "facts_matrix"
	ContextKeyClaimsMatrix  = "claims_matrix_analysis"
)

// Well-known output-data keys. A completing task uses these to request
// global-context updates or to flag follow-up research.
const (
	ContextUpdatesKey    = "context_updates"
	ResearchNeededKey    = "research_needed"
	ResearchQuestionsKey = "research_questions"
)

// Sentinel errors for workflow state operations.
var (
	ErrSessionIDRequired = errors.New("session id is required")
	ErrCaseNameRequired  = errors.New("case name is required")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskExists        = errors.New("task already exists")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NewWorkflowState creates the state for a fresh session. All phases start
// Pending except the initial phase, which starts InProgress.
func NewWorkflowState(sessionID, caseName string, initial Phase, maxResearchLoops int) (*WorkflowState, error) {
	if sessionID == "" {
		return nil, ErrSessionIDRequired
	}
	if caseName == "" {
		return nil, ErrCaseNameRequired
	}
	if !initial.IsValid() {
		return nil, fmt.Errorf("invalid initial phase: %q", initial)
	}

	statuses := make(map[Phase]Status, len(Phases))
	for _, p := range Phases {
		statuses[p] = StatusPending
	}
	statuses[initial] = StatusInProgress

	now := time.Now()
	return &WorkflowState{
		SessionID:        sessionID,
		CaseName:         caseName,
		CurrentPhase:     initial,
		PhaseStatuses:    statuses,
		Tasks:            make(map[string]*Task),
		CompletedTasks:   []string{},
		FailedTasks:      []string{},
		GlobalContext:    make(map[string]any),
		OverallStatus:    OverallRunning,
		MaxResearchLoops: maxResearchLoops,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// AddTask registers a task on the state.
func (s *WorkflowState) AddTask(t *Task) error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if _, exists := s.Tasks[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	s.Tasks[t.ID] = t
	return nil
}

// Task returns the task with the given id.
func (s *WorkflowState) Task(id string) (*Task, error) {
	t, ok := s.Tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// completedSet returns the completed task ids as a set.
func (s *WorkflowState) completedSet() map[string]bool {
	set := make(map[string]bool, len(s.CompletedTasks))
	for _, id := range s.CompletedTasks {
		set[id] = true
	}
	return set
}

// ReadyTasks returns the dispatchable tasks of the current phase: status
// Pending, every dependency completed, and any approval gate satisfied.
// Results are ordered by priority, then task id, so dispatch is deterministic.
func (s *WorkflowState) ReadyTasks() []*Task {
	completed := s.completedSet()

	var ready []*Task
	for _, t := range s.Tasks {
		if t.Phase != s.CurrentPhase || !t.Dispatchable() {
			continue
		}
		ok := true
		for _, dep := range t.DependsOn {
			if !completed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority.Rank() != ready[j].Priority.Rank() {
			return ready[i].Priority.Rank() < ready[j].Priority.Rank()
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// PhaseComplete reports whether every task owned by the phase is terminal.
// A phase with zero tasks is vacuously complete. Tasks that can never become
// ready because an upstream task failed count as terminal for this check so a
// failed dependency cannot deadlock the phase.
func (s *WorkflowState) PhaseComplete(phase Phase) bool {
	for _, t := range s.Tasks {
		if t.Phase != phase {
			continue
		}
		if t.IsTerminal() {
			continue
		}
		if s.PermanentlyBlocked(t) {
			continue
		}
		return false
	}
	return true
}

// PermanentlyBlocked reports whether a task depends, directly or through
// other blocked tasks, on a permanently failed task.
func (s *WorkflowState) PermanentlyBlocked(t *Task) bool {
	seen := make(map[string]bool)
	var blocked func(task *Task) bool
	blocked = func(task *Task) bool {
		if seen[task.ID] {
			return false
		}
		seen[task.ID] = true
		for _, dep := range task.DependsOn {
			upstream, ok := s.Tasks[dep]
			if !ok {
				continue
			}
			if upstream.Status == StatusFailed {
				return true
			}
			if !upstream.IsTerminal() && blocked(upstream) {
				return true
			}
		}
		return false
	}
	return blocked(t)
}

// PhaseTasks returns the tasks owned by the phase, ordered by id.
func (s *WorkflowState) PhaseTasks(phase Phase) []*Task {
	var tasks []*Task
	for _, t := range s.Tasks {
		if t.Phase == phase {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// MarkTaskStarted transitions a task to InProgress and stamps StartedAt.
func (s *WorkflowState) MarkTaskStarted(id, agentID string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(StatusInProgress) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, t.Status, StatusInProgress)
	}
	now := time.Now()
	t.Status = StatusInProgress
	t.StartedAt = &now
	t.AssignedAgent = agentID
	return nil
}

// MarkTaskCompleted records a successful task: output stored, timestamps set,
// id appended to the completed list.
func (s *WorkflowState) MarkTaskCompleted(id string, output map[string]any) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(StatusCompleted) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, t.Status, StatusCompleted)
	}
	now := time.Now()
	t.Status = StatusCompleted
	t.OutputData = output
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ActualDuration = now.Sub(*t.StartedAt)
	}
	s.CompletedTasks = append(s.CompletedTasks, id)
	return nil
}

// MarkTaskFailed records a permanently failed task.
func (s *WorkflowState) MarkTaskFailed(id, reason string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(StatusFailed) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, t.Status, StatusFailed)
	}
	now := time.Now()
	t.Status = StatusFailed
	t.LastError = reason
	t.CompletedAt = &now
	s.FailedTasks = append(s.FailedTasks, id)
	return nil
}

// RequeueTask returns an in-progress task to Pending for redispatch after a
// retryable failure, incrementing its retry count.
func (s *WorkflowState) RequeueTask(id, reason string) error {
	t, err := s.Task(id)
	if err != nil {
		return err
	}
	if !t.Status.CanTransitionTo(StatusPending) {
		return fmt.Errorf("%w: %s cannot move from %s to %s", ErrInvalidTransition, id, t.Status, StatusPending)
	}
	t.Status = StatusPending
	t.RetryCount++
	t.LastError = reason
	t.StartedAt = nil
	t.AssignedAgent = ""
	return nil
}

// MergeContext applies context updates last-write-wins per key. Callers merge
// batch results in task-id order so replays are deterministic.
func (s *WorkflowState) MergeContext(updates map[string]any) {
	if s.GlobalContext == nil {
		s.GlobalContext = make(map[string]any)
	}
	for k, v := range updates {
		s.GlobalContext[k] = v
	}
}

// AppendEvidence appends findings to the evidence_table context entry,
// creating it when absent.
func (s *WorkflowState) AppendEvidence(entries []any) {
	if len(entries) == 0 {
		return
	}
	if s.GlobalContext == nil {
		s.GlobalContext = make(map[string]any)
	}
	table, _ := s.GlobalContext[ContextKeyEvidenceTable].([]any)
	s.GlobalContext[ContextKeyEvidenceTable] = append(table, entries...)
}

// CollectResearchQuestions gathers the research questions flagged by
// completed tasks of the phase, in task-id order, de-duplicated. The ids of
// the flagging tasks are returned alongside.
func (s *WorkflowState) CollectResearchQuestions(phase Phase) (questions []string, triggeredBy []string) {
	tasks := s.PhaseTasks(phase)
	seen := make(map[string]bool)
	for _, t := range tasks {
		if t.Status != StatusCompleted || !t.ResearchNeeded {
			continue
		}
		triggeredBy = append(triggeredBy, t.ID)
		for _, q := range t.ResearchQuestions {
			if q == "" || seen[q] {
				continue
			}
			seen[q] = true
			questions = append(questions, q)
		}
	}
	return questions, triggeredBy
}

// ActiveLoop returns the most recent research loop record if it is still
// active.
func (s *WorkflowState) ActiveLoop() *ResearchLoopRecord {
	if len(s.ResearchLoopHistory) == 0 {
		return nil
	}
	last := &s.ResearchLoopHistory[len(s.ResearchLoopHistory)-1]
	if last.Status != LoopStatusActive {
		return nil
	}
	return last
}

// TaskCounts summarizes task statuses for status reporting.
type TaskCounts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
}

// CountTasks tallies task statuses across the workflow. Pending tasks that
// can never become ready are counted as blocked instead of pending.
func (s *WorkflowState) CountTasks() TaskCounts {
	var c TaskCounts
	for _, t := range s.Tasks {
		c.Total++
		switch t.Status {
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusInProgress:
			c.InProgress++
		default:
			if s.PermanentlyBlocked(t) {
				c.Blocked++
			} else {
				c.Pending++
			}
		}
	}
	return c
}
