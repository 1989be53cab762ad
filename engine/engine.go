// Package engine drives workflow execution: a cooperative loop that
// dispatches ready tasks to agents, merges their output into the shared
// context, evaluates phase transitions, and persists state after every
// task. One Engine serves many sessions; each Run call owns one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lawyerfactory/lawyerfactory/agent"
	"github.com/lawyerfactory/lawyerfactory/research"
	"github.com/lawyerfactory/lawyerfactory/state"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Config holds engine tuning knobs.
type Config struct {
	// Tick is the idle sleep between loop iterations when nothing is
	// runnable.
	Tick time.Duration `json:"tick" yaml:"tick"`

	// MaxResearchLoops bounds research-loop re-entry per workflow.
	MaxResearchLoops int `json:"max_research_loops" yaml:"max_research_loops"`

	// Retry configures task retry behavior.
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Generator configures phase task generation.
	Generator GeneratorConfig `json:"generator" yaml:"generator"`
}

// DefaultConfig returns engine defaults.
func DefaultConfig() Config {
	return Config{
		Tick:             500 * time.Millisecond,
		MaxResearchLoops: 3,
		Retry:            DefaultRetryConfig(),
		Generator: GeneratorConfig{
			MaxRetries:            3,
			RequireReviewApproval: false,
		},
	}
}

// Engine executes workflows. Collaborators are injected; there are no
// package-level singletons.
type Engine struct {
	store     state.Store
	agents    *agent.Registry
	research  research.Service
	retries   *RetryManager
	metrics   *Metrics
	logger    *slog.Logger
	tick      time.Duration
	generator GeneratorConfig
	maxLoops  int

	// backoffUntil delays redispatch of retried tasks without blocking the
	// rest of the batch.
	backoffMu    sync.Mutex
	backoffUntil map[string]time.Time
}

// New creates an engine. A nil research service degrades every loop to "no
// new evidence"; a nil metrics registers nothing twice thanks to the caller
// providing one per process.
func New(store state.Store, agents *agent.Registry, researchSvc research.Service, cfg Config, metrics *Metrics, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if agents == nil {
		agents = agent.NewRegistry()
	}
	if researchSvc == nil {
		researchSvc = research.Unavailable()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.MaxResearchLoops < 0 {
		cfg.MaxResearchLoops = 0
	}

	return &Engine{
		store:        store,
		agents:       agents,
		research:     researchSvc,
		retries:      NewRetryManager(cfg.Retry),
		metrics:      metrics,
		logger:       logger,
		tick:         cfg.Tick,
		generator:    cfg.Generator,
		maxLoops:     cfg.MaxResearchLoops,
		backoffUntil: make(map[string]time.Time),
	}
}

// StartWorkflow creates, seeds, and persists a new workflow session. The
// initial context typically carries jurisdiction and case id.
func (e *Engine) StartWorkflow(ctx context.Context, sessionID, caseName string, initialContext map[string]any) (*workflow.WorkflowState, error) {
	st, err := workflow.NewWorkflowState(sessionID, caseName, workflow.PhaseIntake, e.maxLoops)
	if err != nil {
		return nil, err
	}
	st.MergeContext(initialContext)

	if err := GenerateTasks(st, workflow.PhaseIntake, e.generator); err != nil {
		return nil, err
	}

	if err := e.store.Save(ctx, st); err != nil {
		return nil, err
	}

	e.logger.Info("Workflow started",
		"session_id", sessionID,
		"case_name", caseName,
		"max_research_loops", e.maxLoops)
	return st, nil
}

// Run executes the session until it reaches a terminal status, is paused,
// or the context is cancelled. Persistence errors propagate; losing state
// silently is unacceptable.
func (e *Engine) Run(ctx context.Context, sessionID string) error {
	st, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}

	e.metrics.ActiveWorkflows.Inc()
	defer e.metrics.ActiveWorkflows.Dec()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if st.OverallStatus.IsTerminal() {
			return nil
		}
		if st.OverallStatus == workflow.OverallPaused {
			e.logger.Info("Workflow paused, stopping dispatch", "session_id", sessionID)
			return nil
		}

		batch := e.dispatchable(st)
		if len(batch) > 0 {
			if err := e.executeBatch(ctx, st, batch); err != nil {
				return err
			}
		}

		progressed, err := e.EvaluatePhase(st)
		if err != nil {
			var fatal *FatalError
			if errors.As(err, &fatal) {
				st.OverallStatus = workflow.OverallFailed
				e.metrics.WorkflowsDone.WithLabelValues(string(workflow.OverallFailed)).Inc()
				e.logger.Error("Workflow failed",
					"session_id", sessionID,
					"error", err)
				if saveErr := e.store.Save(ctx, st); saveErr != nil {
					return saveErr
				}
			}
			return err
		}

		if err := e.store.Save(ctx, st); err != nil {
			return err
		}

		if progressed {
			// Phase boundaries are the recovery points.
			if _, err := e.store.Checkpoint(ctx, st); err != nil {
				return err
			}
			if err := e.store.Save(ctx, st); err != nil {
				return err
			}
			continue
		}

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.tick):
			}
		}
	}
}

// dispatchable filters the ready batch by retry backoff windows.
func (e *Engine) dispatchable(st *workflow.WorkflowState) []*workflow.Task {
	ready := st.ReadyTasks()
	if len(ready) == 0 {
		return nil
	}

	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()

	now := time.Now()
	out := ready[:0]
	for _, t := range ready {
		if until, held := e.backoffUntil[t.ID]; held && now.Before(until) {
			continue
		}
		delete(e.backoffUntil, t.ID)
		out = append(out, t)
	}
	return out
}

// setBackoff delays the next dispatch of a task.
func (e *Engine) setBackoff(taskID string, d time.Duration) {
	e.backoffMu.Lock()
	defer e.backoffMu.Unlock()
	e.backoffUntil[taskID] = time.Now().Add(d)
}

// taskResult carries one task attempt's outcome back to the apply step.
type taskResult struct {
	output map[string]any
	err    error
}

// executeBatch dispatches a ready batch. Agent-type groups run concurrently;
// results are applied to the state sequentially in task-id order so context
// merges are deterministic, with a persistence save after every applied task.
func (e *Engine) executeBatch(ctx context.Context, st *workflow.WorkflowState, batch []*workflow.Task) error {
	groups := make(map[string][]*workflow.Task)
	for _, t := range batch {
		if err := st.MarkTaskStarted(t.ID, t.AgentType); err != nil {
			e.logger.Warn("Skipping undispatchable task", "task_id", t.ID, "error", err)
			continue
		}
		e.retries.RecordAttempt(t.ID)
		e.metrics.TasksDispatched.WithLabelValues(t.AgentType).Inc()
		groups[t.AgentType] = append(groups[t.AgentType], t)
	}
	if len(groups) == 0 {
		return nil
	}

	// The context is read-only for the duration of the batch; merges happen
	// only in the apply step below.
	snapshot := st.GlobalContext

	var mu sync.Mutex
	results := make(map[string]taskResult)
	var wg sync.WaitGroup

	for agentType, tasks := range groups {
		wg.Add(1)
		go func(agentType string, tasks []*workflow.Task) {
			defer wg.Done()
			for _, t := range tasks {
				output, err := e.executeTask(ctx, st, t, snapshot)
				mu.Lock()
				results[t.ID] = taskResult{output: output, err: err}
				mu.Unlock()
			}
		}(agentType, tasks)
	}
	wg.Wait()

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := e.applyResult(ctx, st, id, results[id]); err != nil {
			return err
		}
	}
	return nil
}

// executeTask runs one task. Synthetic research tasks bypass the registry
// and run against the research service; they never return an error because
// research unavailability degrades rather than fails.
func (e *Engine) executeTask(ctx context.Context, st *workflow.WorkflowState, t *workflow.Task, snapshot map[string]any) (map[string]any, error) {
	if t.AgentType == workflow.AgentResearch && t.LoopTask() {
		return e.executeResearchTask(ctx, st, t), nil
	}

	a, err := e.agents.Get(t.AgentType)
	if err != nil {
		return nil, &agent.ExecutionError{TaskID: t.ID, AgentType: t.AgentType, Retryable: false, Err: err}
	}
	return a.Execute(ctx, t, snapshot)
}

// applyResult folds one task outcome into the workflow state and persists.
func (e *Engine) applyResult(ctx context.Context, st *workflow.WorkflowState, id string, res taskResult) error {
	task, err := st.Task(id)
	if err != nil {
		return err
	}

	if res.err != nil {
		decision := e.retries.Decide(task, res.err)
		if decision.ShouldRetry {
			if err := st.RequeueTask(id, res.err.Error()); err != nil {
				return err
			}
			e.setBackoff(id, decision.Backoff)
			e.metrics.TaskRetries.Inc()
			e.logger.Warn("Task requeued for retry",
				"task_id", id,
				"attempt", decision.AttemptNumber,
				"max_attempts", decision.MaxAttempts,
				"backoff", decision.Backoff,
				"error", res.err)
		} else {
			if err := st.MarkTaskFailed(id, decision.Feedback); err != nil {
				return err
			}
			e.metrics.TasksFailed.WithLabelValues(string(task.Phase)).Inc()
			e.logger.Error("Task failed permanently",
				"task_id", id,
				"attempts", decision.AttemptNumber,
				"error", res.err)
		}
	} else {
		if err := st.MarkTaskCompleted(id, res.output); err != nil {
			return err
		}
		if updates, ok := res.output[workflow.ContextUpdatesKey].(map[string]any); ok {
			st.MergeContext(updates)
		}
		applyResearchFlags(task, res.output)
		e.retries.ClearState(id)
		e.metrics.TasksCompleted.WithLabelValues(string(task.Phase)).Inc()
		e.logger.Info("Task completed",
			"task_id", id,
			"agent_type", task.AgentType,
			"duration", task.ActualDuration)
	}

	// At-least-once durability after every task.
	return e.store.Save(ctx, st)
}

// applyResearchFlags copies a task's research request out of its output
// data. Questions may arrive as []string or, after a JSON round trip,
// []any.
func applyResearchFlags(task *workflow.Task, output map[string]any) {
	needed, ok := output[workflow.ResearchNeededKey].(bool)
	if !ok || !needed {
		return
	}
	task.ResearchNeeded = true

	switch qs := output[workflow.ResearchQuestionsKey].(type) {
	case []string:
		task.ResearchQuestions = qs
	case []any:
		for _, q := range qs {
			if s, ok := q.(string); ok {
				task.ResearchQuestions = append(task.ResearchQuestions, s)
			}
		}
	}
}

// TaskFailure is one permanently failed task in a status report.
type TaskFailure struct {
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

// WorkflowStatus is the queryable status surface: task and validation
// failures show up here rather than being thrown at a polling caller.
type WorkflowStatus struct {
	SessionID        string                             `json:"session_id"`
	CaseName         string                             `json:"case_name"`
	CurrentPhase     workflow.Phase                     `json:"current_phase"`
	OverallStatus    workflow.OverallStatus             `json:"overall_status"`
	PhaseStatuses    map[workflow.Phase]workflow.Status `json:"phase_statuses"`
	TaskCounts       workflow.TaskCounts                `json:"task_counts"`
	ResearchLoops    int                                `json:"research_loops"`
	MaxResearchLoops int                                `json:"max_research_loops"`
	Failures         []TaskFailure                      `json:"failures,omitempty"`
	AwaitingApproval []string                           `json:"awaiting_approval,omitempty"`
	UpdatedAt        time.Time                          `json:"updated_at"`
}

// WorkflowStatus reports the current status of a session.
func (e *Engine) WorkflowStatus(ctx context.Context, sessionID string) (*WorkflowStatus, error) {
	st, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	status := &WorkflowStatus{
		SessionID:        st.SessionID,
		CaseName:         st.CaseName,
		CurrentPhase:     st.CurrentPhase,
		OverallStatus:    st.OverallStatus,
		PhaseStatuses:    st.PhaseStatuses,
		TaskCounts:       st.CountTasks(),
		ResearchLoops:    st.ResearchLoopCount,
		MaxResearchLoops: st.MaxResearchLoops,
		UpdatedAt:        st.UpdatedAt,
	}

	for _, id := range st.FailedTasks {
		if t, ok := st.Tasks[id]; ok {
			status.Failures = append(status.Failures, TaskFailure{TaskID: id, Error: t.LastError})
		}
	}
	for _, t := range st.PhaseTasks(st.CurrentPhase) {
		if t.RequiresApproval && !t.Approved && !t.IsTerminal() {
			status.AwaitingApproval = append(status.AwaitingApproval, t.ID)
		}
	}
	return status, nil
}

// ApproveTask records a human approval and persists it.
func (e *Engine) ApproveTask(ctx context.Context, sessionID, taskID, approver string) error {
	st, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	task, err := st.Task(taskID)
	if err != nil {
		return err
	}
	if !task.RequiresApproval {
		return fmt.Errorf("task %s does not require approval", taskID)
	}

	task.Approved = true
	task.ApprovedBy = approver
	e.logger.Info("Task approved",
		"session_id", sessionID,
		"task_id", taskID,
		"approved_by", approver)
	return e.store.Save(ctx, st)
}

// Pause requests a cooperative stop: the run loop finishes in-flight tasks
// and exits without dispatching new ones.
func (e *Engine) Pause(ctx context.Context, sessionID string) error {
	return e.setOverall(ctx, sessionID, workflow.OverallPaused, workflow.OverallRunning)
}

// Resume returns a paused workflow to running.
func (e *Engine) Resume(ctx context.Context, sessionID string) error {
	return e.setOverall(ctx, sessionID, workflow.OverallRunning, workflow.OverallPaused)
}

// setOverall transitions the overall status when the current value matches.
func (e *Engine) setOverall(ctx context.Context, sessionID string, to, from workflow.OverallStatus) error {
	st, err := e.store.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if st.OverallStatus != from {
		return fmt.Errorf("workflow %s is %s, not %s", sessionID, st.OverallStatus, from)
	}
	st.OverallStatus = to
	return e.store.Save(ctx, st)
}
