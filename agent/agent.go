// Package agent defines the contract between the workflow engine and the
// bots that execute tasks. The engine does not care how an agent produces
// output, only that output is a key-value map and failures are
// distinguishable errors.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// ErrAgentNotFound indicates no agent is registered for a task's agent type.
var ErrAgentNotFound = errors.New("no agent registered for type")

// Agent executes tasks of one agent type. Implementations receive a
// read-only view of the global context alongside the task; requested context
// updates go back through the output map under workflow.ContextUpdatesKey.
type Agent interface {
	// Execute runs the task and returns its output data. A returned error
	// means the attempt failed; the engine decides whether to retry.
	Execute(ctx context.Context, task *workflow.Task, globalContext map[string]any) (map[string]any, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc func(ctx context.Context, task *workflow.Task, globalContext map[string]any) (map[string]any, error)

// Execute implements Agent.
func (f AgentFunc) Execute(ctx context.Context, task *workflow.Task, globalContext map[string]any) (map[string]any, error) {
	return f(ctx, task, globalContext)
}

// ExecutionError wraps an agent failure with the task it occurred on. The
// Retryable flag lets an agent mark an error as hopeless so the engine can
// skip the remaining retry budget.
type ExecutionError struct {
	TaskID    string
	AgentType string
	Retryable bool
	Err       error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s failed on task %s: %v", e.AgentType, e.TaskID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// NewExecutionError wraps err as a retryable execution error.
func NewExecutionError(task *workflow.Task, err error) *ExecutionError {
	return &ExecutionError{
		TaskID:    task.ID,
		AgentType: task.AgentType,
		Retryable: true,
		Err:       err,
	}
}

// Registry maps agent-type tags to agents. Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]Agent),
	}
}

// Register adds or replaces the agent for a type tag.
func (r *Registry) Register(agentType string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentType] = a
}

// Get returns the agent for a type tag.
func (r *Registry) Get(agentType string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}
	return a, nil
}

// Types returns the registered agent-type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.agents))
	for t := range r.agents {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
