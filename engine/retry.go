package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lawyerfactory/lawyerfactory/agent"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// RetryConfig holds retry configuration for task execution.
type RetryConfig struct {
	// MaxAttempts is the default attempt cap for tasks with MaxRetries == 0.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BackoffBase is the delay before the first retry.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffMultiplier scales the delay on each subsequent retry.
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`

	// BackoffCap bounds the delay regardless of attempt count.
	BackoffCap time.Duration `json:"backoff_cap" yaml:"backoff_cap"`
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       2 * time.Second,
		BackoffMultiplier: 2.0,
		BackoffCap:        30 * time.Second,
	}
}

// RetryDecision is the verdict on a failed task attempt.
type RetryDecision struct {
	ShouldRetry    bool
	AttemptNumber  int
	MaxAttempts    int
	Backoff        time.Duration
	IsFinalFailure bool
	Feedback       string
}

// retryState tracks attempts for one task.
type retryState struct {
	Attempts    int
	LastAttempt time.Time
	LastError   string
}

// RetryManager decides whether failed tasks get another attempt and with
// what backoff. Attempt counts live on the task itself (RetryCount); the
// manager tracks timing and last errors for status reporting.
type RetryManager struct {
	config RetryConfig
	states map[string]*retryState // key: task id
	mu     sync.RWMutex
}

// NewRetryManager creates a retry manager.
func NewRetryManager(config RetryConfig) *RetryManager {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = DefaultRetryConfig().BackoffBase
	}
	if config.BackoffMultiplier < 1.0 {
		config.BackoffMultiplier = DefaultRetryConfig().BackoffMultiplier
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = DefaultRetryConfig().BackoffCap
	}
	return &RetryManager{
		config: config,
		states: make(map[string]*retryState),
	}
}

// RecordAttempt records an attempt for a task and returns the attempt number.
func (m *RetryManager) RecordAttempt(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		state = &retryState{}
		m.states[taskID] = state
	}
	state.Attempts++
	state.LastAttempt = time.Now()
	return state.Attempts
}

// Decide evaluates whether a failed task should be retried. The task's own
// MaxRetries wins over the configured default when set. An ExecutionError
// marked non-retryable fails immediately regardless of remaining budget.
func (m *RetryManager) Decide(task *workflow.Task, execErr error) *RetryDecision {
	maxAttempts := m.config.MaxAttempts
	if task.MaxRetries > 0 {
		maxAttempts = task.MaxRetries
	}

	decision := &RetryDecision{
		AttemptNumber: task.RetryCount + 1,
		MaxAttempts:   maxAttempts,
	}

	m.recordFailure(task.ID, execErr)

	var ee *agent.ExecutionError
	if errors.As(execErr, &ee) && !ee.Retryable {
		decision.IsFinalFailure = true
		decision.Feedback = fmt.Sprintf("non-retryable failure: %v", execErr)
		return decision
	}

	if task.RetryCount+1 >= maxAttempts {
		decision.IsFinalFailure = true
		decision.Feedback = fmt.Sprintf(
			"maximum attempts (%d) exhausted for task %s", maxAttempts, task.ID)
		return decision
	}

	decision.ShouldRetry = true
	decision.Backoff = m.backoffFor(task.RetryCount + 1)
	decision.Feedback = execErr.Error()
	return decision
}

// backoffFor computes exponential backoff: base * multiplier^(attempts-1),
// capped.
func (m *RetryManager) backoffFor(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	multiplier := 1.0
	for i := 1; i < attempts; i++ {
		multiplier *= m.config.BackoffMultiplier
	}
	backoff := time.Duration(float64(m.config.BackoffBase) * multiplier)
	if backoff > m.config.BackoffCap {
		backoff = m.config.BackoffCap
	}
	return backoff
}

// recordFailure stores the latest error for status reporting.
func (m *RetryManager) recordFailure(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.states[taskID]
	if !exists {
		state = &retryState{}
		m.states[taskID] = state
	}
	state.LastError = err.Error()
}

// LastError returns the most recent recorded error for a task.
func (m *RetryManager) LastError(taskID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if state, exists := m.states[taskID]; exists {
		return state.LastError
	}
	return ""
}

// ClearState clears retry tracking for a task (on success).
func (m *RetryManager) ClearState(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}

// StateCount returns the number of tracked tasks.
func (m *RetryManager) StateCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
