package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/lawyerfactory/lawyerfactory/llm"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Completer is the slice of llm.Client the bundled agents need.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// LLMAgent executes tasks by delegating to an LLM completion chain. The
// system prompt fixes the agent's role; the user prompt is built from the
// task description, case name, and selected context keys.
type LLMAgent struct {
	client       Completer
	capability   llm.Capability
	systemPrompt string
	contextKeys  []string
	maxTokens    int
	shape        func(task *workflow.Task, content string) map[string]any
	logger       *slog.Logger
}

// LLMAgentOption configures an LLMAgent.
type LLMAgentOption func(*LLMAgent)

// WithContextKeys selects which global-context keys are included in the
// prompt. Without it the agent sees only the task and case name.
func WithContextKeys(keys ...string) LLMAgentOption {
	return func(a *LLMAgent) {
		a.contextKeys = keys
	}
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) LLMAgentOption {
	return func(a *LLMAgent) {
		a.maxTokens = n
	}
}

// WithOutputShape sets how the completion text becomes the task's output
// map. The default stores it under "content".
func WithOutputShape(shape func(task *workflow.Task, content string) map[string]any) LLMAgentOption {
	return func(a *LLMAgent) {
		a.shape = shape
	}
}

// WithAgentLogger sets the logger.
func WithAgentLogger(logger *slog.Logger) LLMAgentOption {
	return func(a *LLMAgent) {
		a.logger = logger
	}
}

// NewLLMAgent creates an LLM-backed agent with the given role prompt and
// capability.
func NewLLMAgent(client Completer, capability llm.Capability, systemPrompt string, opts ...LLMAgentOption) *LLMAgent {
	a := &LLMAgent{
		client:       client,
		capability:   capability,
		systemPrompt: systemPrompt,
		shape: func(_ *workflow.Task, content string) map[string]any {
			return map[string]any{"content": content}
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute implements Agent.
func (a *LLMAgent) Execute(ctx context.Context, task *workflow.Task, globalContext map[string]any) (map[string]any, error) {
	prompt, err := a.buildPrompt(task, globalContext)
	if err != nil {
		return nil, &ExecutionError{TaskID: task.ID, AgentType: task.AgentType, Retryable: false, Err: err}
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Capability: string(a.capability),
		Messages: []llm.Message{
			{Role: "system", Content: a.systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, &ExecutionError{
			TaskID:    task.ID,
			AgentType: task.AgentType,
			Retryable: !llm.IsFatal(err),
			Err:       err,
		}
	}

	a.logger.Debug("LLM task completed",
		"task_id", task.ID,
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens)

	return a.shape(task, resp.Content), nil
}

// buildPrompt renders the task and the selected context keys.
func (a *LLMAgent) buildPrompt(task *workflow.Task, globalContext map[string]any) (string, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task.Description)
	if caseID, _ := globalContext[workflow.ContextKeyCaseID].(string); caseID != "" {
		fmt.Fprintf(&sb, "Case No.: %s\n", caseID)
	}
	if jurisdiction, _ := globalContext[workflow.ContextKeyJurisdiction].(string); jurisdiction != "" {
		fmt.Fprintf(&sb, "Jurisdiction: %s\n", jurisdiction)
	}

	for _, key := range a.contextKeys {
		v, ok := globalContext[key]
		if !ok {
			continue
		}
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("render context key %s: %w", key, err)
		}
		fmt.Fprintf(&sb, "\n%s:\n%s\n", key, data)
	}
	return sb.String(), nil
}

// docTypeFromTask derives a document type from a drafting task id. Task
// ids end in a slug like "draft_complaint"; the prefix is stripped.
func docTypeFromTask(task *workflow.Task) string {
	slug := task.ID
	if i := strings.LastIndex(slug, "."); i >= 0 {
		slug = slug[i+1:]
	}
	return strings.TrimPrefix(slug, "draft_")
}

// NewDraftingAgent builds the bundled DraftingBot: each drafting task
// produces one document, published under the "documents" output key by its
// type so the compiler can pick it up.
func NewDraftingAgent(client Completer, opts ...LLMAgentOption) *LLMAgent {
	opts = append([]LLMAgentOption{
		WithContextKeys(workflow.ContextKeyFactsMatrix, workflow.ContextKeyClaimsMatrix, workflow.ContextKeyEvidenceTable),
		WithOutputShape(func(task *workflow.Task, content string) map[string]any {
			return map[string]any{
				"documents": map[string]any{
					docTypeFromTask(task): content,
				},
			}
		}),
	}, opts...)
	return NewLLMAgent(client, llm.CapabilityDrafting,
		"You are a litigation drafting assistant. Produce the requested court document in markdown, complete and ready for attorney review. Cite authorities inline where the record supports them.",
		opts...)
}

// NewAnalysisAgent builds an LLM agent for structured reasoning phases
// (outline, legal review, editing). Output lands under "content"; callers
// that need a different shape pass WithOutputShape.
func NewAnalysisAgent(client Completer, role string, opts ...LLMAgentOption) *LLMAgent {
	opts = append([]LLMAgentOption{
		WithContextKeys(workflow.ContextKeyFactsMatrix, workflow.ContextKeyClaimsMatrix),
	}, opts...)
	return NewLLMAgent(client, llm.CapabilityAnalysis, role, opts...)
}
