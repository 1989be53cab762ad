package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/llm"
	"github.com/lawyerfactory/lawyerfactory/workflow"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get(workflow.AgentIntake)
	assert.ErrorIs(t, err, ErrAgentNotFound)

	r.Register(workflow.AgentIntake, AgentFunc(func(_ context.Context, _ *workflow.Task, _ map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))
	r.Register(workflow.AgentDrafting, AgentFunc(func(_ context.Context, _ *workflow.Task, _ map[string]any) (map[string]any, error) {
		return nil, nil
	}))

	a, err := r.Get(workflow.AgentIntake)
	require.NoError(t, err)
	out, err := a.Execute(context.Background(), &workflow.Task{ID: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])

	assert.Equal(t, []string{workflow.AgentDrafting, workflow.AgentIntake}, r.Types())
}

func TestExecutionErrorUnwrap(t *testing.T) {
	inner := errors.New("model said no")
	task := &workflow.Task{ID: "task.s.drafting.draft_complaint", AgentType: workflow.AgentDrafting}

	err := NewExecutionError(task, inner)
	assert.True(t, err.Retryable)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), task.ID)
	assert.Contains(t, err.Error(), workflow.AgentDrafting)
}

// fakeCompleter returns a canned completion or error.
type fakeCompleter struct {
	content string
	err     error
	lastReq llm.Request
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: f.content, Model: "fake-model"}, nil
}

func TestDraftingAgentShapesDocuments(t *testing.T) {
	fake := &fakeCompleter{content: "# Complaint\n\nPlaintiff alleges."}
	a := NewDraftingAgent(fake)

	task := &workflow.Task{
		ID:          "task.sess.drafting.draft_complaint",
		AgentType:   workflow.AgentDrafting,
		Description: "Draft the complaint",
	}
	out, err := a.Execute(context.Background(), task, map[string]any{
		workflow.ContextKeyJurisdiction: "California",
		workflow.ContextKeyFactsMatrix:  map[string]any{"incident": "collision"},
	})
	require.NoError(t, err)

	docs, ok := out["documents"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "# Complaint\n\nPlaintiff alleges.", docs["complaint"])

	assert.Equal(t, string(llm.CapabilityDrafting), fake.lastReq.Capability)
	require.Len(t, fake.lastReq.Messages, 2)
	assert.Equal(t, "system", fake.lastReq.Messages[0].Role)
	assert.Contains(t, fake.lastReq.Messages[1].Content, "Draft the complaint")
	assert.Contains(t, fake.lastReq.Messages[1].Content, "California")
	assert.Contains(t, fake.lastReq.Messages[1].Content, "collision")
}

func TestLLMAgentErrorClassification(t *testing.T) {
	task := &workflow.Task{ID: "task.s.outline.build_facts_matrix", AgentType: workflow.AgentOutline}

	transient := &fakeCompleter{err: llm.NewTransientError(errors.New("overloaded"))}
	_, err := NewAnalysisAgent(transient, "You are an outline analyst.").Execute(context.Background(), task, nil)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.True(t, execErr.Retryable)

	fatal := &fakeCompleter{err: llm.NewFatalError(errors.New("bad api key"))}
	_, err = NewAnalysisAgent(fatal, "You are an outline analyst.").Execute(context.Background(), task, nil)
	require.ErrorAs(t, err, &execErr)
	assert.False(t, execErr.Retryable)
}

func TestLLMAgentDefaultShape(t *testing.T) {
	fake := &fakeCompleter{content: "outline text"}
	a := NewLLMAgent(fake, llm.CapabilityFast, "role")

	out, err := a.Execute(context.Background(), &workflow.Task{ID: "t", Description: "outline"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "outline text", out["content"])
}

func TestDocTypeFromTask(t *testing.T) {
	assert.Equal(t, "complaint", docTypeFromTask(&workflow.Task{ID: "task.s.drafting.draft_complaint"}))
	assert.Equal(t, "statement_of_facts", docTypeFromTask(&workflow.Task{ID: "task.s.drafting.draft_statement_of_facts"}))
	assert.Equal(t, "memo", docTypeFromTask(&workflow.Task{ID: "memo"}))
}
