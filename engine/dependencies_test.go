package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

func depTask(id string, deps ...string) *workflow.Task {
	return &workflow.Task{ID: id, DependsOn: deps}
}

func TestDependencyGraphAcceptsChain(t *testing.T) {
	_, err := NewDependencyGraph([]*workflow.Task{
		depTask("a"),
		depTask("b", "a"),
		depTask("c", "a", "b"),
	}, nil)
	assert.NoError(t, err)
}

func TestDependencyGraphDetectsCycle(t *testing.T) {
	_, err := NewDependencyGraph([]*workflow.Task{
		depTask("a", "b"),
		depTask("b", "a"),
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circular")
}

func TestDependencyGraphUnknownDep(t *testing.T) {
	_, err := NewDependencyGraph([]*workflow.Task{depTask("a", "ghost")}, nil)
	assert.Error(t, err)

	// Satisfied externally: validation passes.
	_, err = NewDependencyGraph([]*workflow.Task{depTask("a", "ghost")},
		map[string]bool{"ghost": true})
	assert.NoError(t, err)
}

func TestGenerateTasksWiresDependencies(t *testing.T) {
	st, err := workflow.NewWorkflowState("sess-gen", "Coyote v. Acme", workflow.PhaseIntake, 3)
	require.NoError(t, err)

	require.NoError(t, GenerateTasks(st, workflow.PhaseIntake, GeneratorConfig{MaxRetries: 2}))

	tasks := st.PhaseTasks(workflow.PhaseIntake)
	require.Len(t, tasks, 2)

	parties, err := st.Task("task.sess-gen.intake.identify_parties")
	require.NoError(t, err)
	assert.Equal(t, []string{"task.sess-gen.intake.parse_facts"}, parties.DependsOn)
	assert.Equal(t, 2, parties.MaxRetries)
	assert.Equal(t, workflow.AgentIntake, parties.AgentType)

	facts, err := st.Task("task.sess-gen.intake.parse_facts")
	require.NoError(t, err)
	assert.Equal(t, []string{"task.sess-gen.intake.identify_parties"}, facts.Blocks)
}

func TestGenerateTasksEveryPhaseHasAgents(t *testing.T) {
	for phase, templates := range phaseTemplates {
		for _, tpl := range templates {
			assert.NotEmpty(t, tpl.agentType, "phase %s slug %s", phase, tpl.slug)
			assert.NotEmpty(t, tpl.description, "phase %s slug %s", phase, tpl.slug)
		}
	}
}
