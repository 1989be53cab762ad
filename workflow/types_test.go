package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseIntake.Next()
	assert.True(t, ok)
	assert.Equal(t, PhaseOutline, next)

	next, ok = PhaseOrchestration.Next()
	assert.True(t, ok)
	assert.Equal(t, PhasePostProduction, next)

	_, ok = PhasePostProduction.Next()
	assert.False(t, ok, "final phase has no successor")
}

func TestPhaseOrderIsTotal(t *testing.T) {
	for i := 0; i < len(Phases)-1; i++ {
		assert.True(t, Phases[i].Before(Phases[i+1]))
		assert.False(t, Phases[i+1].Before(Phases[i]))
	}
}

func TestParsePhase(t *testing.T) {
	tests := []struct {
		input    string
		expected Phase
		ok       bool
	}{
		{"drafting", PhaseDrafting, true},
		{"legal_review", PhaseLegalReview, true},
		{"not_a_real_phase", PhaseOutline, false},
		{"", PhaseOutline, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, ok := ParsePhase(tt.input)
			assert.Equal(t, tt.expected, p)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestResearchCapablePhases(t *testing.T) {
	assert.False(t, ResearchCapablePhases[PhaseIntake], "intake never triggers a loop")
	assert.False(t, ResearchCapablePhases[PhaseResearch], "research never loops into itself")
	assert.True(t, ResearchCapablePhases[PhaseOutline])
	assert.True(t, ResearchCapablePhases[PhasePostProduction])
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		{StatusInProgress, StatusFailed, true},
		{StatusInProgress, StatusPending, true}, // retry
		{StatusPending, StatusRequiresHumanReview, true},
		{StatusRequiresHumanReview, StatusPending, true},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusInProgress, false},
		{StatusPending, StatusCompleted, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"_to_"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.False(t, StatusRequiresHumanReview.IsTerminal())
}

func TestPriorityRank(t *testing.T) {
	assert.Less(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Less(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Less(t, PriorityNormal.Rank(), PriorityLow.Rank())
	assert.Equal(t, PriorityNormal.Rank(), Priority("bogus").Rank())
}

func TestTaskDispatchable(t *testing.T) {
	task := &Task{ID: "t1", Status: StatusPending}
	assert.True(t, task.Dispatchable())

	task.RequiresApproval = true
	assert.False(t, task.Dispatchable(), "approval gate blocks dispatch")

	task.Approved = true
	assert.True(t, task.Dispatchable())

	task.Status = StatusInProgress
	assert.False(t, task.Dispatchable())
}
