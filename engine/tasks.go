package engine

import (
	"fmt"
	"time"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// taskTemplate describes one task generated when a phase begins.
type taskTemplate struct {
	slug             string
	description      string
	agentType        string
	priority         workflow.Priority
	dependsOn        []string // slugs within the same phase
	requiresApproval bool
}

// phaseTemplates is the fixed per-phase work breakdown. Dependencies
// reference slugs in the same phase; cross-phase ordering is already
// enforced by the phase pipeline itself.
var phaseTemplates = map[workflow.Phase][]taskTemplate{
	workflow.PhaseIntake: {
		{slug: "parse_facts", description: "Parse case facts and build the initial facts record", agentType: workflow.AgentIntake, priority: workflow.PriorityHigh},
		{slug: "identify_parties", description: "Identify parties, roles, and jurisdiction", agentType: workflow.AgentIntake, priority: workflow.PriorityNormal, dependsOn: []string{"parse_facts"}},
	},
	workflow.PhaseOutline: {
		{slug: "build_facts_matrix", description: "Build the facts matrix from intake output", agentType: workflow.AgentOutline, priority: workflow.PriorityHigh},
		{slug: "draft_claims_outline", description: "Outline claims and map elements to facts", agentType: workflow.AgentOutline, priority: workflow.PriorityNormal, dependsOn: []string{"build_facts_matrix"}},
	},
	workflow.PhaseResearch: {
		{slug: "gather_authorities", description: "Gather case law and statutory authority for outlined claims", agentType: workflow.AgentResearch, priority: workflow.PriorityHigh},
	},
	workflow.PhaseDrafting: {
		{slug: "draft_complaint", description: "Draft the complaint", agentType: workflow.AgentDrafting, priority: workflow.PriorityCritical},
		{slug: "draft_statement_of_facts", description: "Draft the statement of facts", agentType: workflow.AgentDrafting, priority: workflow.PriorityHigh},
	},
	workflow.PhaseLegalReview: {
		{slug: "review_sufficiency", description: "Review drafts for legal sufficiency and citation support", agentType: workflow.AgentLegalReview, priority: workflow.PriorityCritical, requiresApproval: true},
	},
	workflow.PhaseEditing: {
		{slug: "edit_citations", description: "Normalize citations to Bluebook format", agentType: workflow.AgentEditor, priority: workflow.PriorityHigh},
		{slug: "edit_style", description: "Edit for style, clarity, and consistency", agentType: workflow.AgentEditor, priority: workflow.PriorityNormal},
	},
	workflow.PhaseOrchestration: {
		{slug: "reconcile_documents", description: "Reconcile cross-document references and party names", agentType: workflow.AgentOrchestrator, priority: workflow.PriorityHigh},
	},
	workflow.PhasePostProduction: {
		{slug: "assemble_packet", description: "Assemble the filing packet and exhibit list", agentType: workflow.AgentPostProduction, priority: workflow.PriorityCritical},
	},
}

// GeneratorConfig controls phase task generation.
type GeneratorConfig struct {
	// MaxRetries is stamped on every generated task.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RequireReviewApproval keeps the human-approval gate on review tasks.
	// When false, review tasks dispatch like any other.
	RequireReviewApproval bool `json:"require_review_approval" yaml:"require_review_approval"`
}

// taskID builds the canonical task id for a generated task.
func taskID(sessionID string, phase workflow.Phase, slug string) string {
	return fmt.Sprintf("task.%s.%s.%s", sessionID, phase, slug)
}

// GenerateTasks creates and attaches the template tasks for a phase. The
// generated set is validated as a dependency graph before any task is added
// so a bad template can never half-populate a phase.
func GenerateTasks(st *workflow.WorkflowState, phase workflow.Phase, cfg GeneratorConfig) error {
	templates := phaseTemplates[phase]
	if len(templates) == 0 {
		return nil
	}

	now := time.Now()
	tasks := make([]*workflow.Task, 0, len(templates))
	for _, tpl := range templates {
		deps := make([]string, 0, len(tpl.dependsOn))
		for _, slug := range tpl.dependsOn {
			deps = append(deps, taskID(st.SessionID, phase, slug))
		}
		tasks = append(tasks, &workflow.Task{
			ID:               taskID(st.SessionID, phase, tpl.slug),
			Phase:            phase,
			AgentType:        tpl.agentType,
			Description:      tpl.description,
			Priority:         tpl.priority,
			Status:           workflow.StatusPending,
			DependsOn:        deps,
			CreatedAt:        now,
			MaxRetries:       cfg.MaxRetries,
			RequiresApproval: tpl.requiresApproval && cfg.RequireReviewApproval,
		})
	}

	if _, err := NewDependencyGraph(tasks, nil); err != nil {
		return fmt.Errorf("phase %s task templates: %w", phase, err)
	}

	for _, t := range tasks {
		if err := st.AddTask(t); err != nil {
			return err
		}
	}

	// Populate reverse Blocks edges for status reporting.
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if upstream, ok := st.Tasks[dep]; ok {
				upstream.Blocks = append(upstream.Blocks, t.ID)
			}
		}
	}

	return nil
}
