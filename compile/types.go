// Package compile implements the final compilation engine: the terminal
// aggregator that merges every phase's output into a court-ready deliverable
// package. Compilation is idempotent; identical phase outputs always yield
// the same issues, document ordering, and scores.
package compile

import (
	"sort"
	"time"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Document type tags for deliverables.
const (
	DocComplaint          = "complaint"
	DocCoverSheet         = "cover_sheet"
	DocStatementOfFacts   = "statement_of_facts"
	DocTableOfAuthorities = "table_of_authorities"
	DocEvidenceAppendix   = "evidence_appendix"
)

// filingPriority fixes the packet ordering for known document types.
// Unknown types sort after these, alphabetically.
var filingPriority = map[string]int{
	DocComplaint:          0,
	DocCoverSheet:         1,
	DocStatementOfFacts:   2,
	DocTableOfAuthorities: 3,
	DocEvidenceAppendix:   4,
}

// filingRank returns the sort key for a document type.
func filingRank(docType string) int {
	if r, ok := filingPriority[docType]; ok {
		return r
	}
	return len(filingPriority)
}

// sortDeliverables orders deliverables by filing priority, then type name.
func sortDeliverables(ds []Deliverable) {
	sort.SliceStable(ds, func(i, j int) bool {
		ri, rj := filingRank(ds[i].Type), filingRank(ds[j].Type)
		if ri != rj {
			return ri < rj
		}
		return ds[i].Type < ds[j].Type
	})
}

// PhaseResult is the frozen summary of one completed phase, consumed
// read-only by the compiler.
type PhaseResult struct {
	// Phase identifies the phase.
	Phase workflow.Phase `json:"phase"`

	// Status is the phase's terminal status.
	Status workflow.Status `json:"status"`

	// Output is the phase's merged output-data map.
	Output map[string]any `json:"output"`

	// ExecutionTime is the total task runtime of the phase.
	ExecutionTime time.Duration `json:"execution_time"`

	// Timestamp is when the phase finished.
	Timestamp time.Time `json:"timestamp"`

	// QualityScore rates the phase output in [0.0, 1.0].
	QualityScore float64 `json:"quality_score"`
}

// CaseMetadata carries the case identity into deliverable generation and
// export.
type CaseMetadata struct {
	CaseName     string `json:"case_name"`
	CaseID       string `json:"case_id,omitempty"`
	Jurisdiction string `json:"jurisdiction,omitempty"`
}

// Deliverable is one document of the compiled packet.
type Deliverable struct {
	// Type is the document type tag (e.g. "complaint").
	Type string `json:"type"`

	// Title is the document title.
	Title string `json:"title"`

	// Content is the document body, markdown formatted.
	Content string `json:"content"`

	// Format names the content format.
	Format string `json:"format"`

	// Metadata carries per-document annotations (quality score, source
	// phase, etc).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// PhaseLineage records which output keys a phase contributed, for
// provenance.
type PhaseLineage struct {
	Phase workflow.Phase `json:"phase"`
	Keys  []string       `json:"keys"`
}

// ValidationResults accumulates non-fatal findings from the validation step.
// Validation failure is advisory: it never aborts compilation.
type ValidationResults struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues,omitempty"`
}

// QualityMetrics scores the compiled packet. OverallScore is the mean of
// the four sub-scores.
type QualityMetrics struct {
	CitationAccuracy  float64  `json:"citation_accuracy"`
	LegalCompliance   float64  `json:"legal_compliance"`
	Completeness      float64  `json:"completeness"`
	FormattingQuality float64  `json:"formatting_quality"`
	OverallScore      float64  `json:"overall_score"`
	Recommendations   []string `json:"recommendations,omitempty"`
}

// ComplianceFlags are threshold-derived pass/fail marks from certification.
type ComplianceFlags struct {
	LegalAccuracy bool `json:"legal_accuracy"`
	Formatting    bool `json:"formatting"`
	Completeness  bool `json:"completeness"`
}

// CompilationResult is the output of one compilation run.
type CompilationResult struct {
	// Success is true when deliverables were generated, regardless of
	// validation findings.
	Success bool `json:"success"`

	// Deliverables are the packet documents in filing order.
	Deliverables []Deliverable `json:"deliverables"`

	// Validation holds the advisory validation findings.
	Validation ValidationResults `json:"validation"`

	// Compliance holds the certification flags.
	Compliance ComplianceFlags `json:"compliance"`

	// Lineage maps each phase to the output keys it contributed.
	Lineage []PhaseLineage `json:"lineage"`

	// ExportedFiles lists every file written during packaging.
	ExportedFiles []string `json:"exported_files,omitempty"`

	// BundlePath is the final archive, when packaging ran.
	BundlePath string `json:"bundle_path,omitempty"`

	// Duration is how long compilation took.
	Duration time.Duration `json:"duration"`

	// Errors accumulates per-step failures that did not abort compilation.
	Errors []string `json:"errors,omitempty"`

	// Quality is the aggregate scoring record.
	Quality *QualityMetrics `json:"quality,omitempty"`
}

// mergeOutputKey sets k to v in dst, except when both the existing and new
// values are maps; then their keys merge, new entries winning. Drafting
// tasks each publish one document under the shared "documents" key, so a
// plain overwrite would drop all but the last.
func mergeOutputKey(dst map[string]any, k string, v any) {
	newMap, newOK := v.(map[string]any)
	oldMap, oldOK := dst[k].(map[string]any)
	if !newOK || !oldOK {
		dst[k] = v
		return
	}
	merged := make(map[string]any, len(oldMap)+len(newMap))
	for k2, v2 := range oldMap {
		merged[k2] = v2
	}
	for k2, v2 := range newMap {
		merged[k2] = v2
	}
	dst[k] = merged
}

// PhaseResultsFromState derives per-phase results from a finished workflow:
// each phase's output is the merge of its completed tasks' outputs in
// task-id order, its execution time the sum of task durations, and its
// quality score the completed fraction of its tasks.
func PhaseResultsFromState(st *workflow.WorkflowState) map[workflow.Phase]PhaseResult {
	results := make(map[workflow.Phase]PhaseResult, len(workflow.Phases))
	for _, phase := range workflow.Phases {
		tasks := st.PhaseTasks(phase)

		output := make(map[string]any)
		var total time.Duration
		completed := 0
		var last time.Time
		for _, t := range tasks {
			total += t.ActualDuration
			if t.CompletedAt != nil && t.CompletedAt.After(last) {
				last = *t.CompletedAt
			}
			if t.Status != workflow.StatusCompleted {
				continue
			}
			completed++
			for k, v := range t.OutputData {
				mergeOutputKey(output, k, v)
			}
		}

		score := 1.0
		if len(tasks) > 0 {
			score = float64(completed) / float64(len(tasks))
		}

		results[phase] = PhaseResult{
			Phase:         phase,
			Status:        st.PhaseStatuses[phase],
			Output:        output,
			ExecutionTime: total,
			Timestamp:     last,
			QualityScore:  score,
		}
	}
	return results
}
