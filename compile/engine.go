package compile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Config tunes the compilation engine.
type Config struct {
	// RequiredPhases must be present and Completed for validation to pass.
	RequiredPhases []workflow.Phase `json:"required_phases" yaml:"required_phases"`

	// MinQualityScore is the per-phase quality floor.
	MinQualityScore float64 `json:"min_quality_score" yaml:"min_quality_score"`

	// RequiredDocuments is the minimum document set the packet must carry.
	RequiredDocuments []string `json:"required_documents" yaml:"required_documents"`

	// MinContentLength is the short-content threshold used during
	// certification.
	MinContentLength int `json:"min_content_length" yaml:"min_content_length"`
}

// DefaultConfig returns the standard compilation requirements.
func DefaultConfig() Config {
	return Config{
		RequiredPhases: []workflow.Phase{
			workflow.PhaseIntake,
			workflow.PhaseOutline,
			workflow.PhaseResearch,
			workflow.PhaseDrafting,
			workflow.PhaseLegalReview,
			workflow.PhaseEditing,
		},
		MinQualityScore: 0.75,
		RequiredDocuments: []string{
			DocComplaint,
			DocCoverSheet,
			DocStatementOfFacts,
			DocTableOfAuthorities,
		},
		MinContentLength: 200,
	}
}

// Engine is the final compilation engine. Each step can fail independently
// without aborting the whole run; failures accumulate as issues and errors
// on the result.
type Engine struct {
	cfg       Config
	exporters []Exporter
	bundler   *Bundler
	logger    *slog.Logger
}

// NewEngine creates a compilation engine. Exporters and bundler are
// optional; without them the package step is skipped.
func NewEngine(cfg Config, exporters []Exporter, bundler *Bundler, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinQualityScore <= 0 {
		cfg.MinQualityScore = DefaultConfig().MinQualityScore
	}
	if cfg.MinContentLength <= 0 {
		cfg.MinContentLength = DefaultConfig().MinContentLength
	}
	return &Engine{
		cfg:       cfg,
		exporters: exporters,
		bundler:   bundler,
		logger:    logger,
	}
}

// Compile runs the six compilation steps: aggregate, validate, generate,
// certify, package, score. Only a context cancellation returns an error;
// everything else degrades into the result's issue and error lists.
func (e *Engine) Compile(ctx context.Context, meta CaseMetadata, results map[workflow.Phase]PhaseResult, globalContext map[string]any) (*CompilationResult, error) {
	start := time.Now()
	result := &CompilationResult{}

	// Step 1: aggregate.
	aggregated, lineage := e.aggregate(results)
	result.Lineage = lineage

	// Step 2: validate.
	result.Validation = e.validate(results, aggregated)

	// Step 3: generate deliverables.
	evidence, _ := globalContext[workflow.ContextKeyEvidenceTable].([]any)
	result.Deliverables = e.generate(meta, aggregated, evidence)
	result.Success = len(result.Deliverables) > 0

	// Step 4: certify.
	result.Compliance = e.certify(result.Deliverables)

	// Step 5: package.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.packageDeliverables(result, meta)

	// Step 6: score.
	result.Quality = e.score(result, evidence)

	result.Duration = time.Since(start)
	e.logger.Info("Compilation finished",
		"case_name", meta.CaseName,
		"deliverables", len(result.Deliverables),
		"validation_passed", result.Validation.Passed,
		"overall_score", result.Quality.OverallScore,
		"duration", result.Duration)
	return result, nil
}

// aggregate merges every phase's output into one map, in pipeline order so
// later phases overwrite earlier ones, and records per-phase lineage.
func (e *Engine) aggregate(results map[workflow.Phase]PhaseResult) (map[string]any, []PhaseLineage) {
	aggregated := make(map[string]any)
	var lineage []PhaseLineage

	for _, phase := range workflow.Phases {
		pr, ok := results[phase]
		if !ok {
			continue
		}
		keys := make([]string, 0, len(pr.Output))
		for k, v := range pr.Output {
			mergeOutputKey(aggregated, k, v)
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lineage = append(lineage, PhaseLineage{Phase: phase, Keys: keys})
	}
	return aggregated, lineage
}

// validate checks required phases, phase quality, and the minimum document
// set. All violations are issues; none abort compilation.
func (e *Engine) validate(results map[workflow.Phase]PhaseResult, aggregated map[string]any) ValidationResults {
	v := ValidationResults{Passed: true}

	for _, phase := range e.cfg.RequiredPhases {
		pr, ok := results[phase]
		if !ok {
			v.Passed = false
			v.Issues = append(v.Issues, fmt.Sprintf("required phase %s is missing", phase))
			continue
		}
		if pr.Status != workflow.StatusCompleted {
			v.Passed = false
			v.Issues = append(v.Issues, fmt.Sprintf("required phase %s is %s, not completed", phase, pr.Status))
		}
		if pr.QualityScore < e.cfg.MinQualityScore {
			v.Passed = false
			v.Issues = append(v.Issues, fmt.Sprintf(
				"phase %s quality score %.2f below minimum %.2f", phase, pr.QualityScore, e.cfg.MinQualityScore))
		}
	}

	docs, _ := aggregated["documents"].(map[string]any)
	for _, required := range e.cfg.RequiredDocuments {
		if derivedDocument(required) {
			continue // generated by this engine, not expected from phases
		}
		if _, ok := docs[required]; !ok {
			v.Passed = false
			v.Issues = append(v.Issues, fmt.Sprintf("required document %s was not produced", required))
		}
	}

	return v
}

// derivedDocument reports whether the engine itself generates the document
// type.
func derivedDocument(docType string) bool {
	switch docType {
	case DocCoverSheet, DocTableOfAuthorities, DocEvidenceAppendix:
		return true
	default:
		return false
	}
}

// generate merges drafted documents with the derived ones and sorts the
// packet into filing order. The cover sheet is built last so its document
// list reflects the full packet.
func (e *Engine) generate(meta CaseMetadata, aggregated map[string]any, evidence []any) []Deliverable {
	docs := draftedDocuments(aggregated)
	docs = append(docs, buildTableOfAuthorities(meta, evidence))
	docs = append(docs, buildEvidenceAppendix(meta, evidence))
	sortDeliverables(docs)

	cover := buildCoverSheet(meta, docs)
	docs = append(docs, cover)
	sortDeliverables(docs)
	return docs
}

// certify scores each deliverable, stores the score in its metadata, and
// derives compliance flags from the average.
func (e *Engine) certify(docs []Deliverable) ComplianceFlags {
	if len(docs) == 0 {
		return ComplianceFlags{}
	}

	var sum float64
	for i := range docs {
		score := 1.0
		if docs[i].Title == "" {
			score -= 0.3
		}
		if len(docs[i].Content) < e.cfg.MinContentLength {
			score -= 0.3
		}
		if docs[i].Type == "" {
			score -= 0.2
		}
		if score < 0 {
			score = 0
		}
		if docs[i].Metadata == nil {
			docs[i].Metadata = make(map[string]any)
		}
		docs[i].Metadata["quality_score"] = score
		sum += score
	}
	avg := sum / float64(len(docs))

	return ComplianceFlags{
		LegalAccuracy: avg >= e.cfg.MinQualityScore,
		Formatting:    avg >= 0.6,
		Completeness:  avg >= 0.5,
	}
}

// packageDeliverables exports each document in every configured format and
// bundles the exported files. A failed export for one document or format
// never blocks the others.
func (e *Engine) packageDeliverables(result *CompilationResult, meta CaseMetadata) {
	if len(e.exporters) == 0 {
		return
	}

	for _, doc := range result.Deliverables {
		for _, exp := range e.exporters {
			path, err := exp.Export(doc, meta)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf(
					"export %s as %s: %v", doc.Type, exp.Format(), err))
				continue
			}
			result.ExportedFiles = append(result.ExportedFiles, path)
		}
	}
	sort.Strings(result.ExportedFiles)

	if e.bundler == nil || len(result.ExportedFiles) == 0 {
		return
	}
	bundle, err := e.bundler.Bundle(meta, result.ExportedFiles)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("bundle packet: %v", err))
		return
	}
	result.BundlePath = bundle
}

// score computes aggregate quality metrics with recommendations keyed to
// the weak sub-scores.
func (e *Engine) score(result *CompilationResult, evidence []any) *QualityMetrics {
	m := &QualityMetrics{}

	// Citation accuracy: how much of the packet is backed by authority.
	citations := citationsFrom(evidence)
	switch {
	case len(citations) >= 5:
		m.CitationAccuracy = 1.0
	case len(citations) > 0:
		m.CitationAccuracy = 0.6 + 0.08*float64(len(citations))
	default:
		m.CitationAccuracy = 0.4
	}

	// Completeness: required document coverage.
	present := make(map[string]bool, len(result.Deliverables))
	for _, d := range result.Deliverables {
		present[d.Type] = true
	}
	if len(e.cfg.RequiredDocuments) > 0 {
		have := 0
		for _, required := range e.cfg.RequiredDocuments {
			if present[required] {
				have++
			}
		}
		m.Completeness = float64(have) / float64(len(e.cfg.RequiredDocuments))
	} else {
		m.Completeness = 1.0
	}

	// Legal compliance and formatting from certification scores.
	var sum float64
	formatted := 0
	for _, d := range result.Deliverables {
		if score, ok := d.Metadata["quality_score"].(float64); ok {
			sum += score
		}
		if d.Title != "" && len(d.Content) >= e.cfg.MinContentLength {
			formatted++
		}
	}
	if n := len(result.Deliverables); n > 0 {
		m.LegalCompliance = sum / float64(n)
		m.FormattingQuality = float64(formatted) / float64(n)
	}

	m.OverallScore = (m.CitationAccuracy + m.LegalCompliance + m.Completeness + m.FormattingQuality) / 4

	if m.CitationAccuracy < 0.75 {
		m.Recommendations = append(m.Recommendations, "Add supporting authorities: the packet cites few or no cases or statutes.")
	}
	if m.LegalCompliance < 0.75 {
		m.Recommendations = append(m.Recommendations, "Review document completeness: one or more documents are missing required elements.")
	}
	if m.Completeness < 1.0 {
		m.Recommendations = append(m.Recommendations, "Produce the missing required documents before filing.")
	}
	if m.FormattingQuality < 0.75 {
		m.Recommendations = append(m.Recommendations, "Expand short documents: several fall below the expected length.")
	}
	return m
}
