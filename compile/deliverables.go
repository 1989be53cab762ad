package compile

import (
	"fmt"
	"sort"
	"strings"
)

// draftedDocuments pulls carried-over documents out of the aggregated phase
// output. Drafting and editing phases publish them under the "documents"
// key as a type→content map; later phases overwrite earlier ones during
// aggregation, so the edited version wins.
func draftedDocuments(aggregated map[string]any) []Deliverable {
	raw, ok := aggregated["documents"].(map[string]any)
	if !ok {
		return nil
	}

	types := make([]string, 0, len(raw))
	for t := range raw {
		types = append(types, t)
	}
	sort.Strings(types)

	var docs []Deliverable
	for _, docType := range types {
		content, ok := raw[docType].(string)
		if !ok {
			continue
		}
		docs = append(docs, Deliverable{
			Type:    docType,
			Title:   titleFor(docType),
			Content: content,
			Format:  "markdown",
			Metadata: map[string]any{
				"source": "drafting",
			},
		})
	}
	return docs
}

// titleFor converts a document type tag into a display title.
func titleFor(docType string) string {
	words := strings.Split(docType, "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// buildCoverSheet derives the filing cover sheet from case metadata,
// jurisdiction defaults, and the packet's document list.
func buildCoverSheet(meta CaseMetadata, docs []Deliverable) Deliverable {
	defaults := defaultsFor(meta.Jurisdiction)

	var sb strings.Builder
	sb.WriteString("# Civil Case Cover Sheet\n\n")
	fmt.Fprintf(&sb, "**Court:** %s, %s\n\n", defaults.CourtName, defaults.Division)
	fmt.Fprintf(&sb, "**Case:** %s\n\n", meta.CaseName)
	if meta.CaseID != "" {
		fmt.Fprintf(&sb, "**Case No.:** %s\n\n", meta.CaseID)
	}
	if meta.Jurisdiction != "" {
		fmt.Fprintf(&sb, "**Jurisdiction:** %s\n\n", meta.Jurisdiction)
	}
	sb.WriteString("## Documents Filed\n\n")
	for i, d := range docs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, d.Title)
	}
	sb.WriteString("\n")
	sb.WriteString(defaults.FilingNote)
	sb.WriteString("\n")

	return Deliverable{
		Type:    DocCoverSheet,
		Title:   titleFor(DocCoverSheet),
		Content: sb.String(),
		Format:  "markdown",
		Metadata: map[string]any{
			"source": "derived",
			"court":  defaults.CourtName,
		},
	}
}

// citationsFrom extracts the unique citation strings from evidence entries,
// sorted for stable output.
func citationsFrom(evidence []any) []string {
	seen := make(map[string]bool)
	var citations []string
	for _, entry := range evidence {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		c, _ := m["citation"].(string)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		citations = append(citations, c)
	}
	sort.Strings(citations)
	return citations
}

// buildTableOfAuthorities derives the table of authorities from the
// evidence table.
func buildTableOfAuthorities(meta CaseMetadata, evidence []any) Deliverable {
	citations := citationsFrom(evidence)

	var sb strings.Builder
	sb.WriteString("# Table of Authorities\n\n")
	fmt.Fprintf(&sb, "*%s*\n\n", meta.CaseName)
	if len(citations) == 0 {
		sb.WriteString("No authorities cited.\n")
	} else {
		for _, c := range citations {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}

	return Deliverable{
		Type:    DocTableOfAuthorities,
		Title:   titleFor(DocTableOfAuthorities),
		Content: sb.String(),
		Format:  "markdown",
		Metadata: map[string]any{
			"source":          "derived",
			"authority_count": len(citations),
		},
	}
}

// buildEvidenceAppendix derives the evidence appendix from the evidence
// table, preserving entry order.
func buildEvidenceAppendix(meta CaseMetadata, evidence []any) Deliverable {
	var sb strings.Builder
	sb.WriteString("# Evidence Appendix\n\n")
	fmt.Fprintf(&sb, "*%s*\n\n", meta.CaseName)

	count := 0
	for _, entry := range evidence {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		count++
		fmt.Fprintf(&sb, "## Exhibit %d\n\n", count)
		for _, key := range []string{"citation", "title", "source", "summary"} {
			if v, _ := m[key].(string); v != "" {
				fmt.Fprintf(&sb, "**%s:** %s\n\n", titleFor(key), v)
			}
		}
	}
	if count == 0 {
		sb.WriteString("No evidence entries recorded.\n")
	}

	return Deliverable{
		Type:    DocEvidenceAppendix,
		Title:   titleFor(DocEvidenceAppendix),
		Content: sb.String(),
		Format:  "markdown",
		Metadata: map[string]any{
			"source":        "derived",
			"exhibit_count": count,
		},
	}
}
