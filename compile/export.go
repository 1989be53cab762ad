package compile

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Exporter writes one deliverable to an external format. A failed export
// for one format must not block the others.
type Exporter interface {
	// Format names the output format (e.g. "markdown").
	Format() string

	// Export writes the deliverable and returns the written file path.
	Export(doc Deliverable, meta CaseMetadata) (string, error)
}

// fileSlug builds a filesystem-safe name from a document type.
func fileSlug(docType string) string {
	slug := strings.ToLower(docType)
	slug = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, slug)
	if slug == "" {
		slug = "document"
	}
	return slug
}

// MarkdownExporter writes deliverables as markdown files.
type MarkdownExporter struct {
	dir string
}

// NewMarkdownExporter creates a markdown exporter writing into dir.
func NewMarkdownExporter(dir string) *MarkdownExporter {
	return &MarkdownExporter{dir: dir}
}

// Format implements Exporter.
func (e *MarkdownExporter) Format() string { return "markdown" }

// Export implements Exporter.
func (e *MarkdownExporter) Export(doc Deliverable, meta CaseMetadata) (string, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(e.dir, fileSlug(doc.Type)+".md")
	if err := os.WriteFile(path, []byte(doc.Content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// JSONExporter writes deliverables as JSON records, content and metadata
// included, for downstream tooling.
type JSONExporter struct {
	dir string
}

// NewJSONExporter creates a JSON exporter writing into dir.
func NewJSONExporter(dir string) *JSONExporter {
	return &JSONExporter{dir: dir}
}

// Format implements Exporter.
func (e *JSONExporter) Format() string { return "json" }

// Export implements Exporter.
func (e *JSONExporter) Export(doc Deliverable, meta CaseMetadata) (string, error) {
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return "", err
	}

	record := struct {
		Case CaseMetadata `json:"case"`
		Deliverable
	}{Case: meta, Deliverable: doc}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(e.dir, fileSlug(doc.Type)+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

// Bundler zips exported files into one filing archive. Include and exclude
// glob patterns (doublestar syntax, matched against paths relative to the
// export directory) select which files land in the archive.
type Bundler struct {
	dir      string
	includes []string
	excludes []string
}

// NewBundler creates a bundler rooted at the export directory. With no
// include patterns everything is bundled.
func NewBundler(dir string, includes, excludes []string) *Bundler {
	return &Bundler{dir: dir, includes: includes, excludes: excludes}
}

// selected reports whether a relative path passes the include/exclude
// patterns.
func (b *Bundler) selected(rel string) (bool, error) {
	rel = filepath.ToSlash(rel)

	for _, pattern := range b.excludes {
		match, err := doublestar.Match(pattern, rel)
		if err != nil {
			return false, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
		if match {
			return false, nil
		}
	}

	if len(b.includes) == 0 {
		return true, nil
	}
	for _, pattern := range b.includes {
		match, err := doublestar.Match(pattern, rel)
		if err != nil {
			return false, fmt.Errorf("include pattern %q: %w", pattern, err)
		}
		if match {
			return true, nil
		}
	}
	return false, nil
}

// Bundle writes the selected files plus a manifest into a zip archive and
// returns the archive path.
func (b *Bundler) Bundle(meta CaseMetadata, files []string) (string, error) {
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return "", err
	}

	var selected []string
	for _, f := range files {
		rel, err := filepath.Rel(b.dir, f)
		if err != nil {
			rel = filepath.Base(f)
		}
		ok, err := b.selected(rel)
		if err != nil {
			return "", err
		}
		if ok {
			selected = append(selected, f)
		}
	}
	sort.Strings(selected)

	archivePath := filepath.Join(b.dir, "filing_packet.zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, f := range selected {
		if err := addToZip(zw, b.dir, f); err != nil {
			zw.Close()
			return "", err
		}
	}

	manifest := struct {
		Case      CaseMetadata `json:"case"`
		Files     []string     `json:"files"`
		CreatedAt time.Time    `json:"created_at"`
	}{Case: meta, CreatedAt: time.Now()}
	for _, f := range selected {
		rel, err := filepath.Rel(b.dir, f)
		if err != nil {
			rel = filepath.Base(f)
		}
		manifest.Files = append(manifest.Files, filepath.ToSlash(rel))
	}
	manifestData, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		zw.Close()
		return "", err
	}
	mw, err := zw.Create("manifest.json")
	if err != nil {
		zw.Close()
		return "", err
	}
	if _, err := mw.Write(manifestData); err != nil {
		zw.Close()
		return "", err
	}

	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("finalize archive: %w", err)
	}
	return archivePath, nil
}

// addToZip copies one file into the archive under its relative path.
func addToZip(zw *zip.Writer, root, path string) error {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	w, err := zw.Create(filepath.ToSlash(rel))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
