package research

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// maxFetchBytes caps how much of a source page is read.
const maxFetchBytes = 2 << 20 // 2MB

// citationRe matches common US legal citation shapes: reporters
// ("123 F.3d 456"), statutes ("17 U.S.C. § 107"), and state codes
// ("Cal. Civ. Code § 1714").
var citationRe = regexp.MustCompile(
	`\b\d{1,4}\s+(?:[A-Z][A-Za-z.]*\s*)+(?:\d[a-z]{1,2}\s+)?\d{1,5}\b|\b(?:\d+\s+)?[A-Z][A-Za-z.]*(?:\s+[A-Z][A-Za-z.]*)*\s+§+\s*[\d.]+(?:\([a-z0-9]+\))*`)

// Source is one configured research endpoint. The query template must
// contain a single %s verb for the URL-escaped search terms.
type Source struct {
	Name          string `yaml:"name" json:"name"`
	QueryTemplate string `yaml:"query_template" json:"query_template"`
}

// WebResearcher answers research questions by fetching configured case-law
// sources, extracting the readable article content, and mining citations
// out of the markdown-converted text.
type WebResearcher struct {
	client      *http.Client
	sources     []Source
	converter   *md.Converter
	maxFindings int
	logger      *slog.Logger
}

// NewWebResearcher creates a researcher over the given sources. Sources with
// templates that fail ValidateURL are rejected up front so a misconfigured
// endpoint cannot be probed at query time.
func NewWebResearcher(client *http.Client, sources []Source, maxFindings int, logger *slog.Logger) (*WebResearcher, error) {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if maxFindings <= 0 {
		maxFindings = 10
	}

	for _, s := range sources {
		probe := fmt.Sprintf(s.QueryTemplate, url.QueryEscape("probe"))
		if err := ValidateURL(probe); err != nil {
			return nil, fmt.Errorf("source %s: %w", s.Name, err)
		}
	}

	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())

	return &WebResearcher{
		client:      client,
		sources:     sources,
		converter:   converter,
		maxFindings: maxFindings,
		logger:      logger,
	}, nil
}

// Research implements Service. Each configured source is queried in order;
// per-source failures are logged and skipped. Only when every source fails
// (or none are configured) does the call return ErrUnavailable.
func (r *WebResearcher) Research(ctx context.Context, question, jurisdiction string) ([]Finding, error) {
	if len(r.sources) == 0 {
		return nil, ErrUnavailable
	}

	terms := question
	if jurisdiction != "" {
		terms = question + " " + jurisdiction
	}

	var findings []Finding
	failures := 0
	for _, src := range r.sources {
		if len(findings) >= r.maxFindings {
			break
		}
		got, err := r.query(ctx, src, terms)
		if err != nil {
			failures++
			r.logger.Warn("Research source query failed",
				"source", src.Name,
				"question", question,
				"error", err)
			continue
		}
		findings = append(findings, got...)
	}

	if failures == len(r.sources) {
		return nil, fmt.Errorf("%w: all %d sources failed", ErrUnavailable, failures)
	}
	if len(findings) > r.maxFindings {
		findings = findings[:r.maxFindings]
	}
	return findings, nil
}

// query fetches one source and extracts findings from the page.
func (r *WebResearcher) query(ctx context.Context, src Source, terms string) ([]Finding, error) {
	queryURL := fmt.Sprintf(src.QueryTemplate, url.QueryEscape(terms))
	if err := ValidateURL(queryURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/html")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}

	return r.extract(body, queryURL, src.Name)
}

// extract pulls the readable article out of a page, converts it to
// markdown, and mines citations from the text.
func (r *WebResearcher) extract(page []byte, pageURL, sourceName string) ([]Finding, error) {
	parsedURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}

	title := ""
	content := string(page)

	article, err := readability.FromReader(strings.NewReader(content), parsedURL)
	if err == nil {
		title = article.Title
		content = article.Content
	}

	markdown, err := r.converter.ConvertString(content)
	if err != nil {
		return nil, err
	}
	if title == "" {
		title = extractHTMLTitle(page)
	}

	citations := citationRe.FindAllString(markdown, -1)
	seen := make(map[string]bool)

	var findings []Finding
	for _, c := range citations {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		findings = append(findings, Finding{
			Citation: c,
			Title:    title,
			Source:   pageURL,
			Summary:  excerptAround(markdown, c),
		})
	}

	// A readable page with no recognizable citations still counts as one
	// finding so the evidence table records the source consulted.
	if len(findings) == 0 && title != "" {
		findings = append(findings, Finding{
			Title:  title,
			Source: pageURL,
		})
	}

	r.logger.Debug("Extracted research findings",
		"source", sourceName,
		"title", title,
		"findings", len(findings))

	return findings, nil
}

// excerptAround returns up to 200 characters of text surrounding the first
// occurrence of needle.
func excerptAround(text, needle string) string {
	idx := strings.Index(text, needle)
	if idx < 0 {
		return ""
	}
	start := idx - 80
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + 120
	if end > len(text) {
		end = len(text)
	}
	return strings.TrimSpace(strings.Join(strings.Fields(text[start:end]), " "))
}

// extractHTMLTitle extracts the <title> from raw HTML.
func extractHTMLTitle(content []byte) string {
	doc, err := html.Parse(strings.NewReader(string(content)))
	if err != nil {
		return ""
	}

	var title string
	var extract func(*html.Node)
	extract = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if title != "" {
				return
			}
			extract(c)
		}
	}
	extract(doc)

	return title
}
