// Package research provides the research capability consumed by the
// workflow engine's research loop: given a question and an optional
// jurisdiction, return citable findings. The engine treats the capability
// as optional; ErrUnavailable degrades the loop to "consumed, no new
// evidence" rather than stranding the workflow.
package research

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the research capability is missing or failing.
// Callers must degrade gracefully, never propagate this as fatal.
var ErrUnavailable = errors.New("research capability unavailable")

// Finding is one citable research result.
type Finding struct {
	// Citation is the legal citation string (e.g. "17 U.S.C. § 107").
	Citation string `json:"citation"`

	// Title is the title of the authority or article.
	Title string `json:"title"`

	// Source is where the finding came from (URL or provider name).
	Source string `json:"source"`

	// Summary is an optional extract of the relevant content.
	Summary string `json:"summary,omitempty"`
}

// Service is the research contract used by the engine's research loop.
type Service interface {
	// Research answers one question, optionally scoped to a jurisdiction.
	// Returns ErrUnavailable (possibly wrapped) when the capability is down.
	Research(ctx context.Context, question, jurisdiction string) ([]Finding, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, question, jurisdiction string) ([]Finding, error)

// Research implements Service.
func (f ServiceFunc) Research(ctx context.Context, question, jurisdiction string) ([]Finding, error) {
	return f(ctx, question, jurisdiction)
}

// Unavailable returns a Service that always reports ErrUnavailable. Used
// when no research backend is configured.
func Unavailable() Service {
	return ServiceFunc(func(context.Context, string, string) ([]Finding, error) {
		return nil, ErrUnavailable
	})
}
