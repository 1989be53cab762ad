// Package state provides durable persistence for workflow sessions:
// atomic save/load keyed by session id, append-only checkpoint snapshots,
// and point-in-time restore that merges a checkpoint's global context back
// onto the live state.
package state

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Sentinel errors for persistence operations.
var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	ErrInvalidSessionID   = errors.New("invalid session id: must be lowercase alphanumeric with hyphens, no path separators")
)

// sessionIDPattern validates session ids: lowercase alphanumeric with
// hyphens, 1-64 chars.
var sessionIDPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?$`)

// ValidateSessionID checks if a session id is valid and safe for use in file
// paths and KV keys.
func ValidateSessionID(id string) error {
	if id == "" {
		return ErrInvalidSessionID
	}
	// Prevent path traversal
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return ErrInvalidSessionID
	}
	if !sessionIDPattern.MatchString(id) {
		return ErrInvalidSessionID
	}
	return nil
}

// SessionSummary is one row of a session listing.
type SessionSummary struct {
	SessionID     string                 `json:"session_id"`
	CaseName      string                 `json:"case_name"`
	CurrentPhase  workflow.Phase         `json:"current_phase"`
	OverallStatus workflow.OverallStatus `json:"overall_status"`
	TaskCounts    workflow.TaskCounts    `json:"task_counts"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// Checkpoint is an immutable snapshot of a session's progress: the phase,
// the completed-task ids, and a copy of the global context at snapshot time.
type Checkpoint struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Phase          workflow.Phase `json:"phase"`
	CompletedTasks []string       `json:"completed_tasks"`
	Context        map[string]any `json:"context"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Store persists workflow state. Implementations must make Save atomic: a
// crash mid-write must never leave a half-written state retrievable as valid.
type Store interface {
	// Save upserts the state keyed by session id and stamps UpdatedAt.
	Save(ctx context.Context, state *workflow.WorkflowState) error

	// Load returns the state for the session, or ErrSessionNotFound.
	Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error)

	// ListSessions returns summaries sorted most-recently-updated first.
	ListSessions(ctx context.Context) ([]SessionSummary, error)

	// Checkpoint appends an immutable snapshot for the session. It does not
	// replace Save.
	Checkpoint(ctx context.Context, state *workflow.WorkflowState) (*Checkpoint, error)

	// ListCheckpoints returns the session's checkpoints, oldest first.
	ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error)

	// Restore loads the latest state and overlays the selected checkpoint's
	// context onto it (most recent checkpoint when checkpointID is empty).
	// This is a merge, not a rollback: task history accumulated after the
	// checkpoint is kept. The merged state is persisted before returning.
	Restore(ctx context.Context, sessionID, checkpointID string) (*workflow.WorkflowState, error)
}

// summarize builds a SessionSummary from a loaded state.
func summarize(s *workflow.WorkflowState) SessionSummary {
	return SessionSummary{
		SessionID:     s.SessionID,
		CaseName:      s.CaseName,
		CurrentPhase:  s.CurrentPhase,
		OverallStatus: s.OverallStatus,
		TaskCounts:    s.CountTasks(),
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// applyCheckpoint merges the checkpoint's context onto the state. Task
// history accrued after the snapshot is untouched.
func applyCheckpoint(s *workflow.WorkflowState, cp *Checkpoint) {
	s.MergeContext(cp.Context)
}
