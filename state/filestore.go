package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// File names within a session directory.
const (
	StateFile      = "state.json"
	CheckpointsDir = "checkpoints"
)

// FileStore persists workflow state as JSON files under a root directory:
//
//	{root}/sessions/{session}/state.json
//	{root}/sessions/{session}/checkpoints/{timestamp}-{id}.json
//
// Saves are atomic: state is written to a temp file in the same directory
// and renamed into place.
type FileStore struct {
	root string

	// Per-session mutexes prevent races when multiple goroutines save the
	// same session concurrently.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewFileStore creates a file store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}
}

// SessionsPath returns the directory holding all sessions.
func (fs *FileStore) SessionsPath() string {
	return filepath.Join(fs.root, "sessions")
}

// sessionPath returns the directory for one session.
func (fs *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(fs.SessionsPath(), sessionID)
}

// lock returns the mutex for the session, creating one if needed.
func (fs *FileStore) lock(sessionID string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if fs.locks[sessionID] == nil {
		fs.locks[sessionID] = &sync.Mutex{}
	}
	return fs.locks[sessionID]
}

// Save implements Store.
func (fs *FileStore) Save(ctx context.Context, state *workflow.WorkflowState) error {
	if err := ValidateSessionID(state.SessionID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := fs.lock(state.SessionID)
	lock.Lock()
	defer lock.Unlock()

	state.UpdatedAt = time.Now()

	dir := fs.sessionPath(state.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	return atomicWrite(filepath.Join(dir, StateFile), data)
}

// atomicWrite writes data to path via a temp file + rename so a crash can
// never leave a half-written file retrievable as valid.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load implements Store.
func (fs *FileStore) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(fs.sessionPath(sessionID), StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to read state: %w", err)
	}

	var state workflow.WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to parse state: %w", err)
	}

	return &state, nil
}

// ListSessions implements Store. Sessions that fail to load are skipped.
func (fs *FileStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(fs.SessionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionSummary{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	summaries := []SessionSummary{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s, err := fs.Load(ctx, entry.Name())
		if err != nil {
			continue
		}
		summaries = append(summaries, summarize(s))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Checkpoint implements Store.
func (fs *FileStore) Checkpoint(ctx context.Context, state *workflow.WorkflowState) (*Checkpoint, error) {
	if err := ValidateSessionID(state.SessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := fs.lock(state.SessionID)
	lock.Lock()
	defer lock.Unlock()

	cp, err := newCheckpoint(state)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(fs.sessionPath(state.SessionID), CheckpointsDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoints directory: %w", err)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", cp.CreatedAt.UnixNano(), cp.ID)
	if err := atomicWrite(filepath.Join(dir, name), data); err != nil {
		return nil, err
	}

	state.Checkpoints = append(state.Checkpoints, workflow.CheckpointMeta{
		ID:        cp.ID,
		Phase:     cp.Phase,
		CreatedAt: cp.CreatedAt,
	})

	return cp, nil
}

// newCheckpoint snapshots the subset of state a checkpoint carries. The
// context copy goes through JSON so later mutation of the live state cannot
// leak into the snapshot.
func newCheckpoint(state *workflow.WorkflowState) (*Checkpoint, error) {
	ctxCopy, err := deepCopyContext(state.GlobalContext)
	if err != nil {
		return nil, fmt.Errorf("failed to copy context: %w", err)
	}
	completed := append([]string(nil), state.CompletedTasks...)

	return &Checkpoint{
		ID:             uuid.New().String(),
		SessionID:      state.SessionID,
		Phase:          state.CurrentPhase,
		CompletedTasks: completed,
		Context:        ctxCopy,
		CreatedAt:      time.Now(),
	}, nil
}

// deepCopyContext round-trips a context map through JSON.
func deepCopyContext(ctx map[string]any) (map[string]any, error) {
	if ctx == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(ctx))
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListCheckpoints implements Store.
func (fs *FileStore) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir := filepath.Join(fs.sessionPath(sessionID), CheckpointsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Checkpoint{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}

	// Filenames are {unix-nanos}-{uuid}.json, so lexical name order is
	// creation order for any realistic clock.
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	checkpoints := make([]Checkpoint, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint %s: %w", name, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			return nil, fmt.Errorf("failed to parse checkpoint %s: %w", name, err)
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// Restore implements Store.
func (fs *FileStore) Restore(ctx context.Context, sessionID, checkpointID string) (*workflow.WorkflowState, error) {
	state, err := fs.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	checkpoints, err := fs.ListCheckpoints(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("%w: session %s has no checkpoints", ErrCheckpointNotFound, sessionID)
	}

	var selected *Checkpoint
	if checkpointID == "" {
		selected = &checkpoints[len(checkpoints)-1]
	} else {
		for i := range checkpoints {
			if checkpoints[i].ID == checkpointID {
				selected = &checkpoints[i]
				break
			}
		}
		if selected == nil {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, checkpointID)
		}
	}

	applyCheckpoint(state, selected)

	if err := fs.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}
