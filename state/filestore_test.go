package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	return NewFileStore(t.TempDir())
}

func newTestWorkflow(t *testing.T, sessionID string) *workflow.WorkflowState {
	t.Helper()
	state, err := workflow.NewWorkflowState(sessionID, "Coyote v. Acme", workflow.PhaseIntake, 3)
	require.NoError(t, err)
	return state
}

func TestValidateSessionID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "sess-1", false},
		{"single char", "a", false},
		{"empty", "", true},
		{"uppercase", "Sess-1", true},
		{"path traversal", "../etc", true},
		{"slash", "a/b", true},
		{"backslash", `a\b`, true},
		{"leading hyphen", "-abc", true},
		{"trailing hyphen", "abc-", true},
		{"too long", string(make([]byte, 70)), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSessionID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFileStoreSaveLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	require.NoError(t, state.AddTask(&workflow.Task{
		ID:     "intake.parse",
		Phase:  workflow.PhaseIntake,
		Status: workflow.StatusPending,
	}))
	state.MergeContext(map[string]any{"jurisdiction": "California"})

	require.NoError(t, store.Save(ctx, state))

	loaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", loaded.SessionID)
	assert.Equal(t, "Coyote v. Acme", loaded.CaseName)
	assert.Equal(t, workflow.PhaseIntake, loaded.CurrentPhase)
	assert.Equal(t, "California", loaded.GlobalContext["jurisdiction"])
	require.Contains(t, loaded.Tasks, "intake.parse")
	assert.Equal(t, workflow.StatusPending, loaded.Tasks["intake.parse"].Status)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load(context.Background(), "no-such-session")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestFileStoreSaveRejectsBadSessionID(t *testing.T) {
	store := newTestStore(t)

	state := newTestWorkflow(t, "sess-1")
	state.SessionID = "../escape"
	err := store.Save(context.Background(), state)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	require.NoError(t, store.Save(ctx, state))
	require.NoError(t, store.Save(ctx, state))

	entries, err := os.ReadDir(store.sessionPath("sess-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, StateFile, entries[0].Name())
}

func TestFileStoreListSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := newTestWorkflow(t, "older")
	require.NoError(t, store.Save(ctx, older))
	time.Sleep(10 * time.Millisecond)
	newer := newTestWorkflow(t, "newer")
	require.NoError(t, store.Save(ctx, newer))

	// A stray file and a corrupt session must not break the listing.
	require.NoError(t, os.WriteFile(filepath.Join(store.SessionsPath(), "junk.txt"), []byte("x"), 0644))
	corruptDir := filepath.Join(store.SessionsPath(), "corrupt")
	require.NoError(t, os.MkdirAll(corruptDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(corruptDir, StateFile), []byte("{not json"), 0644))

	summaries, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, "newer", summaries[0].SessionID, "most recently updated first")
	assert.Equal(t, "older", summaries[1].SessionID)
}

func TestFileStoreListSessionsEmpty(t *testing.T) {
	store := newTestStore(t)

	summaries, err := store.ListSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestFileStoreCheckpointAppendOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	state.MergeContext(map[string]any{"jurisdiction": "California"})
	require.NoError(t, store.Save(ctx, state))

	cp1, err := store.Checkpoint(ctx, state)
	require.NoError(t, err)
	assert.Equal(t, workflow.PhaseIntake, cp1.Phase)
	assert.Equal(t, "California", cp1.Context["jurisdiction"])

	state.CurrentPhase = workflow.PhaseOutline
	state.MergeContext(map[string]any{"jurisdiction": "Nevada"})
	cp2, err := store.Checkpoint(ctx, state)
	require.NoError(t, err)
	assert.NotEqual(t, cp1.ID, cp2.ID)

	checkpoints, err := store.ListCheckpoints(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, checkpoints, 2)
	assert.Equal(t, cp1.ID, checkpoints[0].ID, "oldest first")
	assert.Equal(t, cp2.ID, checkpoints[1].ID)

	// Earlier snapshot is untouched by later context changes.
	assert.Equal(t, "California", checkpoints[0].Context["jurisdiction"])
	assert.Equal(t, "Nevada", checkpoints[1].Context["jurisdiction"])

	assert.Len(t, state.Checkpoints, 2, "checkpoint metadata recorded on state")
}

func TestFileStoreCheckpointSnapshotIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	state.MergeContext(map[string]any{"facts_matrix": map[string]any{"f1": "original"}})

	cp, err := store.Checkpoint(ctx, state)
	require.NoError(t, err)

	// Mutating the live nested map must not leak into the snapshot.
	state.GlobalContext["facts_matrix"].(map[string]any)["f1"] = "mutated"

	snap, ok := cp.Context["facts_matrix"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "original", snap["f1"])
}

func TestFileStoreRestoreMergesContext(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	state.MergeContext(map[string]any{"jurisdiction": "California", "claim": "negligence"})
	require.NoError(t, store.Save(ctx, state))
	cp, err := store.Checkpoint(ctx, state)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, state))

	// Work continues after the checkpoint.
	state.MergeContext(map[string]any{"jurisdiction": "Nevada", "new_key": "kept"})
	state.CompletedTasks = append(state.CompletedTasks, "later.task")
	require.NoError(t, store.Save(ctx, state))

	restored, err := store.Restore(ctx, "sess-1", cp.ID)
	require.NoError(t, err)

	// Checkpoint keys overlay the live context; later additions survive.
	assert.Equal(t, "California", restored.GlobalContext["jurisdiction"])
	assert.Equal(t, "kept", restored.GlobalContext["new_key"])
	assert.Contains(t, restored.CompletedTasks, "later.task", "restore merges, it does not roll back task history")

	// The merged state was persisted.
	reloaded, err := store.Load(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "California", reloaded.GlobalContext["jurisdiction"])
}

func TestFileStoreRestoreLatestByDefault(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	state := newTestWorkflow(t, "sess-1")
	state.MergeContext(map[string]any{"v": "first"})
	require.NoError(t, store.Save(ctx, state))
	_, err := store.Checkpoint(ctx, state)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	state.MergeContext(map[string]any{"v": "second"})
	_, err = store.Checkpoint(ctx, state)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, state))

	restored, err := store.Restore(ctx, "sess-1", "")
	require.NoError(t, err)
	assert.Equal(t, "second", restored.GlobalContext["v"])
}

func TestFileStoreRestoreErrors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Restore(ctx, "missing", "")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	state := newTestWorkflow(t, "sess-1")
	require.NoError(t, store.Save(ctx, state))

	_, err = store.Restore(ctx, "sess-1", "")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = store.Checkpoint(ctx, state)
	require.NoError(t, err)
	_, err = store.Restore(ctx, "sess-1", "no-such-checkpoint")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestFileStoreContextCancellation(t *testing.T) {
	store := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	state := newTestWorkflow(t, "sess-1")
	assert.Error(t, store.Save(ctx, state))
	_, err := store.Load(ctx, "sess-1")
	assert.Error(t, err)
}
