package state

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

func watcherLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWatcher(t *testing.T, store *FileStore) *SessionWatcher {
	t.Helper()
	w, err := NewSessionWatcher(store, 50*time.Millisecond, watcherLogger())
	require.NoError(t, err)
	return w
}

func saveSession(t *testing.T, store *FileStore, id string) *workflow.WorkflowState {
	t.Helper()
	st, err := workflow.NewWorkflowState(id, "Coyote v. Acme", workflow.PhaseIntake, 3)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), st))
	return st
}

// waitForSession drains events until one for the wanted session arrives.
func waitForSession(t *testing.T, w *SessionWatcher, sessionID string, timeout time.Duration) SessionEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-w.Events():
			require.True(t, ok, "events channel closed while waiting for %s", sessionID)
			if event.SessionID == sessionID {
				return event
			}
		case <-deadline:
			t.Fatalf("no event for session %s within %v", sessionID, timeout)
		}
	}
}

func TestWatcherEmitsOnStateWrite(t *testing.T) {
	store := NewFileStore(t.TempDir())
	st := saveSession(t, store, "sess-watch")

	w := newTestWatcher(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, store.Save(context.Background(), st))

	event := waitForSession(t, w, "sess-watch", 5*time.Second)
	assert.False(t, event.Removed)
}

func TestWatcherEmitsRemoval(t *testing.T) {
	store := NewFileStore(t.TempDir())
	saveSession(t, store, "sess-gone")

	w := newTestWatcher(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.RemoveAll(store.sessionPath("sess-gone")))

	event := waitForSession(t, w, "sess-gone", 5*time.Second)
	assert.True(t, event.Removed)
}

func TestWatcherPicksUpNewSessions(t *testing.T) {
	store := NewFileStore(t.TempDir())

	w := newTestWatcher(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// The directory watch for a brand-new session is added asynchronously,
	// so keep writing until an event lands.
	st := saveSession(t, store, "sess-new")
	done := make(chan SessionEvent, 1)
	go func() {
		for event := range w.Events() {
			if event.SessionID == "sess-new" {
				done <- event
				return
			}
		}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-done:
			assert.False(t, event.Removed)
			return
		case <-deadline:
			t.Fatal("no event for new session within 5s")
		case <-time.After(100 * time.Millisecond):
			require.NoError(t, store.Save(context.Background(), st))
		}
	}
}

func TestWatcherStopClosesEvents(t *testing.T) {
	store := NewFileStore(t.TempDir())
	w := newTestWatcher(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Stop())

	select {
	case _, ok := <-w.Events():
		assert.False(t, ok, "events channel should close after Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after Stop")
	}
}

func TestDroppedEventsStartsAtZero(t *testing.T) {
	store := NewFileStore(t.TempDir())
	w := newTestWatcher(t, store)
	assert.Zero(t, w.DroppedEvents())
	require.NoError(t, w.Stop())
}
