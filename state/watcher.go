package state

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// eventChannelBuffer is the size of the watch event channel.
const eventChannelBuffer = 100

// SessionEvent signals that a session's persisted state changed on disk.
type SessionEvent struct {
	// SessionID is the id of the changed session.
	SessionID string

	// Removed is true when the session directory disappeared.
	Removed bool
}

// SessionWatcher watches a FileStore's sessions directory and emits a
// debounced event per changed session. Used by the CLI watch command to
// refresh status displays while an engine writes state from another process.
type SessionWatcher struct {
	store   *FileStore
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	debounce time.Duration

	// Debouncing: collect changed sessions before emitting
	pendingMu sync.Mutex
	pending   map[string]bool

	events chan SessionEvent

	droppedEvents atomic.Int64
}

// NewSessionWatcher creates a watcher over the store's sessions directory.
func NewSessionWatcher(store *FileStore, debounce time.Duration, logger *slog.Logger) (*SessionWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}

	return &SessionWatcher{
		store:    store,
		watcher:  fsw,
		logger:   logger,
		debounce: debounce,
		pending:  make(map[string]bool),
		events:   make(chan SessionEvent, eventChannelBuffer),
	}, nil
}

// Events returns the channel of session events.
func (w *SessionWatcher) Events() <-chan SessionEvent {
	return w.events
}

// Start begins watching. The sessions directory and existing session
// directories are watched; directories created later are added as they
// appear.
func (w *SessionWatcher) Start(ctx context.Context) error {
	root := w.store.SessionsPath()
	if err := os.MkdirAll(root, 0755); err != nil {
		return err
	}

	if err := w.watcher.Add(root); err != nil {
		return err
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := w.watcher.Add(filepath.Join(root, entry.Name())); err != nil {
			w.logger.Warn("Failed to watch session directory",
				"session_id", entry.Name(),
				"error", err)
		}
	}

	go w.processEvents(ctx)

	w.logger.Info("Session watcher started",
		"sessions_dir", root,
		"debounce", w.debounce)

	return nil
}

// Stop stops the watcher. The events channel is closed by processEvents.
func (w *SessionWatcher) Stop() error {
	return w.watcher.Close()
}

// processEvents handles fsnotify events with debouncing.
func (w *SessionWatcher) processEvents(ctx context.Context) {
	defer close(w.events)
	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleFSEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)

		case <-ticker.C:
			w.flushPending()
		}
	}
}

// handleFSEvent processes a single fsnotify event.
func (w *SessionWatcher) handleFSEvent(event fsnotify.Event) {
	root := w.store.SessionsPath()
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == "." {
		return
	}

	parts := splitPath(rel)
	sessionID := parts[0]
	if ValidateSessionID(sessionID) != nil {
		return
	}

	// New session directory: start watching it.
	if len(parts) == 1 && event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("Failed to watch new session directory",
					"session_id", sessionID,
					"error", err)
			}
		}
	}

	// Only state-file writes and session-directory removals are relevant;
	// temp files from atomic writes are ignored.
	relevant := (len(parts) == 2 && parts[1] == StateFile) ||
		(len(parts) == 1 && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)))
	if !relevant {
		return
	}

	w.pendingMu.Lock()
	w.pending[sessionID] = true
	w.pendingMu.Unlock()
}

// splitPath splits a relative path into its components.
func splitPath(rel string) []string {
	return strings.Split(filepath.ToSlash(rel), "/")
}

// flushPending emits one event per changed session.
func (w *SessionWatcher) flushPending() {
	w.pendingMu.Lock()
	if len(w.pending) == 0 {
		w.pendingMu.Unlock()
		return
	}
	toEmit := make([]string, 0, len(w.pending))
	for id := range w.pending {
		toEmit = append(toEmit, id)
	}
	w.pending = make(map[string]bool)
	w.pendingMu.Unlock()

	for _, id := range toEmit {
		removed := false
		if _, err := os.Stat(filepath.Join(w.store.sessionPath(id), StateFile)); os.IsNotExist(err) {
			removed = true
		}
		w.sendEvent(SessionEvent{SessionID: id, Removed: removed})
	}
}

// sendEvent sends an event without blocking the watch loop.
func (w *SessionWatcher) sendEvent(event SessionEvent) {
	select {
	case w.events <- event:
	default:
		dropped := w.droppedEvents.Add(1)
		w.logger.Warn("Event channel full, dropping event",
			"session_id", event.SessionID,
			"total_dropped", dropped)
	}
}

// DroppedEvents returns the number of events dropped due to channel overflow.
func (w *SessionWatcher) DroppedEvents() int64 {
	return w.droppedEvents.Load()
}
