package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/lawyerfactory/lawyerfactory/workflow"
)

// Bucket names for workflow persistence.
const (
	BucketSessions    = "LAWYERFACTORY_SESSIONS"
	BucketCheckpoints = "LAWYERFACTORY_CHECKPOINTS"
)

// KVStore persists workflow state in NATS JetStream KV buckets. Session
// states live in one bucket keyed by session id; checkpoints live in a
// second bucket keyed by {session}.{unix-nanos}.{id} so per-session listing
// is a prefix scan in creation order.
//
// JetStream KV puts are atomic per key, which satisfies the store's
// crash-consistency requirement without the temp-file dance the FileStore
// needs.
type KVStore struct {
	sessions    jetstream.KeyValue
	checkpoints jetstream.KeyValue
}

// NewKVStore creates a KVStore with the given JetStream context, creating
// the buckets if they don't exist.
func NewKVStore(ctx context.Context, js jetstream.JetStream) (*KVStore, error) {
	sessions, err := getOrCreateBucket(ctx, js, BucketSessions)
	if err != nil {
		return nil, fmt.Errorf("create sessions bucket: %w", err)
	}

	checkpoints, err := getOrCreateBucket(ctx, js, BucketCheckpoints)
	if err != nil {
		return nil, fmt.Errorf("create checkpoints bucket: %w", err)
	}

	return &KVStore{
		sessions:    sessions,
		checkpoints: checkpoints,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	// Bucket doesn't exist, create it
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("LawyerFactory %s storage", strings.ToLower(name)),
		History:     5, // Keep last 5 revisions
	})
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// Save implements Store.
func (s *KVStore) Save(ctx context.Context, state *workflow.WorkflowState) error {
	if err := ValidateSessionID(state.SessionID); err != nil {
		return err
	}

	state.UpdatedAt = time.Now()

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if _, err := s.sessions.Put(ctx, state.SessionID, data); err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	return nil
}

// Load implements Store.
func (s *KVStore) Load(ctx context.Context, sessionID string) (*workflow.WorkflowState, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	entry, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("get state: %w", err)
	}

	var state workflow.WorkflowState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return &state, nil
}

// ListSessions implements Store. Entries that fail to load are skipped.
func (s *KVStore) ListSessions(ctx context.Context) ([]SessionSummary, error) {
	keys, err := s.sessions.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []SessionSummary{}, nil
		}
		return nil, fmt.Errorf("list session keys: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(keys))
	for _, key := range keys {
		entry, err := s.sessions.Get(ctx, key)
		if err != nil {
			continue
		}
		var state workflow.WorkflowState
		if err := json.Unmarshal(entry.Value(), &state); err != nil {
			continue
		}
		summaries = append(summaries, summarize(&state))
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// checkpointKey builds the KV key for a checkpoint.
func checkpointKey(sessionID string, createdAt time.Time, id string) string {
	return fmt.Sprintf("%s.%d.%s", sessionID, createdAt.UnixNano(), id)
}

// Checkpoint implements Store.
func (s *KVStore) Checkpoint(ctx context.Context, state *workflow.WorkflowState) (*Checkpoint, error) {
	if err := ValidateSessionID(state.SessionID); err != nil {
		return nil, err
	}

	cp, err := newCheckpoint(state)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := checkpointKey(state.SessionID, cp.CreatedAt, cp.ID)
	// Create, not Put: checkpoints are append-only and never overwritten.
	if _, err := s.checkpoints.Create(ctx, key, data); err != nil {
		return nil, fmt.Errorf("store checkpoint: %w", err)
	}

	state.Checkpoints = append(state.Checkpoints, workflow.CheckpointMeta{
		ID:        cp.ID,
		Phase:     cp.Phase,
		CreatedAt: cp.CreatedAt,
	})

	return cp, nil
}

// ListCheckpoints implements Store.
func (s *KVStore) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	keys, err := s.checkpoints.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return []Checkpoint{}, nil
		}
		return nil, fmt.Errorf("list checkpoint keys: %w", err)
	}

	prefix := sessionID + "."
	var matched []string
	for _, key := range keys {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	// Keys embed unix nanos, so lexical order within one session is
	// creation order for equal-width timestamps.
	sort.Strings(matched)

	checkpoints := make([]Checkpoint, 0, len(matched))
	for _, key := range matched {
		entry, err := s.checkpoints.Get(ctx, key)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(entry.Value(), &cp); err != nil {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// Restore implements Store.
func (s *KVStore) Restore(ctx context.Context, sessionID, checkpointID string) (*workflow.WorkflowState, error) {
	state, err := s.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	checkpoints, err := s.ListCheckpoints(ctx, sessionID)
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

	if err := s.Save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}
