// Package storage provides checkpoint and response-tracking persistence.
//
// Information Hiding:
// - Engine-specific SQL, connection handling and schema creation
// - Translation of driver errors into transient/fatal classes
// - Snapshot wire format (JSON)

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/richinex/cortex/llm"
)

// Snapshot is the serialized state of a thread at one point in time.
type Snapshot struct {
	// Messages is the full history: instructions, user inputs and replies.
	Messages []llm.ChatMessage `json:"messages"`
	// ResponseID is the response that produced this snapshot.
	ResponseID string `json:"response_id,omitempty"`
	// Metadata carries caller metadata, model name and usage.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checkpoint is an immutable, append-only snapshot row.
type Checkpoint struct {
	ThreadID           string    `json:"thread_id"`
	Namespace          string    `json:"namespace"`
	CheckpointID       int64     `json:"checkpoint_id"`
	ParentCheckpointID *int64    `json:"parent_checkpoint_id,omitempty"`
	Payload            Snapshot  `json:"payload"`
	CreatedAt          time.Time `json:"created_at"`
}

// AppendOption customizes a single Append call.
type AppendOption func(*appendOptions)

type appendOptions struct {
	namespace string
}

// WithNamespace records a checkpoint namespace. The namespace is stored and
// returned as-is; it does not partition checkpoint ids.
func WithNamespace(ns string) AppendOption {
	return func(o *appendOptions) {
		o.namespace = ns
	}
}

func resolveAppendOptions(opts []AppendOption) appendOptions {
	var o appendOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// CheckpointStore persists the ordered checkpoints of conversation threads.
// Implementations must be safe for concurrent use.
type CheckpointStore interface {
	// Load returns the checkpoint with the highest id for the thread.
	// found is false when the thread has no checkpoints.
	Load(ctx context.Context, threadID string) (cp Checkpoint, found bool, err error)

	// Append inserts a new checkpoint whose parent is the current latest one
	// and returns its id.
	Append(ctx context.Context, threadID string, snap Snapshot, opts ...AppendOption) (int64, error)

	// List returns every checkpoint of the thread in ascending id order.
	// Returns an empty slice (not nil) for unknown threads.
	List(ctx context.Context, threadID string) ([]Checkpoint, error)

	// Close releases the store's connection.
	Close() error
}

// EncodeSnapshot serializes a snapshot. Failures are marked ErrSerialization.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return nil, markSerialization(errors.Wrap(err, "encode snapshot"))
	}
	return b, nil
}

// DecodeSnapshot parses a serialized snapshot.
func DecodeSnapshot(raw []byte) (Snapshot, error) {
	var snap Snapshot
	if len(raw) == 0 {
		return snap, nil
	}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, markSerialization(errors.Wrap(err, "decode snapshot"))
	}
	return snap, nil
}

func cloneSnapshot(snap Snapshot) Snapshot {
	out := Snapshot{ResponseID: snap.ResponseID}
	if snap.Messages != nil {
		out.Messages = make([]llm.ChatMessage, len(snap.Messages))
		copy(out.Messages, snap.Messages)
	}
	if snap.Metadata != nil {
		out.Metadata = make(map[string]any, len(snap.Metadata))
		for k, v := range snap.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func validateThreadID(component, threadID string) error {
	if threadID == "" {
		return errors.Errorf("%s: threadID is empty", component)
	}
	return nil
}
