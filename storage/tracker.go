package storage

import (
	"context"
	"time"
)

// ResponseRecord maps one response id to the thread it belongs to.
//
// WasStored=false means the response is known but its effects were not
// persisted; this is different from the record being absent.
type ResponseRecord struct {
	ResponseID string    `json:"response_id"`
	ThreadID   string    `json:"thread_id"`
	WasStored  bool      `json:"was_stored"`
	CreatedAt  time.Time `json:"created_at"`
}

// ResponseTracker maintains response_id -> thread_id mappings.
//
// A tracker runs on a connection of its own. Its writes commit independently
// of any CheckpointStore transaction.
type ResponseTracker interface {
	// PreRegister records the mapping with WasStored=false before generation.
	PreRegister(ctx context.Context, responseID, threadID string) error

	// Finalize records the terminal WasStored value (insert-or-replace).
	Finalize(ctx context.Context, responseID, threadID string, wasStored bool) error

	// Resolve looks up a response id. found is false for unknown ids.
	Resolve(ctx context.Context, responseID string) (rec ResponseRecord, found bool, err error)

	// Close releases the tracker's connection.
	Close() error
}
