// In-memory adapters.
//
// Information Hiding:
// - Map storage structure hidden from users
// - Thread-safe access via RWMutex hidden behind interface
// - Used for ephemeral (serverless) deployments and tests

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// InMemoryCheckpointStore implements CheckpointStore with a map.
// Data is lost when the process terminates.
type InMemoryCheckpointStore struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint
}

// NewInMemoryCheckpointStore creates an empty store.
func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{
		threads: make(map[string][]Checkpoint),
	}
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, threadID string) (Checkpoint, bool, error) {
	if err := validateThreadID("memory checkpoint store", threadID); err != nil {
		return Checkpoint{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.threads[threadID]
	if len(cps) == 0 {
		return Checkpoint{}, false, nil
	}
	return cloneCheckpoint(cps[len(cps)-1]), true, nil
}

func (s *InMemoryCheckpointStore) Append(ctx context.Context, threadID string, snap Snapshot, opts ...AppendOption) (int64, error) {
	if err := validateThreadID("memory checkpoint store", threadID); err != nil {
		return 0, err
	}
	// Round-trip through the wire format so unserializable payloads fail the
	// same way they would on a durable backend.
	raw, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	decoded, err := DecodeSnapshot(raw)
	if err != nil {
		return 0, err
	}
	o := resolveAppendOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.threads[threadID]
	cp := Checkpoint{
		ThreadID:     threadID,
		Namespace:    o.namespace,
		CheckpointID: 1,
		Payload:      decoded,
		CreatedAt:    time.Now().UTC(),
	}
	if n := len(cps); n > 0 {
		parent := cps[n-1].CheckpointID
		cp.ParentCheckpointID = &parent
		cp.CheckpointID = parent + 1
	}
	s.threads[threadID] = append(cps, cp)
	return cp.CheckpointID, nil
}

func (s *InMemoryCheckpointStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := validateThreadID("memory checkpoint store", threadID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	cps := s.threads[threadID]
	out := make([]Checkpoint, 0, len(cps))
	for _, cp := range cps {
		out = append(out, cloneCheckpoint(cp))
	}
	return out, nil
}

func (s *InMemoryCheckpointStore) Close() error { return nil }

func cloneCheckpoint(cp Checkpoint) Checkpoint {
	out := cp
	if cp.ParentCheckpointID != nil {
		p := *cp.ParentCheckpointID
		out.ParentCheckpointID = &p
	}
	out.Payload = cloneSnapshot(cp.Payload)
	return out
}

var _ CheckpointStore = (*InMemoryCheckpointStore)(nil)

// InMemoryResponseTracker implements ResponseTracker with a map.
type InMemoryResponseTracker struct {
	mu      sync.RWMutex
	records map[string]ResponseRecord
}

func NewInMemoryResponseTracker() *InMemoryResponseTracker {
	return &InMemoryResponseTracker{
		records: make(map[string]ResponseRecord),
	}
}

func (t *InMemoryResponseTracker) PreRegister(ctx context.Context, responseID, threadID string) error {
	return t.upsert(responseID, threadID, false)
}

func (t *InMemoryResponseTracker) Finalize(ctx context.Context, responseID, threadID string, wasStored bool) error {
	return t.upsert(responseID, threadID, wasStored)
}

func (t *InMemoryResponseTracker) upsert(responseID, threadID string, wasStored bool) error {
	if responseID == "" {
		return errors.New("memory response tracker: responseID is empty")
	}
	if err := validateThreadID("memory response tracker", threadID); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[responseID]
	if !ok {
		rec = ResponseRecord{ResponseID: responseID, CreatedAt: time.Now().UTC()}
	}
	rec.ThreadID = threadID
	rec.WasStored = wasStored
	t.records[responseID] = rec
	return nil
}

func (t *InMemoryResponseTracker) Resolve(ctx context.Context, responseID string) (ResponseRecord, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[responseID]
	return rec, ok, nil
}

func (t *InMemoryResponseTracker) Close() error { return nil }

var _ ResponseTracker = (*InMemoryResponseTracker)(nil)
