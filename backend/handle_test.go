package backend

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/richinex/cortex/llm"
	"github.com/richinex/cortex/storage"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func hasTable(t *testing.T, path, name string) bool {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, name).Scan(&n))
	return n == 1
}

func TestOpenEmbeddedCreatesTablesLazily(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "conversations.db")

	plan, err := Select(Options{Path: path, Env: envMap(nil)})
	require.NoError(t, err)
	h, err := Open(ctx, plan)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	require.Equal(t, KindEmbedded, h.Kind())

	// Touch the tracker only; the checkpoint table must still be absent.
	_, _, err = h.Tracker.Resolve(ctx, "resp_x")
	require.NoError(t, err)
	require.True(t, hasTable(t, path, "response_tracking"))
	require.False(t, hasTable(t, path, "checkpoints"))

	_, err = h.Checkpoints.Append(ctx, "t", storage.Snapshot{Messages: []llm.ChatMessage{llm.UserMessage("hi")}})
	require.NoError(t, err)
	require.True(t, hasTable(t, path, "checkpoints"))
}

func TestOpenEmbeddedConcurrently(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			plan, err := Select(Options{Path: path, Env: envMap(nil)})
			if err != nil {
				return err
			}
			h, err := Open(ctx, plan)
			if err != nil {
				return err
			}
			defer func() { _ = h.Close() }()

			thread := fmt.Sprintf("thread-%d", i)
			if _, err := h.Checkpoints.Append(ctx, thread, storage.Snapshot{ResponseID: thread}); err != nil {
				return errors.Wrapf(err, "append %s", thread)
			}
			if err := h.Tracker.PreRegister(ctx, "resp_"+thread, thread); err != nil {
				return errors.Wrapf(err, "pre-register %s", thread)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	plan, err := Select(Options{Path: path, Env: envMap(nil)})
	require.NoError(t, err)
	h, err := Open(ctx, plan)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	for i := 0; i < 8; i++ {
		thread := fmt.Sprintf("thread-%d", i)
		cp, found, err := h.Checkpoints.Load(ctx, thread)
		require.NoError(t, err)
		require.True(t, found)
		require.Equal(t, int64(1), cp.CheckpointID)
	}
}

func TestOpenEphemeral(t *testing.T) {
	plan, err := Select(Options{Env: envMap(map[string]string{"VERCEL": "1"})})
	require.NoError(t, err)
	h, err := Open(context.Background(), plan)
	require.NoError(t, err)
	require.Equal(t, KindEphemeral, h.Kind())
	require.NoError(t, h.Close())
}

type failingCloser struct {
	storage.CheckpointStore
	storage.ResponseTracker
	err    error
	closed bool
}

func (f *failingCloser) Close() error {
	f.closed = true
	return f.err
}

func TestHandleCloseReleasesBoth(t *testing.T) {
	cps := &failingCloser{CheckpointStore: storage.NewInMemoryCheckpointStore(), err: errors.New("checkpoint boom")}
	tr := &failingCloser{ResponseTracker: storage.NewInMemoryResponseTracker(), err: errors.New("tracker boom")}
	h := &Handle{Plan: Plan{Kind: KindEphemeral}, Checkpoints: cps, Tracker: tr}

	err := h.Close()
	require.Error(t, err)
	require.True(t, cps.closed)
	require.True(t, tr.closed)
	require.Contains(t, err.Error(), "checkpoint boom")
	require.Contains(t, err.Error(), "tracker boom")

	// Second call reports the same outcome without closing again.
	cps.closed, tr.closed = false, false
	require.Equal(t, err, h.Close())
	require.False(t, cps.closed)
}

func TestHandleCloseSecondSucceedsWhenFirstFails(t *testing.T) {
	cps := &failingCloser{CheckpointStore: storage.NewInMemoryCheckpointStore(), err: errors.New("checkpoint boom")}
	tr := &failingCloser{ResponseTracker: storage.NewInMemoryResponseTracker()}
	h := &Handle{Checkpoints: cps, Tracker: tr}

	err := h.Close()
	require.Error(t, err)
	require.True(t, tr.closed)
	require.NotContains(t, err.Error(), "tracker")
}
