package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SQLiteResponseTracker is the embedded ResponseTracker. It must be given a
// database handle distinct from the checkpoint store's.
type SQLiteResponseTracker struct {
	db     *sql.DB
	schema schemaGuard
}

var _ ResponseTracker = (*SQLiteResponseTracker)(nil)

func NewSQLiteResponseTracker(db *sql.DB) (*SQLiteResponseTracker, error) {
	if db == nil {
		return nil, errors.New("sqlite response tracker: db is nil")
	}
	return &SQLiteResponseTracker{db: db}, nil
}

func (t *SQLiteResponseTracker) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

func (t *SQLiteResponseTracker) migrate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS response_tracking (
			response_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			was_stored INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return classifySQLiteError(errors.Wrap(err, "sqlite response tracker: migrate"))
	}
	return nil
}

func (t *SQLiteResponseTracker) PreRegister(ctx context.Context, responseID, threadID string) error {
	return t.upsert(ctx, responseID, threadID, false)
}

func (t *SQLiteResponseTracker) Finalize(ctx context.Context, responseID, threadID string, wasStored bool) error {
	return t.upsert(ctx, responseID, threadID, wasStored)
}

func (t *SQLiteResponseTracker) upsert(ctx context.Context, responseID, threadID string, wasStored bool) error {
	if t == nil || t.db == nil {
		return errors.New("sqlite response tracker: db is nil")
	}
	if strings.TrimSpace(responseID) == "" {
		return errors.New("sqlite response tracker: responseID is empty")
	}
	if strings.TrimSpace(threadID) == "" {
		return errors.New("sqlite response tracker: threadID is empty")
	}
	if err := t.schema.ensure(ctx, t.migrate); err != nil {
		return err
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLiteError(errors.Wrap(err, "sqlite response tracker: begin tx"))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO response_tracking(response_id, thread_id, was_stored, created_at)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(response_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			was_stored = excluded.was_stored
	`, responseID, threadID, wasStored, time.Now().UnixMilli()); err != nil {
		return classifySQLiteError(errors.Wrap(err, "sqlite response tracker: upsert"))
	}
	if err := tx.Commit(); err != nil {
		return classifySQLiteError(errors.Wrap(err, "sqlite response tracker: commit"))
	}
	return nil
}

func (t *SQLiteResponseTracker) Resolve(ctx context.Context, responseID string) (ResponseRecord, bool, error) {
	if t == nil || t.db == nil {
		return ResponseRecord{}, false, errors.New("sqlite response tracker: db is nil")
	}
	if strings.TrimSpace(responseID) == "" {
		return ResponseRecord{}, false, nil
	}
	if err := t.schema.ensure(ctx, t.migrate); err != nil {
		return ResponseRecord{}, false, err
	}

	var (
		rec       ResponseRecord
		createdMs int64
	)
	err := t.db.QueryRowContext(ctx, `
		SELECT response_id, thread_id, was_stored, created_at
		FROM response_tracking
		WHERE response_id = ?
	`, responseID).Scan(&rec.ResponseID, &rec.ThreadID, &rec.WasStored, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ResponseRecord{}, false, nil
	}
	if err != nil {
		return ResponseRecord{}, false, classifySQLiteError(errors.Wrap(err, "sqlite response tracker: resolve"))
	}
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rec, true, nil
}
