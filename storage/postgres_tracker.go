package storage

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresResponseTracker is the relational ResponseTracker. Give it a pool
// separate from the checkpoint store's so its commits never share a
// transaction with checkpoint writes.
type PostgresResponseTracker struct {
	pool   *pgxpool.Pool
	schema schemaGuard
}

var _ ResponseTracker = (*PostgresResponseTracker)(nil)

func NewPostgresResponseTracker(pool *pgxpool.Pool) (*PostgresResponseTracker, error) {
	if pool == nil {
		return nil, errors.New("postgres response tracker: pool is nil")
	}
	return &PostgresResponseTracker{pool: pool}, nil
}

func (t *PostgresResponseTracker) Close() error {
	if t == nil || t.pool == nil {
		return nil
	}
	t.pool.Close()
	return nil
}

func (t *PostgresResponseTracker) migrate(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS response_tracking (
			response_id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			was_stored BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return classifyPostgresError(errors.Wrap(err, "postgres response tracker: migrate"), "23505")
	}
	return nil
}

func (t *PostgresResponseTracker) PreRegister(ctx context.Context, responseID, threadID string) error {
	return t.upsert(ctx, responseID, threadID, false)
}

func (t *PostgresResponseTracker) Finalize(ctx context.Context, responseID, threadID string, wasStored bool) error {
	return t.upsert(ctx, responseID, threadID, wasStored)
}

func (t *PostgresResponseTracker) upsert(ctx context.Context, responseID, threadID string, wasStored bool) error {
	if t == nil || t.pool == nil {
		return errors.New("postgres response tracker: pool is nil")
	}
	if strings.TrimSpace(responseID) == "" {
		return errors.New("postgres response tracker: responseID is empty")
	}
	if strings.TrimSpace(threadID) == "" {
		return errors.New("postgres response tracker: threadID is empty")
	}
	if err := t.schema.ensure(ctx, t.migrate); err != nil {
		return err
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return classifyPostgresError(errors.Wrap(err, "postgres response tracker: begin tx"))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO response_tracking(response_id, thread_id, was_stored, created_at)
		VALUES($1, $2, $3, $4)
		ON CONFLICT (response_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			was_stored = EXCLUDED.was_stored
	`, responseID, threadID, wasStored, time.Now().UTC()); err != nil {
		return classifyPostgresError(errors.Wrap(err, "postgres response tracker: upsert"))
	}
	if err := tx.Commit(ctx); err != nil {
		return classifyPostgresError(errors.Wrap(err, "postgres response tracker: commit"))
	}
	return nil
}

func (t *PostgresResponseTracker) Resolve(ctx context.Context, responseID string) (ResponseRecord, bool, error) {
	if t == nil || t.pool == nil {
		return ResponseRecord{}, false, errors.New("postgres response tracker: pool is nil")
	}
	if strings.TrimSpace(responseID) == "" {
		return ResponseRecord{}, false, nil
	}
	if err := t.schema.ensure(ctx, t.migrate); err != nil {
		return ResponseRecord{}, false, err
	}

	var rec ResponseRecord
	err := t.pool.QueryRow(ctx, `
		SELECT response_id, thread_id, was_stored, created_at
		FROM response_tracking
		WHERE response_id = $1
	`, responseID).Scan(&rec.ResponseID, &rec.ThreadID, &rec.WasStored, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ResponseRecord{}, false, nil
	}
	if err != nil {
		return ResponseRecord{}, false, classifyPostgresError(errors.Wrap(err, "postgres response tracker: resolve"))
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, true, nil
}
