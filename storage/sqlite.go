package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteDSNForFile builds the embedded-engine DSN: WAL journal, a busy
// timeout so writers wait for each other, and IMMEDIATE write transactions.
func SQLiteDSNForFile(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("sqlite dsn: empty path")
	}
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	q.Set("_foreign_keys", "on")
	return "file:" + sqliteURIPath.Replace(path) + "?" + q.Encode(), nil
}

// sqliteURIPath escapes the characters that end the path part of a SQLite
// URI filename. SQLite decodes them again before opening the file.
var sqliteURIPath = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// OpenSQLiteDB opens one connection to the database file at path, creating
// parent directories when needed. Tables are not created here.
func OpenSQLiteDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "sqlite: create database directory")
		}
	}
	dsn, err := SQLiteDSNForFile(path)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open")
	}
	// A single writer per component keeps SQLite's locking predictable.
	db.SetMaxOpenConns(1)
	return db, nil
}

// SQLiteCheckpointStore is the embedded CheckpointStore.
type SQLiteCheckpointStore struct {
	db     *sql.DB
	schema schemaGuard
}

var _ CheckpointStore = (*SQLiteCheckpointStore)(nil)

// NewSQLiteCheckpointStore wraps an open database handle. The store owns db
// and closes it on Close.
func NewSQLiteCheckpointStore(db *sql.DB) (*SQLiteCheckpointStore, error) {
	if db == nil {
		return nil, errors.New("sqlite checkpoint store: db is nil")
	}
	return &SQLiteCheckpointStore{db: db}, nil
}

func (s *SQLiteCheckpointStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteCheckpointStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id INTEGER NOT NULL,
			parent_checkpoint_id INTEGER,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		)`,
	}
	for _, st := range stmts {
		if _, err := s.db.ExecContext(ctx, st); err != nil {
			return classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: migrate"))
		}
	}
	return nil
}

func (s *SQLiteCheckpointStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite checkpoint store: db is nil")
	}
	return s.schema.ensure(ctx, s.migrate)
}

func (s *SQLiteCheckpointStore) Load(ctx context.Context, threadID string) (Checkpoint, bool, error) {
	if err := validateThreadID("sqlite checkpoint store", threadID); err != nil {
		return Checkpoint{}, false, err
	}
	if err := s.ready(ctx); err != nil {
		return Checkpoint{}, false, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY checkpoint_id DESC
		LIMIT 1
	`, threadID)
	cp, err := scanSQLiteCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: load"))
	}
	return cp, true, nil
}

func (s *SQLiteCheckpointStore) Append(ctx context.Context, threadID string, snap Snapshot, opts ...AppendOption) (int64, error) {
	if err := validateThreadID("sqlite checkpoint store", threadID); err != nil {
		return 0, err
	}
	payload, err := EncodeSnapshot(snap)
	if err != nil {
		return 0, err
	}
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	o := resolveAppendOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: begin tx"))
	}
	defer func() { _ = tx.Rollback() }()

	// Next id and parent come from the same statement so a concurrent writer
	// cannot slip in between the read and the insert.
	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO checkpoints(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload, created_at)
		SELECT ?, ?, COALESCE(MAX(checkpoint_id), 0) + 1, MAX(checkpoint_id), ?, ?
		FROM checkpoints
		WHERE thread_id = ?
		RETURNING checkpoint_id
	`, threadID, o.namespace, string(payload), time.Now().UnixMilli(), threadID).Scan(&id)
	if err != nil {
		return 0, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: insert checkpoint"))
	}
	if err := tx.Commit(); err != nil {
		return 0, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: commit"))
	}
	return id, nil
}

func (s *SQLiteCheckpointStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := validateThreadID("sqlite checkpoint store", threadID); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload, created_at
		FROM checkpoints
		WHERE thread_id = ?
		ORDER BY checkpoint_id ASC
	`, threadID)
	if err != nil {
		return nil, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: list"))
	}
	defer func() { _ = rows.Close() }()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanSQLiteCheckpoint(rows)
		if err != nil {
			return nil, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: scan"))
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLiteError(errors.Wrap(err, "sqlite checkpoint store: rows"))
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		parent    sql.NullInt64
		payload   string
		createdMs int64
	)
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &parent, &payload, &createdMs); err != nil {
		return Checkpoint{}, err
	}
	if parent.Valid {
		p := parent.Int64
		cp.ParentCheckpointID = &p
	}
	snap, err := DecodeSnapshot([]byte(payload))
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Payload = snap
	cp.CreatedAt = time.UnixMilli(createdMs).UTC()
	return cp, nil
}

// classifySQLiteError marks lock contention and I/O failures as transient.
func classifySQLiteError(err error) error {
	if err == nil {
		return nil
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr, sqlite3.ErrCantOpen, sqlite3.ErrProtocol:
			return MarkTransient(err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) {
		return MarkTransient(err)
	}
	return err
}
