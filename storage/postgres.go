package storage

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// PostgresOptions tunes a relational connection pool.
type PostgresOptions struct {
	// SimpleProtocol disables server-side prepared statements. Required
	// behind transaction-mode poolers, which do not pin a session.
	SimpleProtocol bool
	// MaxConns caps the pool. Zero keeps pgxpool's default.
	MaxConns int32
	// ApplicationName is reported to the server when set.
	ApplicationName string
}

// PostgresPoolConfig parses dsn and applies opts.
func PostgresPoolConfig(dsn string, opts PostgresOptions) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse dsn")
	}
	if opts.SimpleProtocol {
		cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
		cfg.ConnConfig.StatementCacheCapacity = 0
		cfg.ConnConfig.DescriptionCacheCapacity = 0
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.ApplicationName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = opts.ApplicationName
	}
	// Unknown query parameters end up as runtime params; pgbouncer=true is a
	// client-side hint only and the server would reject it.
	delete(cfg.ConnConfig.RuntimeParams, "pgbouncer")
	return cfg, nil
}

// OpenPostgresPool builds a pool and verifies one round trip.
func OpenPostgresPool(ctx context.Context, dsn string, opts PostgresOptions) (*pgxpool.Pool, error) {
	cfg, err := PostgresPoolConfig(dsn, opts)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPostgresError(errors.Wrap(err, "postgres: ping"))
	}
	return pool, nil
}

// PostgresCheckpointStore is the relational CheckpointStore.
type PostgresCheckpointStore struct {
	pool   *pgxpool.Pool
	schema schemaGuard
}

var _ CheckpointStore = (*PostgresCheckpointStore)(nil)

// NewPostgresCheckpointStore wraps pool. The store owns pool and closes it on
// Close.
func NewPostgresCheckpointStore(pool *pgxpool.Pool) (*PostgresCheckpointStore, error) {
	if pool == nil {
		return nil, errors.New("postgres checkpoint store: pool is nil")
	}
	return &PostgresCheckpointStore{pool: pool}, nil
}

func (s *PostgresCheckpointStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *PostgresCheckpointStore) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id BIGINT NOT NULL,
			parent_checkpoint_id BIGINT,
			payload JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (thread_id, checkpoint_id)
		)
	`)
	if err != nil {
		// Two processes creating the table at once can collide on the catalog;
		// the loser retries on its next operation.
		return classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: migrate"), "23505")
	}
	return nil
}

func (s *PostgresCheckpointStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("postgres checkpoint store: pool is nil")
	}
	return s.schema.ensure(ctx, s.migrate)
}

func (s *PostgresCheckpointStore) Load(ctx context.Context, threadID string) (Checkpoint, bool, error) {
	if err := validateThreadID("postgres checkpoint store", threadID); err != nil {
		return Checkpoint{}, false, err
	}
	if err := s.ready(ctx); err != nil {
		return Checkpoint{}, false, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload::text, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY checkpoint_id DESC
		LIMIT 1
	`, threadID)
	cp, err := scanPostgresCheckpoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: load"))
	}
	return cp, true, nil
}

func (s *PostgresCheckpointStore) Append(ctx context.Context, threadID string, snap Snapshot, opts ...AppendOption) (int64, error) {
	if err := validateThreadID("postgres checkpoint store", threadID); err != nil {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: begin tx"))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO checkpoints(thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload, created_at)
		SELECT $1, $2, COALESCE(MAX(checkpoint_id), 0) + 1, MAX(checkpoint_id), $3::jsonb, $4
		FROM checkpoints
		WHERE thread_id = $1
		RETURNING checkpoint_id
	`, threadID, o.namespace, string(payload), time.Now().UTC()).Scan(&id)
	if err != nil {
		// A racing append on the same thread claims the id first; retrying
		// recomputes it.
		return 0, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: insert checkpoint"), "23505")
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: commit"))
	}
	return id, nil
}

func (s *PostgresCheckpointStore) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := validateThreadID("postgres checkpoint store", threadID); err != nil {
		return nil, err
	}
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, payload::text, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY checkpoint_id ASC
	`, threadID)
	if err != nil {
		return nil, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: list"))
	}
	defer rows.Close()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp, err := scanPostgresCheckpoint(rows)
		if err != nil {
			return nil, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: scan"))
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(errors.Wrap(err, "postgres checkpoint store: rows"))
	}
	return out, nil
}

func scanPostgresCheckpoint(row pgx.Row) (Checkpoint, error) {
	var (
		cp      Checkpoint
		parent  *int64
		payload string
	)
	if err := row.Scan(&cp.ThreadID, &cp.Namespace, &cp.CheckpointID, &parent, &payload, &cp.CreatedAt); err != nil {
		return Checkpoint{}, err
	}
	cp.ParentCheckpointID = parent
	snap, err := DecodeSnapshot([]byte(payload))
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Payload = snap
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

// retryableSQLStates are server error codes that a fresh attempt can clear.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
	"53300": true, // too_many_connections
	"25P02": true, // in_failed_sql_transaction
}

// classifyPostgresError marks connection loss and retryable server states as
// transient. extra lists additional SQLSTATEs that are transient at the call
// site.
func classifyPostgresError(err error, extra ...string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") || retryableSQLStates[pgErr.Code] {
			return MarkTransient(err)
		}
		for _, code := range extra {
			if pgErr.Code == code {
				return MarkTransient(err)
			}
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return MarkTransient(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return MarkTransient(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return MarkTransient(err)
	}
	return err
}
