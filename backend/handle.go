package backend

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/richinex/cortex/storage"
	"github.com/rs/zerolog/log"
)

// Handle owns the checkpoint store and the response tracker. Each sits on its
// own connection so a failed checkpoint transaction cannot affect tracking
// writes.
type Handle struct {
	Plan        Plan
	Checkpoints storage.CheckpointStore
	Tracker     storage.ResponseTracker

	closeOnce sync.Once
	closeErr  error
}

// Open connects the two components described by plan. Tables are created
// lazily by each component on first use.
func Open(ctx context.Context, plan Plan) (*Handle, error) {
	var (
		cps     storage.CheckpointStore
		tracker storage.ResponseTracker
		err     error
	)
	switch plan.Kind {
	case KindEphemeral:
		cps = storage.NewInMemoryCheckpointStore()
		tracker = storage.NewInMemoryResponseTracker()
	case KindEmbedded:
		cps, tracker, err = openEmbedded(plan.Path)
	case KindRelational:
		cps, tracker, err = openRelational(ctx, plan)
	default:
		return nil, &ConfigError{Reason: "unknown backend kind " + plan.Kind.String()}
	}
	if err != nil {
		return nil, err
	}

	log.Debug().
		Str("backend", plan.Kind.String()).
		Str("target", plan.Redacted()).
		Str("pool_mode", plan.PoolMode.String()).
		Msg("backend: opened")
	return &Handle{Plan: plan, Checkpoints: cps, Tracker: tracker}, nil
}

// Kind reports the engine behind the handle.
func (h *Handle) Kind() Kind { return h.Plan.Kind }

// Close releases both connections. Both are attempted even if the first
// fails; all failures are returned together. Safe to call more than once.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		var result *multierror.Error
		if h.Checkpoints != nil {
			if err := h.Checkpoints.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close checkpoint store"))
			}
		}
		if h.Tracker != nil {
			if err := h.Tracker.Close(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "close response tracker"))
			}
		}
		h.closeErr = result.ErrorOrNil()
	})
	return h.closeErr
}

func openEmbedded(path string) (storage.CheckpointStore, storage.ResponseTracker, error) {
	cpDB, err := storage.OpenSQLiteDB(path)
	if err != nil {
		return nil, nil, err
	}
	cps, err := storage.NewSQLiteCheckpointStore(cpDB)
	if err != nil {
		_ = cpDB.Close()
		return nil, nil, err
	}

	trDB, err := storage.OpenSQLiteDB(path)
	if err != nil {
		_ = cps.Close()
		return nil, nil, err
	}
	tracker, err := storage.NewSQLiteResponseTracker(trDB)
	if err != nil {
		_ = trDB.Close()
		_ = cps.Close()
		return nil, nil, err
	}
	return cps, tracker, nil
}

func openRelational(ctx context.Context, plan Plan) (storage.CheckpointStore, storage.ResponseTracker, error) {
	opts := storage.PostgresOptions{
		SimpleProtocol: plan.PoolMode == PoolTransaction,
		MaxConns:       plan.MaxConns,
	}

	opts.ApplicationName = "cortex-checkpoints"
	cpPool, err := storage.OpenPostgresPool(ctx, plan.DSN, opts)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open checkpoint pool")
	}
	cps, err := storage.NewPostgresCheckpointStore(cpPool)
	if err != nil {
		cpPool.Close()
		return nil, nil, err
	}

	opts.ApplicationName = "cortex-tracking"
	trPool, err := storage.OpenPostgresPool(ctx, plan.DSN, opts)
	if err != nil {
		_ = cps.Close()
		return nil, nil, errors.Wrap(err, "open tracking pool")
	}
	tracker, err := storage.NewPostgresResponseTracker(trPool)
	if err != nil {
		trPool.Close()
		_ = cps.Close()
		return nil, nil, err
	}
	return cps, tracker, nil
}
