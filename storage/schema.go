package storage

import (
	"context"
	"sync"
)

// schemaGuard runs idempotent table creation once per component. A failed
// attempt leaves the guard open so the next operation tries again.
type schemaGuard struct {
	mu    sync.Mutex
	ready bool
}

func (g *schemaGuard) ensure(ctx context.Context, create func(context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return nil
	}
	if err := create(ctx); err != nil {
		return err
	}
	g.ready = true
	return nil
}
