// Package factory selects a store.Store backend by name at construction
// time, grounded on the teacher's internal/storage/factory registry.
package factory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/store/memory"
	"github.com/steveyegge/kernelstore/internal/store/postgres"
	"github.com/steveyegge/kernelstore/internal/store/postgres/migrations"
)

// BackendFactory constructs a store.Store from a DSN and Options.
type BackendFactory func(ctx context.Context, dsn string, opts Options) (store.Store, error)

var backendRegistry = map[string]BackendFactory{}

func init() {
	RegisterBackend("memory", func(ctx context.Context, dsn string, opts Options) (store.Store, error) {
		return memory.New(), nil
	})
	RegisterBackend("postgres", func(ctx context.Context, dsn string, opts Options) (store.Store, error) {
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("factory: parse dsn: %w", err)
		}
		if opts.MaxConns > 0 {
			poolCfg.MaxConns = opts.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("factory: connect: %w", err)
		}
		if opts.RunMigrations {
			if err := migrations.Run(ctx, pool); err != nil {
				pool.Close()
				return nil, fmt.Errorf("factory: migrate: %w", err)
			}
		}
		return postgres.OpenWithPool(pool), nil
	})
}

// RegisterBackend registers a backend factory under name, allowing callers
// outside this package (e.g. an alternate SQL backend adapted later) to
// extend the set without modifying this file.
func RegisterBackend(name string, f BackendFactory) {
	backendRegistry[name] = f
}

// Options configures backend construction.
type Options struct {
	MaxConns      int32
	RunMigrations bool
}

// New constructs a backend with default options.
func New(ctx context.Context, backend, dsn string) (store.Store, error) {
	return NewWithOptions(ctx, backend, dsn, Options{})
}

// NewWithOptions constructs the named backend, or returns an error if no
// factory is registered under that name.
func NewWithOptions(ctx context.Context, backend, dsn string, opts Options) (store.Store, error) {
	f, ok := backendRegistry[backend]
	if !ok {
		return nil, fmt.Errorf("factory: unknown store backend %q", backend)
	}
	return f(ctx, dsn, opts)
}
