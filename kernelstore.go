// Package kernelstore is the top-level wiring point for the kernel object
// store: a multi-tenant, schema-flexible store that records, versions,
// relates, and broadcasts changes to arbitrary business entities
// (SPEC_FULL.md §1). It exports the minimal public surface an external
// HTTP layer needs to construct one Core at startup and drive it, mirroring
// the teacher's root-level beads.go — a thin re-export of the package-level
// types and constructors a caller outside internal/ is meant to use.
package kernelstore

import (
	"context"

	"github.com/steveyegge/kernelstore/internal/bus"
	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/config"
	"github.com/steveyegge/kernelstore/internal/dispatcher"
	"github.com/steveyegge/kernelstore/internal/mutator"
	"github.com/steveyegge/kernelstore/internal/reader"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
	"github.com/steveyegge/kernelstore/internal/versioner"
)

// Re-exported types for callers who only need the public surface named in
// SPEC_FULL.md §10, without reaching into internal/.
type (
	Object             = types.Object
	ObjectVersion      = types.ObjectVersion
	ObjectRelationship = types.ObjectRelationship
	ActorContext       = types.ActorContext
)

// Core is the explicit, singleton-free wiring of every subsystem
// (SPEC_FULL.md §9/§10). An external HTTP layer constructs exactly one
// Core at startup, threads ActorContext from request headers into every
// Mutator/Reader call, and runs Core.Dispatcher.Run(ctx) in a background
// goroutine.
type Core struct {
	Store      store.Store
	Cache      cache.Cache
	Bus        bus.Bus
	Versioner  *versioner.Versioner
	Mutator    *mutator.Mutator
	Reader     *reader.Reader
	Dispatcher *dispatcher.Dispatcher
}

// New wires a Core from already-constructed subsystems. Callers that want
// config-driven construction of the subsystems themselves (DSNs, Redis
// addresses, NATS servers) build those with the internal/store/factory,
// internal/cache/redis, and internal/bus/nats constructors and pass the
// results here — New performs no I/O of its own.
func New(s store.Store, c cache.Cache, b bus.Bus, cfg config.Config) *Core {
	v := versioner.New()
	return &Core{
		Store:      s,
		Cache:      c,
		Bus:        b,
		Versioner:  v,
		Mutator:    mutator.New(s, v, c, cfg.Source),
		Reader:     reader.New(s, c),
		Dispatcher: dispatcher.New(s, b, dispatcher.Config{
			Interval:   cfg.Dispatcher.PollInterval,
			BatchSize:  cfg.Dispatcher.BatchSize,
			Retention:  cfg.Dispatcher.RetentionPeriod,
			MaxRetries: cfg.Dispatcher.MaxRetries,
		}),
	}
}

// Close closes the Store, releasing its connection pool. The Cache and
// the Bus are not closed here, and a running Dispatcher.Run goroutine is
// not stopped — callers own that via the context they passed to Run.
func (c *Core) Close(ctx context.Context) error {
	if err := c.Store.Close(ctx); err != nil {
		return err
	}
	return nil
}
