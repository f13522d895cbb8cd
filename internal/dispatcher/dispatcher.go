// Package dispatcher drains the transactional outbox to the event bus.
// Its ticker-driven worker loops are grounded on the teacher's
// rpc.Server.runCleanupLoop (internal/rpc/server.go) — a ticker selected
// alongside a shutdown channel, stopped with defer — and its retry/
// result-recording shape follows notification.Dispatcher
// (internal/notification/dispatch.go).
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/steveyegge/kernelstore/internal/bus"
	"github.com/steveyegge/kernelstore/internal/bus/nats"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

var logger = log.New(os.Stderr, "dispatcher: ", log.LstdFlags)

var dispatchMetrics struct {
	published metric.Int64Counter
	failed    metric.Int64Counter
	swept     metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/steveyegge/kernelstore/dispatcher")
	dispatchMetrics.published, _ = m.Int64Counter("kernel.outbox.published", metric.WithDescription("outbox rows published"))
	dispatchMetrics.failed, _ = m.Int64Counter("kernel.outbox.failed", metric.WithDescription("outbox rows marked failed"))
	dispatchMetrics.swept, _ = m.Int64Counter("kernel.outbox.swept", metric.WithDescription("published outbox rows reclaimed by the sweeper"))
}

// Config tunes the three background loops. Zero values fall back to the
// spec's stated defaults.
type Config struct {
	Interval   time.Duration // pending/retry worker poll interval, default 5s
	BatchSize  int           // rows claimed per tick, default 100
	Retention  time.Duration // how long a PUBLISHED row survives, default 7 days
	MaxRetries int           // outbox row ceiling, default 5
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Retention <= 0 {
		c.Retention = 7 * 24 * time.Hour
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// Dispatcher owns the pending worker, retry worker, and cleanup sweeper.
// All three start and stop with Run.
type Dispatcher struct {
	store store.Store
	bus   bus.Bus
	cfg   Config
}

// New builds a Dispatcher over s and b.
func New(s store.Store, b bus.Bus, cfg Config) *Dispatcher {
	return &Dispatcher{store: s, bus: b, cfg: cfg.withDefaults()}
}

// Run starts the pending worker, retry worker, and sweeper, and blocks
// until ctx is cancelled, at which point all three stop and Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		d.loop(ctx, "pending", d.runPendingOnce)
	}()
	go func() {
		defer wg.Done()
		d.loop(ctx, "retry", d.runRetryOnce)
	}()
	go func() {
		defer wg.Done()
		d.loop(ctx, "sweep", d.runSweepOnce)
	}()

	wg.Wait()
	return ctx.Err()
}

func (d *Dispatcher) loop(ctx context.Context, name string, tick func(ctx context.Context)) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tick(ctx)
		case <-ctx.Done():
			logger.Printf("%s worker stopping", name)
			return
		}
	}
}

// runPendingOnce claims and publishes one batch of PENDING rows.
func (d *Dispatcher) runPendingOnce(ctx context.Context) {
	entries, err := d.store.ClaimPendingOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		logger.Printf("claim pending: %v", err)
		return
	}
	d.publishBatch(ctx, entries)
}

// runRetryOnce claims and republishes one batch of FAILED, retry-eligible
// rows.
func (d *Dispatcher) runRetryOnce(ctx context.Context) {
	entries, err := d.store.ClaimRetryableOutbox(ctx, d.cfg.BatchSize)
	if err != nil {
		logger.Printf("claim retryable: %v", err)
		return
	}
	d.publishBatch(ctx, entries)
}

func (d *Dispatcher) publishBatch(ctx context.Context, entries []*types.OutboxEntry) {
	for _, e := range entries {
		d.publishOne(ctx, e)
	}
}

// publishOne resolves the topic for e, publishes it, and records the
// outcome. A circuit-breaker trip marks e FAILED with reason breaker_open.
// It does not end the batch: publishBatch still calls publishOne for every
// remaining claimed entry, and while the breaker stays open each of those
// is marked FAILED with reason breaker_open in the same way.
func (d *Dispatcher) publishOne(ctx context.Context, e *types.OutboxEntry) {
	topic := TopicFor(e.AggregateType, e.EventType)

	partition, offset, err := d.bus.Publish(ctx, topic, e.AggregateID.String(), e.Payload)
	if err != nil {
		if errors.Is(err, nats.ErrBreakerOpen) {
			d.markFailed(ctx, e, "breaker_open")
			return
		}
		d.markFailed(ctx, e, err.Error())
		return
	}

	if err := d.store.MarkOutboxPublished(ctx, e.ID, topic, partition, offset, time.Now().UTC()); err != nil {
		logger.Printf("mark published %s: %v", e.ID, err)
		return
	}
	dispatchMetrics.published.Add(ctx, 1)
}

func (d *Dispatcher) markFailed(ctx context.Context, e *types.OutboxEntry, reason string) {
	nextRetry := e.RetryCount + 1
	var nextAt *time.Time
	if nextRetry < d.cfg.MaxRetries {
		at := time.Now().UTC().Add(time.Duration(1<<uint(nextRetry)) * time.Minute)
		nextAt = &at
	}
	if err := d.store.MarkOutboxFailed(ctx, e.ID, reason, nextAt); err != nil {
		logger.Printf("mark failed %s: %v", e.ID, err)
		return
	}
	dispatchMetrics.failed.Add(ctx, 1)
}

func (d *Dispatcher) runSweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.cfg.Retention)
	n, err := d.store.SweepPublishedOutbox(ctx, cutoff)
	if err != nil {
		logger.Printf("sweep: %v", err)
		return
	}
	if n > 0 {
		dispatchMetrics.swept.Add(ctx, n)
	}
}

// TopicFor derives the bus topic from an outbox row's aggregate type and
// event type, per spec.md §6.3: platform.kernel.<aggregate>.<verb>.
func TopicFor(aggregateType, eventType string) string {
	verb := eventType
	if idx := lastDot(eventType); idx >= 0 {
		verb = eventType[idx+1:]
	}
	return fmt.Sprintf("platform.kernel.%s.%s", aggregateType, verb)
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
