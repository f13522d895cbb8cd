// Package postgres implements store.Store on top of pgx/v5 and pgxpool,
// the concrete backend for the kernel object store. Postgres is required
// (rather than the teacher's own Dolt/MySQL backend) because the data
// model leans on jsonb containment queries and SELECT ... FOR UPDATE SKIP
// LOCKED, neither of which the teacher's driver exposes.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
)

// pgTracer is the OTel tracer for SQL-level spans.
var pgTracer = otel.Tracer("github.com/steveyegge/kernelstore/store/postgres")

var pgMetrics struct {
	retryCount metric.Int64Counter
}

func init() {
	m := otel.Meter("github.com/steveyegge/kernelstore/store/postgres")
	pgMetrics.retryCount, _ = m.Int64Counter("kernel.store.retry_count",
		metric.WithDescription("transactions retried due to serialization conflicts"),
		metric.WithUnit("{retry}"),
	)
}

// maxTransactionRetries bounds retries for serialization-failure conflicts,
// matching the teacher's RunInTransaction bound.
const maxTransactionRetries = 5

// Config configures the Postgres backend. See internal/config for the
// spec-mandated defaults.
type Config struct {
	DSN          string
	MaxConns     int32
	MaxIdleConns int32
}

// Store is the Postgres-backed implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pgxpool.Pool per cfg and returns a ready Store. The
// caller is responsible for running migrations (internal/store/postgres
// /migrations) before first use.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.StoreUnavailableErr("postgres.Open", err)
	}
	return &Store{pool: pool}, nil
}

// OpenWithPool wraps an already-configured pool, used by the dispatcher to
// share a pool sized separately from the Mutator's (§5's "cap the
// dispatcher's share").
func OpenWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close(ctx context.Context) error {
	s.pool.Close()
	return nil
}

func pgSpanAttrs(op string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func isSerializationError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// RunInTransaction executes fn inside a single pgx transaction, retrying on
// serializable-conflict errors with bounded exponential backoff, mirroring
// the teacher's RunInTransaction/runTransactionOnce split.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Transaction) error) error {
	ctx, span := pgTracer.Start(ctx, "postgres.run_in_transaction", trace.WithAttributes(pgSpanAttrs("transaction")...))
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 25 * time.Millisecond
	b.MaxInterval = 1 * time.Second

	var lastErr error
	for attempt := 0; attempt <= maxTransactionRetries; attempt++ {
		if attempt > 0 {
			pgMetrics.retryCount.Add(ctx, 1)
			time.Sleep(b.NextBackOff())
		}
		lastErr = s.runOnce(ctx, fn)
		if lastErr == nil {
			return nil
		}
		if !isSerializationError(lastErr) {
			endSpan(span, lastErr)
			return lastErr
		}
	}
	err := fmt.Errorf("transaction failed after %d retries: %w", maxTransactionRetries, lastErr)
	endSpan(span, err)
	return errs.StoreUnavailableErr("postgres.RunInTransaction", err)
}

func (s *Store) runOnce(ctx context.Context, fn func(ctx context.Context, tx store.Transaction) error) error {
	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return errs.StoreUnavailableErr("postgres.BeginTx", err)
	}

	t := &Transaction{tx: pgTx}

	if err := fn(ctx, t); err != nil {
		_ = pgTx.Rollback(ctx)
		return err
	}
	if err := pgTx.Commit(ctx); err != nil {
		return err
	}
	return nil
}
