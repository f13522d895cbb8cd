package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

const objectSelectColumns = `SELECT id, tenant_id, type_code, code, name, data, status, version, deleted, deleted_at, deleted_by, created_at, created_by, modified_at, modified_by, metadata`

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*types.Object, error) {
	o := &types.Object{}
	err := row.Scan(&o.ID, &o.TenantID, &o.TypeCode, &o.Code, &o.Name, &o.Data, &o.Status, &o.Version,
		&o.Deleted, &o.DeletedAt, &o.DeletedBy, &o.CreatedAt, &o.CreatedBy, &o.ModifiedAt, &o.ModifiedBy, &o.Metadata)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Store) GetObjectByID(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error) {
	ctx, span := pgTracer.Start(ctx, "postgres.get_object_by_id", trace.WithAttributes(pgSpanAttrs("select")...))
	defer span.End()
	const q = objectSelectColumns + ` FROM kernel_objects WHERE id = $1 AND tenant_id = $2 AND deleted = false`
	o, err := scanObject(s.pool.QueryRow(ctx, q, id, tenantID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetObjectByID", err)
		}
		endSpan(span, err)
		return nil, errs.StoreUnavailableErr("postgres.GetObjectByID", err)
	}
	return o, nil
}

func (s *Store) GetObjectByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (*types.Object, error) {
	const q = objectSelectColumns + ` FROM kernel_objects WHERE tenant_id = $1 AND type_code = $2 AND code = $3 AND deleted = false`
	o, err := scanObject(s.pool.QueryRow(ctx, q, tenantID, typeCode, code))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetObjectByCode", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetObjectByCode", err)
	}
	return o, nil
}

func scanObjectPage(ctx context.Context, pool pgxQuerier, countQ, listQ string, page store.Page, args ...interface{}) (*store.ObjectPage, error) {
	page = page.Normalize()
	var total int64
	if err := pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, errs.StoreUnavailableErr("postgres.count", err)
	}
	pagedArgs := append(append([]interface{}{}, args...), page.Size, (page.Number-1)*page.Size)
	rows, err := pool.Query(ctx, listQ, pagedArgs...)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.list", err)
	}
	defer rows.Close()
	var items []*types.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, errs.StoreUnavailableErr("postgres.list.scan", err)
		}
		items = append(items, o)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.StoreUnavailableErr("postgres.list.rows", err)
	}
	return &store.ObjectPage{Items: items, Total: total, Page: page.Number, Size: page.Size}, nil
}

// pgxQuerier is satisfied by *pgxpool.Pool; narrowed for scanObjectPage's
// own testability.
type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

func (s *Store) ListByType(ctx context.Context, tenantID uuid.UUID, typeCode string, opts store.ListOptions) (*store.ObjectPage, error) {
	where := `tenant_id = $1 AND type_code = $2 AND deleted = false`
	args := []interface{}{tenantID, typeCode}
	if opts.Status != nil {
		args = append(args, *opts.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	} else {
		where += fmt.Sprintf(" AND status != $%d", len(args)+1)
		args = append(args, types.StatusArchived)
	}
	for _, f := range opts.Attributes {
		args = append(args, fmt.Sprintf(`{"%s": %s}`, f.Key, jsonScalar(f.Value)))
		where += fmt.Sprintf(" AND data @> $%d", len(args))
	}
	countQ := `SELECT count(*) FROM kernel_objects WHERE ` + where
	listQ := objectSelectColumns + ` FROM kernel_objects WHERE ` + where +
		fmt.Sprintf(" ORDER BY created_at ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	return scanObjectPage(ctx, s.pool, countQ, listQ, opts.Page, args...)
}

func (s *Store) SearchByName(ctx context.Context, tenantID uuid.UUID, typeCode string, opts store.SearchOptions) (*store.ObjectPage, error) {
	where := `tenant_id = $1 AND type_code = $2 AND deleted = false AND name ILIKE $3`
	args := []interface{}{tenantID, typeCode, "%" + opts.Term + "%"}
	countQ := `SELECT count(*) FROM kernel_objects WHERE ` + where
	listQ := objectSelectColumns + ` FROM kernel_objects WHERE ` + where +
		fmt.Sprintf(" ORDER BY name ASC LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	return scanObjectPage(ctx, s.pool, countQ, listQ, opts.Page, args...)
}

// jsonScalar renders a Go scalar as a JSON literal for embedding in a
// containment-query argument.
func jsonScalar(v interface{}) string {
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (s *Store) QueryByAttribute(ctx context.Context, tenantID uuid.UUID, typeCode string, filter store.AttributeFilter, page store.Page) (*store.ObjectPage, error) {
	return s.ListByType(ctx, tenantID, typeCode, store.ListOptions{Page: page, Attributes: []store.AttributeFilter{filter}})
}

func (s *Store) BulkGet(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = objectSelectColumns + ` FROM kernel_objects WHERE tenant_id = $1 AND id = ANY($2) AND deleted = false`
	rows, err := s.pool.Query(ctx, q, tenantID, ids)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.BulkGet", err)
	}
	defer rows.Close()
	var out []*types.Object
	for rows.Next() {
		o, err := scanObject(rows)
		if err != nil {
			return nil, errs.StoreUnavailableErr("postgres.BulkGet.scan", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) CountByType(ctx context.Context, tenantID uuid.UUID, typeCode string) (int64, error) {
	const q = `SELECT count(*) FROM kernel_objects WHERE tenant_id = $1 AND type_code = $2 AND deleted = false`
	var n int64
	if err := s.pool.QueryRow(ctx, q, tenantID, typeCode).Scan(&n); err != nil {
		return 0, errs.StoreUnavailableErr("postgres.CountByType", err)
	}
	return n, nil
}

const versionSelectColumns = `SELECT id, object_id, version_number, change_type, previous_data, current_data, diff, changed_by, ip, user_agent, change_reason, created_at`

func scanVersion(row rowScanner) (*types.ObjectVersion, error) {
	v := &types.ObjectVersion{}
	err := row.Scan(&v.ID, &v.ObjectID, &v.VersionNumber, &v.ChangeType, &v.PreviousData, &v.CurrentData, &v.Diff, &v.ChangedBy, &v.IP, &v.UserAgent, &v.ChangeReason, &v.CreatedAt)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Store) GetVersions(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectVersion, error) {
	const q = versionSelectColumns + ` FROM kernel_object_versions WHERE object_id = $1 ORDER BY version_number ASC`
	rows, err := s.pool.Query(ctx, q, objectID)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.GetVersions", err)
	}
	defer rows.Close()
	var out []*types.ObjectVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, errs.StoreUnavailableErr("postgres.GetVersions.scan", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) GetVersion(ctx context.Context, objectID uuid.UUID, versionNumber int64) (*types.ObjectVersion, error) {
	const q = versionSelectColumns + ` FROM kernel_object_versions WHERE object_id = $1 AND version_number = $2`
	v, err := scanVersion(s.pool.QueryRow(ctx, q, objectID, versionNumber))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetVersion", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetVersion", err)
	}
	return v, nil
}

// FindVersionAt implements the time-travel query: the version row with the
// largest created_at <= at.
func (s *Store) FindVersionAt(ctx context.Context, objectID uuid.UUID, at time.Time) (*types.ObjectVersion, error) {
	const q = versionSelectColumns + ` FROM kernel_object_versions WHERE object_id = $1 AND created_at <= $2 ORDER BY created_at DESC LIMIT 1`
	v, err := scanVersion(s.pool.QueryRow(ctx, q, objectID, at))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.FindVersionAt", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.FindVersionAt", err)
	}
	return v, nil
}

const relationshipSelectColumns = `SELECT id, source_id, target_id, rel_type, cardinality, bidirectional, inverse_type, strength, display_order, metadata, active, created_at, created_by, modified_at, modified_by`

func scanRelationship(row rowScanner) (*types.ObjectRelationship, error) {
	r := &types.ObjectRelationship{}
	err := row.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.RelType, &r.Cardinality, &r.Bidirectional, &r.InverseType, &r.Strength, &r.DisplayOrder, &r.Metadata, &r.Active, &r.CreatedAt, &r.CreatedBy, &r.ModifiedAt, &r.ModifiedBy)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error) {
	const q = relationshipSelectColumns + ` FROM kernel_relationships WHERE source_id = $1 AND target_id = $2 AND rel_type = $3`
	r, err := scanRelationship(s.pool.QueryRow(ctx, q, sourceID, targetID, relType))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetRelationship", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetRelationship", err)
	}
	return r, nil
}

func (s *Store) ListRelationships(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectRelationship, error) {
	const q = relationshipSelectColumns + ` FROM kernel_relationships WHERE source_id = $1 OR target_id = $1`
	rows, err := s.pool.Query(ctx, q, objectID)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.ListRelationships", err)
	}
	defer rows.Close()
	var out []*types.ObjectRelationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, errs.StoreUnavailableErr("postgres.ListRelationships.scan", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const outboxSelectColumns = `SELECT id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, max_retries, error, published_at, topic, partition, "offset", next_retry_at, idempotency_key, created_at, claimed_at`

// claimLeaseTimeout bounds how long a row may sit CLAIMED before another
// replica is allowed to reclaim it, recovering rows whose claimant crashed
// or was killed between claiming and resolving the publish.
const claimLeaseTimeout = 5 * time.Minute

func scanOutbox(row rowScanner) (*types.OutboxEntry, error) {
	e := &types.OutboxEntry{}
	err := row.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload, &e.Status, &e.RetryCount, &e.MaxRetries,
		&e.Error, &e.PublishedAt, &e.Topic, &e.Partition, &e.Offset, &e.NextRetryAt, &e.IdempotencyKey, &e.CreatedAt, &e.ClaimedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// claimOutbox runs the SELECT ... FOR UPDATE SKIP LOCKED claim named in
// SPEC_FULL.md §5: it locks up to limit matching rows, one per aggregate,
// then — still inside the same transaction, before the lock is released —
// flips each claimed row's status to CLAIMED and stamps claimed_at. The
// status change is what a second replica's concurrent claim actually sees
// once this transaction commits; SKIP LOCKED alone only hides the row while
// the lock is held, which is not long enough to cover the publish that
// happens after this call returns. The caller publishes, then calls
// MarkOutboxPublished/MarkOutboxFailed to resolve the claim.
func (s *Store) claimOutbox(ctx context.Context, predicate string, limit int, args ...interface{}) ([]*types.OutboxEntry, error) {
	ctx, span := pgTracer.Start(ctx, "postgres.claim_outbox", trace.WithAttributes(pgSpanAttrs("select")...))
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.claimOutbox", err)
	}
	defer tx.Rollback(ctx)

	q := outboxSelectColumns + ` FROM kernel_outbox WHERE ` + predicate +
		` ORDER BY created_at ASC FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, errs.StoreUnavailableErr("postgres.claimOutbox.query", err)
	}
	seenAggregate := make(map[uuid.UUID]bool)
	var out []*types.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			rows.Close()
			return nil, errs.StoreUnavailableErr("postgres.claimOutbox.scan", err)
		}
		if seenAggregate[e.AggregateID] {
			continue
		}
		seenAggregate[e.AggregateID] = true
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	rows.Close()

	if len(out) > 0 {
		ids := make([]uuid.UUID, len(out))
		for i, e := range out {
			ids[i] = e.ID
		}
		claimedAt := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE kernel_outbox SET status = $1, claimed_at = $2 WHERE id = ANY($3)`,
			types.OutboxClaimed, claimedAt, ids,
		); err != nil {
			return nil, errs.StoreUnavailableErr("postgres.claimOutbox.claim", err)
		}
		for _, e := range out {
			e.Status = types.OutboxClaimed
			e.ClaimedAt = &claimedAt
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.StoreUnavailableErr("postgres.claimOutbox.commit", err)
	}
	return out, nil
}

func (s *Store) ClaimPendingOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error) {
	return s.claimOutbox(ctx, `status = $1`, limit, types.OutboxPending)
}

// ClaimRetryableOutbox claims FAILED rows whose backoff has elapsed, and
// also reclaims CLAIMED rows whose lease expired — a dispatcher replica
// that crashed mid-publish leaves its claim behind rather than blocking the
// row forever.
func (s *Store) ClaimRetryableOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error) {
	return s.claimOutbox(ctx,
		`(status = $1 AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= now()))
		 OR (status = $2 AND claimed_at < $3)`,
		limit, types.OutboxFailed, types.OutboxClaimed, time.Now().UTC().Add(-claimLeaseTimeout))
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID, topic string, partition int32, offset int64, publishedAt time.Time) error {
	const q = `UPDATE kernel_outbox SET status = $1, topic = $2, partition = $3, "offset" = $4, published_at = $5, claimed_at = NULL WHERE id = $6`
	_, err := s.pool.Exec(ctx, q, types.OutboxPublished, topic, partition, offset, publishedAt, id)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.MarkOutboxPublished", err)
	}
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string, nextRetryAt *time.Time) error {
	const q = `UPDATE kernel_outbox SET status = $1, error = $2, retry_count = retry_count + 1, next_retry_at = $3, claimed_at = NULL WHERE id = $4`
	_, err := s.pool.Exec(ctx, q, types.OutboxFailed, reason, nextRetryAt, id)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.MarkOutboxFailed", err)
	}
	return nil
}

func (s *Store) SweepPublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	const q = `DELETE FROM kernel_outbox WHERE status = $1 AND published_at < $2`
	tag, err := s.pool.Exec(ctx, q, types.OutboxPublished, olderThan)
	if err != nil {
		return 0, errs.StoreUnavailableErr("postgres.SweepPublishedOutbox", err)
	}
	return tag.RowsAffected(), nil
}

var _ store.Store = (*Store)(nil)
