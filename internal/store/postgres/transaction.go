package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

// Transaction implements store.Transaction over a single pgx.Tx.
type Transaction struct {
	tx pgx.Tx
}

func (t *Transaction) InsertObject(ctx context.Context, p store.CreateParams) (*types.Object, error) {
	const q = `
		INSERT INTO kernel_objects
			(id, tenant_id, type_code, code, name, data, status, version, deleted, created_at, created_by, modified_at, modified_by, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, false, $8, $9, $8, $9, $10)`
	_, err := t.tx.Exec(ctx, q, p.ID, p.TenantID, p.TypeCode, p.Code, p.Name, p.Data, types.StatusActive, p.Now, p.Actor, p.Metadata)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ConflictErr("postgres.InsertObject", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.InsertObject", err)
	}
	return &types.Object{
		ID: p.ID, TenantID: p.TenantID, TypeCode: p.TypeCode, Code: p.Code, Name: p.Name,
		Data: p.Data, Metadata: p.Metadata, Status: types.StatusActive, Version: 1,
		CreatedAt: p.Now, CreatedBy: p.Actor, ModifiedAt: p.Now, ModifiedBy: p.Actor,
	}, nil
}

// GetObjectForUpdate locks the row with SELECT ... FOR UPDATE so the caller
// can safely compute version+1 without racing a concurrent writer, per
// SPEC_FULL.md §5.
func (t *Transaction) GetObjectForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error) {
	const q = objectSelectColumns + ` FROM kernel_objects WHERE id = $1 AND tenant_id = $2 FOR UPDATE`
	row := t.tx.QueryRow(ctx, q, id, tenantID)
	o, err := scanObject(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetObjectForUpdate", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetObjectForUpdate", err)
	}
	return o, nil
}

func (t *Transaction) UpdateObject(ctx context.Context, tenantID, id uuid.UUID, p store.UpdateParams) (*types.Object, error) {
	setClauses := []string{"version = version + 1", "modified_at = $1", "modified_by = $2"}
	args := []interface{}{p.Now, p.Actor}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if p.Name != nil {
		setClauses = append(setClauses, "name = "+arg(*p.Name))
	}
	if p.Data != nil {
		setClauses = append(setClauses, "data = "+arg(p.Data))
	}
	if p.Status != nil {
		setClauses = append(setClauses, "status = "+arg(*p.Status))
	}
	if p.Deleted != nil {
		setClauses = append(setClauses, "deleted = "+arg(*p.Deleted))
	}
	setClauses = append(setClauses, "deleted_at = "+arg(p.DeletedAt))
	if p.DeletedBy != nil {
		setClauses = append(setClauses, "deleted_by = "+arg(*p.DeletedBy))
	}

	idArg := arg(id)
	tenantArg := arg(tenantID)
	versionArg := arg(p.ExpectedVersion)

	q := fmt.Sprintf(
		"UPDATE kernel_objects SET %s WHERE id = %s AND tenant_id = %s AND version = %s",
		joinClauses(setClauses), idArg, tenantArg, versionArg,
	)
	tag, err := t.tx.Exec(ctx, q, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errs.ConflictErr("postgres.UpdateObject", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.UpdateObject", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row doesn't exist/belongs to another tenant, or its
		// version moved on since the caller read it (optimistic conflict).
		if _, err := t.GetObjectForUpdate(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return nil, errs.ConflictErr("postgres.UpdateObject", nil)
	}
	return t.GetObjectForUpdate(ctx, tenantID, id)
}

func (t *Transaction) InsertVersion(ctx context.Context, v *types.ObjectVersion) error {
	const q = `
		INSERT INTO kernel_object_versions
			(id, object_id, version_number, change_type, previous_data, current_data, diff, changed_by, ip, user_agent, change_reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := t.tx.Exec(ctx, q, v.ID, v.ObjectID, v.VersionNumber, v.ChangeType, v.PreviousData, v.CurrentData, v.Diff, v.ChangedBy, v.IP, v.UserAgent, v.ChangeReason, v.CreatedAt)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.InsertVersion", err)
	}
	return nil
}

func (t *Transaction) InsertOutboxEntry(ctx context.Context, e *types.OutboxEntry) error {
	const q = `
		INSERT INTO kernel_outbox
			(id, aggregate_id, aggregate_type, event_type, payload, status, retry_count, max_retries, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)`
	_, err := t.tx.Exec(ctx, q, e.ID, e.AggregateID, e.AggregateType, e.EventType, e.Payload, types.OutboxPending, e.MaxRetries, e.IdempotencyKey, e.CreatedAt)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.InsertOutboxEntry", err)
	}
	return nil
}

// GetRelationship re-reads a relationship row with a row lock, mirroring
// GetObjectForUpdate's purpose: Unlink must never call back out to the
// top-level Store from inside this transaction.
func (t *Transaction) GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error) {
	const q = relationshipSelectColumns + ` FROM kernel_relationships WHERE source_id = $1 AND target_id = $2 AND rel_type = $3 FOR UPDATE`
	r, err := scanRelationship(t.tx.QueryRow(ctx, q, sourceID, targetID, relType))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetRelationship", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetRelationship", err)
	}
	return r, nil
}

func (t *Transaction) UpsertRelationship(ctx context.Context, r *types.ObjectRelationship) error {
	const q = `
		INSERT INTO kernel_relationships
			(id, source_id, target_id, rel_type, cardinality, bidirectional, inverse_type, strength, display_order, metadata, active, created_at, created_by, modified_at, modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (source_id, target_id, rel_type) DO UPDATE SET
			cardinality = EXCLUDED.cardinality, bidirectional = EXCLUDED.bidirectional,
			inverse_type = EXCLUDED.inverse_type, strength = EXCLUDED.strength,
			display_order = EXCLUDED.display_order, metadata = EXCLUDED.metadata,
			active = EXCLUDED.active, modified_at = EXCLUDED.modified_at, modified_by = EXCLUDED.modified_by`
	_, err := t.tx.Exec(ctx, q, r.ID, r.SourceID, r.TargetID, r.RelType, r.Cardinality, r.Bidirectional, r.InverseType, r.Strength, r.DisplayOrder, r.Metadata, r.Active, r.CreatedAt, r.CreatedBy, r.ModifiedAt, r.ModifiedBy)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.UpsertRelationship", err)
	}
	return nil
}

func (t *Transaction) DeleteRelationshipsForObject(ctx context.Context, objectID uuid.UUID) error {
	const q = `DELETE FROM kernel_relationships WHERE source_id = $1 OR target_id = $1`
	_, err := t.tx.Exec(ctx, q, objectID)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.DeleteRelationshipsForObject", err)
	}
	return nil
}

func (t *Transaction) UpsertMetadataCache(ctx context.Context, m *types.MetadataCache) error {
	const q = `
		INSERT INTO kernel_metadata_cache (type_code, descriptor, synced_at, stale, ttl_minutes, usage_count, last_accessed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (type_code) DO UPDATE SET
			descriptor = EXCLUDED.descriptor, synced_at = EXCLUDED.synced_at, stale = EXCLUDED.stale,
			ttl_minutes = EXCLUDED.ttl_minutes, usage_count = EXCLUDED.usage_count, last_accessed_at = EXCLUDED.last_accessed_at`
	_, err := t.tx.Exec(ctx, q, m.TypeCode, m.Descriptor, m.SyncedAt, m.Stale, m.TTLMinutes, m.UsageCount, m.LastAccessedAt)
	if err != nil {
		return errs.StoreUnavailableErr("postgres.UpsertMetadataCache", err)
	}
	return nil
}

func (t *Transaction) GetMetadataCache(ctx context.Context, typeCode string) (*types.MetadataCache, error) {
	const q = `SELECT type_code, descriptor, synced_at, stale, ttl_minutes, usage_count, last_accessed_at FROM kernel_metadata_cache WHERE type_code = $1`
	row := t.tx.QueryRow(ctx, q, typeCode)
	m := &types.MetadataCache{}
	if err := row.Scan(&m.TypeCode, &m.Descriptor, &m.SyncedAt, &m.Stale, &m.TTLMinutes, &m.UsageCount, &m.LastAccessedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.NotFoundErr("postgres.GetMetadataCache", err)
		}
		return nil, errs.StoreUnavailableErr("postgres.GetMetadataCache", err)
	}
	return m, nil
}

func joinClauses(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += ", " + c
	}
	return out
}

var _ store.Transaction = (*Transaction)(nil)
