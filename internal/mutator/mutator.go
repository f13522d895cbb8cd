// Package mutator orchestrates the atomic write path: validate, update the
// live row, append a version, enqueue an outbox entry, commit, and finally
// touch the cache. It is grounded directly on the teacher's
// doltTransaction.CreateIssue / UpdateIssue / CloseIssue methods
// (internal/storage/dolt/transaction.go and issues.go) — validate inside
// the transaction, mutate the row, record history, mark dirty/outbox,
// commit, then handle the post-commit side effect.
package mutator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/bus"
	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
	"github.com/steveyegge/kernelstore/internal/versioner"
)

// Mutator is the single write path into the object store. The bus is
// deliberately absent from its dependencies: a mutation only ever writes
// an outbox row, never calls the bus directly (spec §9 forbids any
// in-process fire-and-forget path outside the Dispatcher).
type Mutator struct {
	store     store.Store
	versioner *versioner.Versioner
	cache     cache.Cache
	source    string
}

// New builds a Mutator. source names this process in published envelopes
// (spec.md §6.3's "source": "kernel" field).
func New(s store.Store, v *versioner.Versioner, c cache.Cache, source string) *Mutator {
	return &Mutator{store: s, versioner: v, cache: c, source: source}
}

// CreateParams describes a new object.
type CreateParams struct {
	TypeCode string
	Code     string
	Name     string
	Data     []byte
	Metadata []byte
}

// Create inserts a new object with version 1, appends its CREATE version,
// and enqueues an object.created outbox entry, all in one transaction.
func (m *Mutator) Create(ctx context.Context, tenantID uuid.UUID, actor types.ActorContext, p CreateParams) (*types.Object, error) {
	const op = "mutator.Create"

	if p.TypeCode == "" || p.Code == "" || p.Name == "" || len(p.Data) == 0 {
		return nil, errs.InvalidArgumentErr(op, fmt.Errorf("type_code, code, name, and data are required"))
	}

	id := uuid.New()
	var created *types.Object

	err := m.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		now := time.Now().UTC()

		// Transaction.InsertObject is the sole authority on the (tenant,
		// type, code) uniqueness precondition — Postgres via its partial
		// unique index, memory via a linear scan — so no separate
		// pre-check runs here. A pre-check issued against the top-level
		// Store from inside this closure would also deadlock the memory
		// backend's single-mutex transaction.
		obj, err := tx.InsertObject(ctx, store.CreateParams{
			ID:       id,
			TenantID: tenantID,
			TypeCode: p.TypeCode,
			Code:     p.Code,
			Name:     p.Name,
			Data:     p.Data,
			Metadata: p.Metadata,
			Actor:    actor.UserID,
			Now:      now,
		})
		if err != nil {
			if errs.Is(err, errs.Conflict) {
				return err
			}
			return errs.IntegrityErr(op, err)
		}

		if _, err := m.versioner.Record(ctx, tx, versioner.Params{
			ObjectID:      obj.ID,
			VersionNumber: 1,
			ChangeType:    types.ChangeCreate,
			Current:       obj.Data,
			Actor:         actor,
			Now:           now,
		}); err != nil {
			return errs.IntegrityErr(op, err)
		}

		if err := tx.InsertOutboxEntry(ctx, m.envelopeEntry(obj, "object.created", obj.Data, now)); err != nil {
			return errs.IntegrityErr(op, err)
		}

		created = obj
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cache.Put(ctx, created, cache.DefaultTTL)
	return created, nil
}

// UpdateParams describes a field-level update. Nil fields are left
// unchanged.
type UpdateParams struct {
	Name         *string
	Data         []byte
	ChangeReason string
}

// Update applies p to the object identified by id, appending an UPDATE
// version carrying the structural diff.
func (m *Mutator) Update(ctx context.Context, tenantID, id uuid.UUID, actor types.ActorContext, p UpdateParams) (*types.Object, error) {
	const op = "mutator.Update"
	return m.mutate(ctx, op, tenantID, id, actor, func(ctx context.Context, tx store.Transaction, current *types.Object, now time.Time) (*types.Object, types.ChangeType, error) {
		updated, err := tx.UpdateObject(ctx, tenantID, id, store.UpdateParams{
			Name:            p.Name,
			Data:            p.Data,
			Actor:           actor.UserID,
			Now:             now,
			ExpectedVersion: current.Version,
		})
		return updated, types.ChangeUpdate, err
	}, p.ChangeReason, "object.updated")
}

// SoftDelete marks the object DELETED. InvalidState if it is already
// deleted.
func (m *Mutator) SoftDelete(ctx context.Context, tenantID, id uuid.UUID, actor types.ActorContext, reason string) (*types.Object, error) {
	const op = "mutator.SoftDelete"
	return m.mutate(ctx, op, tenantID, id, actor, func(ctx context.Context, tx store.Transaction, current *types.Object, now time.Time) (*types.Object, types.ChangeType, error) {
		if current.Deleted {
			return nil, "", errs.InvalidStateErr(op, fmt.Errorf("object %s is already deleted", id))
		}
		deleted := true
		status := types.StatusDeleted
		deletedBy := actor.UserID
		updated, err := tx.UpdateObject(ctx, tenantID, id, store.UpdateParams{
			Status:          &status,
			Deleted:         &deleted,
			DeletedAt:       &now,
			DeletedBy:       &deletedBy,
			Actor:           actor.UserID,
			Now:             now,
			ExpectedVersion: current.Version,
		})
		return updated, types.ChangeDelete, err
	}, reason, "object.deleted")
}

// Restore reverses a SoftDelete. InvalidState if the object is not
// currently deleted.
func (m *Mutator) Restore(ctx context.Context, tenantID, id uuid.UUID, actor types.ActorContext) (*types.Object, error) {
	const op = "mutator.Restore"
	return m.mutate(ctx, op, tenantID, id, actor, func(ctx context.Context, tx store.Transaction, current *types.Object, now time.Time) (*types.Object, types.ChangeType, error) {
		if !current.Deleted {
			return nil, "", errs.InvalidStateErr(op, fmt.Errorf("object %s is not deleted", id))
		}
		deleted := false
		status := types.StatusActive
		var noDeletedBy string
		updated, err := tx.UpdateObject(ctx, tenantID, id, store.UpdateParams{
			Status:          &status,
			Deleted:         &deleted,
			DeletedAt:       nil,
			DeletedBy:       &noDeletedBy,
			Actor:           actor.UserID,
			Now:             now,
			ExpectedVersion: current.Version,
		})
		return updated, types.ChangeRestore, err
	}, "", "object.restored")
}

// ChangeStatus transitions the object to newStatus, e.g. ACTIVE <-> INACTIVE
// or ACTIVE -> ARCHIVED. Deleted objects cannot change status directly;
// Restore first.
func (m *Mutator) ChangeStatus(ctx context.Context, tenantID, id uuid.UUID, actor types.ActorContext, newStatus types.Status, reason string) (*types.Object, error) {
	const op = "mutator.ChangeStatus"
	if !newStatus.Valid() {
		return nil, errs.InvalidArgumentErr(op, fmt.Errorf("invalid status %q", newStatus))
	}
	return m.mutate(ctx, op, tenantID, id, actor, func(ctx context.Context, tx store.Transaction, current *types.Object, now time.Time) (*types.Object, types.ChangeType, error) {
		if current.Deleted || newStatus == types.StatusDeleted {
			return nil, "", errs.InvalidStateErr(op, fmt.Errorf("use SoftDelete/Restore for DELETED transitions"))
		}
		updated, err := tx.UpdateObject(ctx, tenantID, id, store.UpdateParams{
			Status:          &newStatus,
			Actor:           actor.UserID,
			Now:             now,
			ExpectedVersion: current.Version,
		})
		return updated, types.ChangeStatusChange, err
	}, reason, "object.updated")
}

// LinkParams describes a relationship to create (or reactivate) between
// two objects.
type LinkParams struct {
	SourceID      uuid.UUID
	TargetID      uuid.UUID
	RelType       string
	Cardinality   types.Cardinality
	Bidirectional bool
	InverseType   string
	Strength      float64
	DisplayOrder  int
	Metadata      []byte
}

// Link upserts an ObjectRelationship row and enqueues a
// relationship.created outbox entry. Relationships carry no version
// history of their own (spec.md §3 scopes versioning to objects); the
// outbox row is still written inside the same transaction as the upsert
// so the event and the row change together.
func (m *Mutator) Link(ctx context.Context, actor types.ActorContext, p LinkParams) (*types.ObjectRelationship, error) {
	const op = "mutator.Link"
	if p.SourceID == uuid.Nil || p.TargetID == uuid.Nil || p.RelType == "" {
		return nil, errs.InvalidArgumentErr(op, fmt.Errorf("source_id, target_id, and rel_type are required"))
	}

	var linked *types.ObjectRelationship
	err := m.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		now := time.Now().UTC()
		rel := &types.ObjectRelationship{
			ID:            uuid.New(),
			SourceID:      p.SourceID,
			TargetID:      p.TargetID,
			RelType:       p.RelType,
			Cardinality:   p.Cardinality,
			Bidirectional: p.Bidirectional,
			InverseType:   p.InverseType,
			Strength:      p.Strength,
			DisplayOrder:  p.DisplayOrder,
			Metadata:      p.Metadata,
			Active:        true,
			CreatedAt:     now,
			CreatedBy:     actor.UserID,
			ModifiedAt:    now,
			ModifiedBy:    actor.UserID,
		}
		if err := rel.Validate(); err != nil {
			return errs.InvalidArgumentErr(op, err)
		}
		if err := tx.UpsertRelationship(ctx, rel); err != nil {
			return errs.IntegrityErr(op, err)
		}
		if err := tx.InsertOutboxEntry(ctx, m.relationshipEnvelopeEntry(rel, "relationship.created", now)); err != nil {
			return errs.IntegrityErr(op, err)
		}
		linked = rel
		return nil
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}

// Unlink deactivates the relationship identified by (sourceID, targetID,
// relType) and enqueues a relationship.deleted outbox entry. NotFound if
// no such relationship exists.
func (m *Mutator) Unlink(ctx context.Context, actor types.ActorContext, sourceID, targetID uuid.UUID, relType string) error {
	const op = "mutator.Unlink"
	return m.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		now := time.Now().UTC()
		current, err := tx.GetRelationship(ctx, sourceID, targetID, relType)
		if err != nil {
			return err
		}
		current.Active = false
		current.ModifiedAt = now
		current.ModifiedBy = actor.UserID
		if err := tx.UpsertRelationship(ctx, current); err != nil {
			return errs.IntegrityErr(op, err)
		}
		return tx.InsertOutboxEntry(ctx, m.relationshipEnvelopeEntry(current, "relationship.deleted", now))
	})
}

// relationshipEnvelopeEntry builds the OutboxEntry carrying a
// RelationshipEnvelope payload.
func (m *Mutator) relationshipEnvelopeEntry(rel *types.ObjectRelationship, eventType string, now time.Time) *types.OutboxEntry {
	env := bus.RelationshipEnvelope{
		EventID:   uuid.New(),
		EventType: eventType,
		Timestamp: now,
		Source:    m.source,
		Data: bus.RelationshipData{
			SourceID: rel.SourceID,
			TargetID: rel.TargetID,
			RelType:  rel.RelType,
			Active:   rel.Active,
		},
	}
	raw, _ := env.Marshal()

	return &types.OutboxEntry{
		ID:             uuid.New(),
		AggregateID:    rel.ID,
		AggregateType:  "relationship",
		EventType:      eventType,
		Payload:        raw,
		Status:         types.OutboxPending,
		MaxRetries:     5,
		IdempotencyKey: types.IdempotencyKeyFor("relationship", rel.ID, eventType, now),
		CreatedAt:      now,
	}
}

// mutationFn performs the row update for one protocol step given the
// currently loaded object, returning the updated row and the ChangeType to
// record.
type mutationFn func(ctx context.Context, tx store.Transaction, current *types.Object, now time.Time) (*types.Object, types.ChangeType, error)

// mutate is the shared skeleton behind Update/SoftDelete/Restore/
// ChangeStatus: lock the current row with GetObjectForUpdate (spec.md §5's
// row-level-lock option for concurrency control — it also makes the
// protocol correct for Restore, where the "current" row is deleted and so
// would not exist under a deleted-filtering read), run fn inside the same
// transaction, append a version with the pre/post diff, write the outbox
// entry, commit, then resync the cache. Postgres's RunInTransaction
// already retries a transient serialization failure around the whole
// closure, matching the teacher's withRetry shape
// (internal/storage/dolt/store.go).
func (m *Mutator) mutate(ctx context.Context, op string, tenantID, id uuid.UUID, actor types.ActorContext, fn mutationFn, reason, eventType string) (*types.Object, error) {
	var result *types.Object

	err := m.store.RunInTransaction(ctx, func(ctx context.Context, tx store.Transaction) error {
		now := time.Now().UTC()

		current, err := tx.GetObjectForUpdate(ctx, tenantID, id)
		if err != nil {
			return err
		}
		previous := current.Data

		updated, changeType, err := fn(ctx, tx, current, now)
		if err != nil {
			return err
		}

		if _, err := m.versioner.Record(ctx, tx, versioner.Params{
			ObjectID:      updated.ID,
			VersionNumber: updated.Version,
			ChangeType:    changeType,
			Previous:      previous,
			Current:       updated.Data,
			Actor:         actor,
			ChangeReason:  reason,
			Now:           now,
		}); err != nil {
			return errs.IntegrityErr(op, err)
		}

		if err := tx.InsertOutboxEntry(ctx, m.envelopeEntry(updated, eventType, updated.Data, now)); err != nil {
			return errs.IntegrityErr(op, err)
		}

		result = updated
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.cache.Invalidate(ctx, id)
	m.cache.Put(ctx, result, cache.DefaultTTL)
	return result, nil
}

// envelopeEntry builds the OutboxEntry whose payload is the §6.3 envelope
// for a single object change.
func (m *Mutator) envelopeEntry(obj *types.Object, eventType string, payload []byte, now time.Time) *types.OutboxEntry {
	env := bus.Envelope{
		EventID:   uuid.New(),
		EventType: eventType,
		Timestamp: now,
		Source:    m.source,
		TenantID:  obj.TenantID,
		Data: bus.EnvelopeData{
			ObjectID:       obj.ID,
			ObjectTypeCode: obj.TypeCode,
			ObjectCode:     obj.Code,
			Status:         string(obj.Status),
			Version:        obj.Version,
			Payload:        payload,
		},
	}
	raw, _ := env.Marshal()

	return &types.OutboxEntry{
		ID:             uuid.New(),
		AggregateID:    obj.ID,
		AggregateType:  "object",
		EventType:      eventType,
		Payload:        raw,
		Status:         types.OutboxPending,
		MaxRetries:     5,
		IdempotencyKey: types.IdempotencyKeyFor("object", obj.ID, eventType, now),
		CreatedAt:      now,
	}
}
