// Package store defines the relational persistence port for the kernel
// object store: objects, their version history, relationships, and the
// transactional outbox. Concrete backends live in sibling packages
// (internal/store/postgres, internal/store/memory).
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/types"
)

// MaxPageSize bounds every paginated query to avoid unbounded scans.
const MaxPageSize = 1000

// DefaultPageSize is used when a caller requests Size <= 0.
const DefaultPageSize = 50

// Page is a one-indexed page request. Normalize must be applied before a
// backend executes the query.
type Page struct {
	Number int
	Size   int
}

// Normalize clamps Number to >= 1 and Size to (0, MaxPageSize], substituting
// DefaultPageSize when the caller left Size unset.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Number - 1) * p.Size
}

// ObjectPage is the result of a paginated object listing.
type ObjectPage struct {
	Items []*types.Object
	Total int64
	Page  int
	Size  int
}

// AttributeFilter expresses a single top-level JSON containment predicate:
// data[Key] == Value. Produced by internal/query for expressions the store
// can push down; Value is a JSON-encodable scalar (string, float64, bool).
type AttributeFilter struct {
	Key   string
	Value interface{}
}

// ListOptions narrows a type-scoped listing.
type ListOptions struct {
	Status     *types.Status // nil => all non-terminal defaults per backend
	Page       Page
	Attributes []AttributeFilter
}

// SearchOptions narrows a name search.
type SearchOptions struct {
	Term string
	Page Page
}

// CreateParams is the set of fields a caller supplies to insert a new object;
// Version, timestamps, and Deleted are assigned by the store.
type CreateParams struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	TypeCode   string
	Code       string
	Name       string
	Data       []byte
	Metadata   []byte
	Actor      string
	Now        time.Time
}

// UpdateParams carries the fields of an in-place object update. Name is a
// pointer and Data a slice, so a nil value leaves that field unchanged and
// a caller can update one without clobbering the other.
type UpdateParams struct {
	Name       *string
	Data       []byte
	Status     *types.Status
	Deleted    *bool
	DeletedAt  *time.Time
	DeletedBy  *string
	Actor      string
	Now        time.Time
	// ExpectedVersion implements the optimistic-concurrency check: the
	// update only applies WHERE version = ExpectedVersion.
	ExpectedVersion int64
}

// Store is the relational persistence port. Every method is tenant-scoped
// where applicable and returns *errs.Error on failure (NotFound, Conflict,
// StoreUnavailable, Integrity).
type Store interface {
	// RunInTransaction executes fn within an atomic session. If fn returns
	// a non-nil error, the session rolls back and no row becomes visible
	// to later readers. Transient serialization failures are retried with
	// bounded exponential backoff before giving up.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	GetObjectByID(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error)
	GetObjectByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (*types.Object, error)
	ListByType(ctx context.Context, tenantID uuid.UUID, typeCode string, opts ListOptions) (*ObjectPage, error)
	SearchByName(ctx context.Context, tenantID uuid.UUID, typeCode string, opts SearchOptions) (*ObjectPage, error)
	QueryByAttribute(ctx context.Context, tenantID uuid.UUID, typeCode string, filter AttributeFilter, page Page) (*ObjectPage, error)
	BulkGet(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.Object, error)
	CountByType(ctx context.Context, tenantID uuid.UUID, typeCode string) (int64, error)

	GetVersions(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectVersion, error)
	GetVersion(ctx context.Context, objectID uuid.UUID, versionNumber int64) (*types.ObjectVersion, error)
	FindVersionAt(ctx context.Context, objectID uuid.UUID, at time.Time) (*types.ObjectVersion, error)

	GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error)
	ListRelationships(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectRelationship, error)

	// ClaimPendingOutbox locks and returns up to limit PENDING rows, oldest
	// first, skipping rows already locked by another claimant (SELECT ...
	// FOR UPDATE SKIP LOCKED on backends that support it). At most one
	// in-flight row per aggregate is returned, preserving per-aggregate
	// publish order.
	ClaimPendingOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error)

	// ClaimRetryableOutbox locks and returns up to limit FAILED rows whose
	// retry_count is below max_retries and whose next_retry_at has elapsed
	// (or is unset), oldest first, under the same claim discipline as
	// ClaimPendingOutbox.
	ClaimRetryableOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error)

	// MarkOutboxPublished transitions a claimed row to PUBLISHED.
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, topic string, partition int32, offset int64, publishedAt time.Time) error

	// MarkOutboxFailed transitions a claimed row to FAILED, incrementing
	// retry_count and setting next_retry_at per the dispatcher's backoff
	// schedule.
	MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string, nextRetryAt *time.Time) error

	// SweepPublishedOutbox deletes PUBLISHED rows older than olderThan and
	// returns the number removed.
	SweepPublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error)

	Close(ctx context.Context) error
}

// Transaction is the atomic-session handle threaded through a mutation.
// Every method operates within the enclosing database transaction; none of
// it is visible to other sessions until the Store commits.
type Transaction interface {
	InsertObject(ctx context.Context, p CreateParams) (*types.Object, error)

	// UpdateObject applies the changes in p to the row identified by id,
	// scoped to tenantID, enforcing p.ExpectedVersion via a compare-and-swap
	// WHERE clause. It returns errs.Conflict (zero rows affected because the
	// version moved) or errs.NotFound (row absent or cross-tenant).
	UpdateObject(ctx context.Context, tenantID, id uuid.UUID, p UpdateParams) (*types.Object, error)

	// GetObjectForUpdate re-reads the row with a row-level lock
	// (SELECT ... FOR UPDATE on backends that support it) so the caller can
	// safely compute ExpectedVersion+1 without racing a concurrent writer.
	GetObjectForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error)

	InsertVersion(ctx context.Context, v *types.ObjectVersion) error

	InsertOutboxEntry(ctx context.Context, e *types.OutboxEntry) error

	// GetRelationship re-reads a relationship row within the enclosing
	// transaction, mirroring GetObjectForUpdate's purpose for Unlink: a
	// caller must never reach back out to the top-level Store from inside
	// a transaction closure.
	GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error)
	UpsertRelationship(ctx context.Context, r *types.ObjectRelationship) error
	DeleteRelationshipsForObject(ctx context.Context, objectID uuid.UUID) error

	UpsertMetadataCache(ctx context.Context, m *types.MetadataCache) error
	GetMetadataCache(ctx context.Context, typeCode string) (*types.MetadataCache, error)
}
