// Package reader implements the cache-first read path: Get and GetByCode
// consult the cache before falling through to the Store and repopulate it
// on a miss; every other operation (listings, search, bulk reads, history,
// time-travel) is served directly from the Store since pagination defeats
// per-row caching (spec.md §4.7).
//
// Grounded on the teacher's internal/storage/provider.go StorageProvider —
// a thin adapter composing a persistence backend with the lookups a
// higher layer needs — generalized here to add the cache-first branch
// spec.md requires and to cover the full object/version read surface.
package reader

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/query"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

// Reader is the read path over a Store and its look-aside Cache.
type Reader struct {
	store store.Store
	cache cache.Cache
}

// New builds a Reader.
func New(s store.Store, c cache.Cache) *Reader {
	return &Reader{store: s, cache: c}
}

// Get returns the object by id, consulting the cache first. A cache hit
// short-circuits the Store entirely; a miss loads from the Store and, on
// success, repopulates the cache before returning.
func (r *Reader) Get(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error) {
	const op = "reader.Get"

	if o, ok := r.cache.GetByID(ctx, id); ok {
		if o.TenantID != tenantID || o.Deleted {
			return nil, errs.NotFoundErr(op, nil)
		}
		return o, nil
	}

	o, err := r.store.GetObjectByID(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	r.cache.Put(ctx, o, cache.DefaultTTL)
	return o, nil
}

// GetByCode resolves (tenant, type, code) to an id via the cache's code:
// key, then delegates to Get. A miss at either cache level falls through
// to the Store, which can answer the lookup in one query.
func (r *Reader) GetByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (*types.Object, error) {
	if id, ok := r.cache.GetIDByCode(ctx, tenantID, typeCode, code); ok {
		return r.Get(ctx, tenantID, id)
	}

	o, err := r.store.GetObjectByCode(ctx, tenantID, typeCode, code)
	if err != nil {
		return nil, err
	}
	r.cache.Put(ctx, o, cache.DefaultTTL)
	return o, nil
}

// ListByType lists non-deleted objects of a type, uncached. A nil status
// filter applies each backend's default exclusion (ARCHIVED is excluded
// from the default listing per SPEC_FULL.md's Open Question resolution,
// mirrored in status == nil here and enforced by the Store).
func (r *Reader) ListByType(ctx context.Context, tenantID uuid.UUID, typeCode string, page store.Page) (*store.ObjectPage, error) {
	return r.store.ListByType(ctx, tenantID, typeCode, store.ListOptions{Page: page})
}

// ListByStatus lists objects of a type in a specific status, including
// ARCHIVED when explicitly requested — the default-exclusion rule in
// ListByType only applies when no status is named.
func (r *Reader) ListByStatus(ctx context.Context, tenantID uuid.UUID, typeCode string, status types.Status, page store.Page) (*store.ObjectPage, error) {
	return r.store.ListByType(ctx, tenantID, typeCode, store.ListOptions{Status: &status, Page: page})
}

// SearchByName runs a name search, uncached.
func (r *Reader) SearchByName(ctx context.Context, tenantID uuid.UUID, typeCode, term string, page store.Page) (*store.ObjectPage, error) {
	return r.store.SearchByName(ctx, tenantID, typeCode, store.SearchOptions{Term: term, Page: page})
}

// FindByAttribute runs a single top-level JSON containment match, uncached.
func (r *Reader) FindByAttribute(ctx context.Context, tenantID uuid.UUID, typeCode, key string, value interface{}, page store.Page) (*store.ObjectPage, error) {
	return r.store.QueryByAttribute(ctx, tenantID, typeCode, store.AttributeFilter{Key: key, Value: value}, page)
}

// Query compiles q (the internal/query expression language) and answers
// it. Equality-only AND chains push every comparison down as Store
// attribute filters; anything involving OR, NOT, or a non-equality
// comparison additionally applies an in-memory predicate over each
// candidate row's Data after the Store call, since the JSON containment
// index can only express exact top-level equality (spec.md §4.1/§4.3).
func (r *Reader) Query(ctx context.Context, tenantID uuid.UUID, typeCode, q string, page store.Page) (*store.ObjectPage, error) {
	const op = "reader.Query"

	result, err := query.EvaluateString(q)
	if err != nil {
		return nil, errs.InvalidArgumentErr(op, err)
	}

	fetchPage := page
	if result.RequiresPredicate {
		// Over-fetch within the page cap so post-filtering doesn't starve
		// the result set; a predicate pass can only narrow, never widen.
		fetchPage.Size = store.MaxPageSize
		fetchPage.Number = 1
	}

	opts := store.ListOptions{Page: fetchPage, Attributes: result.Filters}
	listed, err := r.store.ListByType(ctx, tenantID, typeCode, opts)
	if err != nil {
		return nil, err
	}
	if !result.RequiresPredicate {
		return listed, nil
	}

	filtered := make([]*types.Object, 0, len(listed.Items))
	for _, o := range listed.Items {
		if result.Predicate(o.Data) {
			filtered = append(filtered, o)
		}
	}

	norm := page.Normalize()
	start := (norm.Number - 1) * norm.Size
	end := start + norm.Size
	if start > len(filtered) {
		start = len(filtered)
	}
	if end > len(filtered) {
		end = len(filtered)
	}
	return &store.ObjectPage{
		Items: filtered[start:end],
		Total: int64(len(filtered)),
		Page:  norm.Number,
		Size:  norm.Size,
	}, nil
}

// BulkGet returns the objects matching ids, uncached, skipping the Store
// entirely for an empty list (spec.md §8 boundary behavior).
func (r *Reader) BulkGet(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.Object, error) {
	if len(ids) == 0 {
		return []*types.Object{}, nil
	}
	return r.store.BulkGet(ctx, tenantID, ids)
}

// CountByType counts non-deleted objects of a type.
func (r *Reader) CountByType(ctx context.Context, tenantID uuid.UUID, typeCode string) (int64, error) {
	return r.store.CountByType(ctx, tenantID, typeCode)
}

// History returns every version row for an object, version_number
// ascending.
func (r *Reader) History(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectVersion, error) {
	return r.store.GetVersions(ctx, objectID)
}

// Version returns a single version row, or NotFound when versionNumber
// exceeds the object's current version.
func (r *Reader) Version(ctx context.Context, objectID uuid.UUID, versionNumber int64) (*types.ObjectVersion, error) {
	return r.store.GetVersion(ctx, objectID, versionNumber)
}

// VersionAt answers a time-travel query: the version row with the largest
// created_at <= at.
func (r *Reader) VersionAt(ctx context.Context, objectID uuid.UUID, at time.Time) (*types.ObjectVersion, error) {
	return r.store.FindVersionAt(ctx, objectID, at)
}

// ListRelationships returns every relationship edge touching objectID.
func (r *Reader) ListRelationships(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectRelationship, error) {
	return r.store.ListRelationships(ctx, objectID)
}
