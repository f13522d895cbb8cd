// Package memory is an in-process, map-backed Store used by unit tests and
// as a zero-dependency fallback when no Postgres DSN is configured.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/types"
)

// Store is an in-memory Store. All methods take a single mutex; it is not
// intended for high-concurrency production use, only for tests and the
// no-database default.
type Store struct {
	mu            sync.Mutex
	objects       map[uuid.UUID]*types.Object
	versions      map[uuid.UUID][]*types.ObjectVersion
	relationships map[string]*types.ObjectRelationship
	outbox        map[uuid.UUID]*types.OutboxEntry
	metadata      map[string]*types.MetadataCache
	claimed       map[uuid.UUID]bool
}

// New returns an empty memory store.
func New() *Store {
	return &Store{
		objects:       make(map[uuid.UUID]*types.Object),
		versions:      make(map[uuid.UUID][]*types.ObjectVersion),
		relationships: make(map[string]*types.ObjectRelationship),
		outbox:        make(map[uuid.UUID]*types.OutboxEntry),
		metadata:      make(map[string]*types.MetadataCache),
		claimed:       make(map[uuid.UUID]bool),
	}
}

func relKey(sourceID, targetID uuid.UUID, relType string) string {
	return sourceID.String() + "|" + targetID.String() + "|" + relType
}

func cloneObject(o *types.Object) *types.Object {
	cp := *o
	return &cp
}

// memTx is the Transaction handle for the memory backend. It operates
// directly on the Store's maps under the Store's lock, which is already
// held for the duration of RunInTransaction — there is no real rollback,
// so a failing fn must not have mutated shared state before returning an
// error (matched by construction: every mutator call validates first).
type memTx struct {
	s *Store
}

func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx store.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx, &memTx{s: s})
}

func (s *Store) GetObjectByID(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.objects[id]
	if !ok || o.TenantID != tenantID || o.Deleted {
		return nil, errs.NotFoundErr("memory.GetObjectByID", nil)
	}
	return cloneObject(o), nil
}

func (s *Store) GetObjectByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (*types.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.TenantID == tenantID && o.TypeCode == typeCode && o.Code == code && !o.Deleted {
			return cloneObject(o), nil
		}
	}
	return nil, errs.NotFoundErr("memory.GetObjectByCode", nil)
}

func matchesAttribute(data []byte, f store.AttributeFilter) bool {
	// Minimal top-level containment check mirroring the Postgres `@>`
	// operator: decode once and compare the requested key.
	doc, err := decodeTopLevel(data)
	if err != nil {
		return false
	}
	v, ok := doc[f.Key]
	if !ok {
		return false
	}
	return valuesEqual(v, f.Value)
}

func (s *Store) listLocked(tenantID uuid.UUID, typeCode string, opts store.ListOptions) []*types.Object {
	var matched []*types.Object
	for _, o := range s.objects {
		if o.TenantID != tenantID || o.TypeCode != typeCode || o.Deleted {
			continue
		}
		if opts.Status != nil {
			if o.Status != *opts.Status {
				continue
			}
		} else if o.Status == types.StatusArchived {
			continue
		}
		ok := true
		for _, f := range opts.Attributes {
			if !matchesAttribute(o.Data, f) {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		matched = append(matched, cloneObject(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	return matched
}

func paginate(all []*types.Object, p store.Page) *store.ObjectPage {
	p = p.Normalize()
	total := int64(len(all))
	start := (p.Number - 1) * p.Size
	if start > len(all) {
		start = len(all)
	}
	end := start + p.Size
	if end > len(all) {
		end = len(all)
	}
	return &store.ObjectPage{Items: all[start:end], Total: total, Page: p.Number, Size: p.Size}
}

func (s *Store) ListByType(ctx context.Context, tenantID uuid.UUID, typeCode string, opts store.ListOptions) (*store.ObjectPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return paginate(s.listLocked(tenantID, typeCode, opts), opts.Page), nil
}

func (s *Store) SearchByName(ctx context.Context, tenantID uuid.UUID, typeCode string, opts store.SearchOptions) (*store.ObjectPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*types.Object
	term := strings.ToLower(opts.Term)
	for _, o := range s.objects {
		if o.TenantID != tenantID || o.TypeCode != typeCode || o.Deleted {
			continue
		}
		if term != "" && !strings.Contains(strings.ToLower(o.Name), term) {
			continue
		}
		matched = append(matched, cloneObject(o))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].Name < matched[j].Name })
	return paginate(matched, opts.Page), nil
}

func (s *Store) QueryByAttribute(ctx context.Context, tenantID uuid.UUID, typeCode string, filter store.AttributeFilter, page store.Page) (*store.ObjectPage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	matched := s.listLocked(tenantID, typeCode, store.ListOptions{Attributes: []store.AttributeFilter{filter}, Page: page})
	return paginate(matched, page), nil
}

func (s *Store) BulkGet(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*types.Object, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Object, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.objects[id]; ok && o.TenantID == tenantID && !o.Deleted {
			out = append(out, cloneObject(o))
		}
	}
	return out, nil
}

func (s *Store) CountByType(ctx context.Context, tenantID uuid.UUID, typeCode string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, o := range s.objects {
		if o.TenantID == tenantID && o.TypeCode == typeCode && !o.Deleted {
			n++
		}
	}
	return n, nil
}

func (s *Store) GetVersions(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vs := s.versions[objectID]
	out := make([]*types.ObjectVersion, len(vs))
	copy(out, vs)
	return out, nil
}

func (s *Store) GetVersion(ctx context.Context, objectID uuid.UUID, versionNumber int64) (*types.ObjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[objectID] {
		if v.VersionNumber == versionNumber {
			cp := *v
			return &cp, nil
		}
	}
	return nil, errs.NotFoundErr("memory.GetVersion", nil)
}

func (s *Store) FindVersionAt(ctx context.Context, objectID uuid.UUID, at time.Time) (*types.ObjectVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *types.ObjectVersion
	for _, v := range s.versions[objectID] {
		if v.CreatedAt.After(at) {
			continue
		}
		if best == nil || v.CreatedAt.After(best.CreatedAt) {
			best = v
		}
	}
	if best == nil {
		return nil, errs.NotFoundErr("memory.FindVersionAt", nil)
	}
	cp := *best
	return &cp, nil
}

func (s *Store) GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.relationships[relKey(sourceID, targetID, relType)]
	if !ok {
		return nil, errs.NotFoundErr("memory.GetRelationship", nil)
	}
	cp := *r
	return &cp, nil
}

func (s *Store) ListRelationships(ctx context.Context, objectID uuid.UUID) ([]*types.ObjectRelationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.ObjectRelationship
	for _, r := range s.relationships {
		if r.SourceID == objectID || r.TargetID == objectID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) ClaimPendingOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claimLocked(limit, func(e *types.OutboxEntry) bool {
		return e.Status == types.OutboxPending
	})
}

func (s *Store) ClaimRetryableOutbox(ctx context.Context, limit int) ([]*types.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	return s.claimLocked(limit, func(e *types.OutboxEntry) bool {
		if e.Status != types.OutboxFailed || e.RetryCount >= e.MaxRetries {
			return false
		}
		return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
	})
}

func (s *Store) claimLocked(limit int, match func(*types.OutboxEntry) bool) ([]*types.OutboxEntry, error) {
	var candidates []*types.OutboxEntry
	for _, e := range s.outbox {
		if s.claimed[e.ID] || !match(e) {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })

	seenAggregate := make(map[uuid.UUID]bool)
	out := make([]*types.OutboxEntry, 0, limit)
	for _, e := range candidates {
		if len(out) >= limit {
			break
		}
		if seenAggregate[e.AggregateID] {
			continue
		}
		seenAggregate[e.AggregateID] = true
		s.claimed[e.ID] = true
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) MarkOutboxPublished(ctx context.Context, id uuid.UUID, topic string, partition int32, offset int64, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return errs.NotFoundErr("memory.MarkOutboxPublished", nil)
	}
	e.Status = types.OutboxPublished
	e.Topic = topic
	e.Partition = &partition
	e.Offset = &offset
	e.PublishedAt = &publishedAt
	delete(s.claimed, id)
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id uuid.UUID, reason string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outbox[id]
	if !ok {
		return errs.NotFoundErr("memory.MarkOutboxFailed", nil)
	}
	e.Status = types.OutboxFailed
	e.Error = reason
	e.RetryCount++
	e.NextRetryAt = nextRetryAt
	delete(s.claimed, id)
	return nil
}

func (s *Store) SweepPublishedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.outbox {
		if e.Status == types.OutboxPublished && e.PublishedAt != nil && e.PublishedAt.Before(olderThan) {
			delete(s.outbox, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close(ctx context.Context) error { return nil }

// Transaction methods.

func (t *memTx) InsertObject(ctx context.Context, p store.CreateParams) (*types.Object, error) {
	s := t.s
	for _, o := range s.objects {
		if o.TenantID == p.TenantID && o.TypeCode == p.TypeCode && o.Code == p.Code && !o.Deleted {
			return nil, errs.ConflictErr("memory.InsertObject", nil)
		}
	}
	o := &types.Object{
		ID:         p.ID,
		TenantID:   p.TenantID,
		TypeCode:   p.TypeCode,
		Code:       p.Code,
		Name:       p.Name,
		Data:       p.Data,
		Metadata:   p.Metadata,
		Status:     types.StatusActive,
		Version:    1,
		CreatedAt:  p.Now,
		CreatedBy:  p.Actor,
		ModifiedAt: p.Now,
		ModifiedBy: p.Actor,
	}
	s.objects[o.ID] = o
	return cloneObject(o), nil
}

func (t *memTx) GetObjectForUpdate(ctx context.Context, tenantID, id uuid.UUID) (*types.Object, error) {
	o, ok := t.s.objects[id]
	if !ok || o.TenantID != tenantID {
		return nil, errs.NotFoundErr("memory.GetObjectForUpdate", nil)
	}
	return cloneObject(o), nil
}

func (t *memTx) UpdateObject(ctx context.Context, tenantID, id uuid.UUID, p store.UpdateParams) (*types.Object, error) {
	o, ok := t.s.objects[id]
	if !ok || o.TenantID != tenantID {
		return nil, errs.NotFoundErr("memory.UpdateObject", nil)
	}
	if o.Version != p.ExpectedVersion {
		return nil, errs.ConflictErr("memory.UpdateObject", nil)
	}
	if p.Name != nil {
		o.Name = *p.Name
	}
	if p.Data != nil {
		o.Data = p.Data
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.Deleted != nil {
		o.Deleted = *p.Deleted
	}
	o.DeletedAt = p.DeletedAt
	if p.DeletedBy != nil {
		o.DeletedBy = *p.DeletedBy
	}
	o.Version++
	o.ModifiedAt = p.Now
	o.ModifiedBy = p.Actor
	return cloneObject(o), nil
}

func (t *memTx) InsertVersion(ctx context.Context, v *types.ObjectVersion) error {
	t.s.versions[v.ObjectID] = append(t.s.versions[v.ObjectID], v)
	return nil
}

func (t *memTx) InsertOutboxEntry(ctx context.Context, e *types.OutboxEntry) error {
	t.s.outbox[e.ID] = e
	return nil
}

func (t *memTx) GetRelationship(ctx context.Context, sourceID, targetID uuid.UUID, relType string) (*types.ObjectRelationship, error) {
	r, ok := t.s.relationships[relKey(sourceID, targetID, relType)]
	if !ok {
		return nil, errs.NotFoundErr("memory.GetRelationship", nil)
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) UpsertRelationship(ctx context.Context, r *types.ObjectRelationship) error {
	t.s.relationships[relKey(r.SourceID, r.TargetID, r.RelType)] = r
	return nil
}

func (t *memTx) DeleteRelationshipsForObject(ctx context.Context, objectID uuid.UUID) error {
	for k, r := range t.s.relationships {
		if r.SourceID == objectID || r.TargetID == objectID {
			delete(t.s.relationships, k)
		}
	}
	return nil
}

func (t *memTx) UpsertMetadataCache(ctx context.Context, m *types.MetadataCache) error {
	t.s.metadata[m.TypeCode] = m
	return nil
}

func (t *memTx) GetMetadataCache(ctx context.Context, typeCode string) (*types.MetadataCache, error) {
	m, ok := t.s.metadata[typeCode]
	if !ok {
		return nil, errs.NotFoundErr("memory.GetMetadataCache", nil)
	}
	cp := *m
	return &cp, nil
}

func decodeTopLevel(data []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// valuesEqual compares a decoded JSON value against a caller-supplied
// scalar the way the Postgres `@>` containment operator would: numbers
// compare numerically regardless of Go type, everything else by ==.
func valuesEqual(decoded, want interface{}) bool {
	switch w := want.(type) {
	case float64:
		f, ok := decoded.(float64)
		return ok && f == w
	case int:
		f, ok := decoded.(float64)
		return ok && f == float64(w)
	case int64:
		f, ok := decoded.(float64)
		return ok && f == float64(w)
	default:
		return decoded == want
	}
}

var _ store.Store = (*Store)(nil)
var _ store.Transaction = (*memTx)(nil)
