package reader_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kernelstore/internal/cache"
	"github.com/steveyegge/kernelstore/internal/cache/noop"
	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/mutator"
	"github.com/steveyegge/kernelstore/internal/reader"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/store/memory"
	"github.com/steveyegge/kernelstore/internal/types"
	"github.com/steveyegge/kernelstore/internal/versioner"
)

// fakeCache is a minimal in-process Cache used to observe hit/miss
// behavior without pulling in a Redis dependency for unit tests.
type fakeCache struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*types.Object
	byCd map[string]uuid.UUID
}

func newFakeCache() *fakeCache {
	return &fakeCache{byID: map[uuid.UUID]*types.Object{}, byCd: map[string]uuid.UUID{}}
}

func codeKey(tenantID uuid.UUID, typeCode, code string) string {
	return cache.CodeKey(tenantID, typeCode, code)
}

func (c *fakeCache) GetByID(ctx context.Context, id uuid.UUID) (*types.Object, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.byID[id]
	return o, ok
}

func (c *fakeCache) GetIDByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byCd[codeKey(tenantID, typeCode, code)]
	return id, ok
}

func (c *fakeCache) Put(ctx context.Context, o *types.Object, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *o
	c.byID[o.ID] = &cp
	c.byCd[codeKey(o.TenantID, o.TypeCode, o.Code)] = o.ID
}

func (c *fakeCache) Invalidate(ctx context.Context, id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

func (c *fakeCache) InvalidateByCode(ctx context.Context, tenantID uuid.UUID, typeCode, code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byCd[codeKey(tenantID, typeCode, code)]
	if !ok {
		return
	}
	delete(c.byCd, codeKey(tenantID, typeCode, code))
	delete(c.byID, id)
}

func (c *fakeCache) InvalidateByType(ctx context.Context, typeCode string) {}

var _ cache.Cache = (*fakeCache)(nil)

func TestGet_CacheHitAvoidsStore(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	c := newFakeCache()
	m := mutator.New(st, versioner.New(), c, "kernel-test")
	// memory.Store.Close is a no-op, so the reader gets an empty Store of
	// its own: only the cache can answer Get.
	r := reader.New(memory.New(), c)

	obj, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{"n":1}`),
	})
	require.NoError(t, err)

	require.NoError(t, st.Close(ctx))
	got, err := r.Get(ctx, tenant, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj.ID, got.ID)
}

func TestGet_MissFallsThroughAndRepopulates(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	m := mutator.New(st, versioner.New(), noop.New(), "kernel-test")
	c := newFakeCache()
	r := reader.New(st, c)

	obj, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{"n":1}`),
	})
	require.NoError(t, err)

	_, hit := c.GetByID(ctx, obj.ID)
	require.False(t, hit)

	got, err := r.Get(ctx, tenant, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj.ID, got.ID)

	_, hit = c.GetByID(ctx, obj.ID)
	assert.True(t, hit, "Get must repopulate the cache on a miss")
}

func TestGetByCode_ResolvesThroughCache(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	c := newFakeCache()
	m := mutator.New(st, versioner.New(), c, "kernel-test")
	r := reader.New(st, c)

	obj, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	got, err := r.GetByCode(ctx, tenant, "widget", "w-1")
	require.NoError(t, err)
	assert.Equal(t, obj.ID, got.ID)
}

func TestBulkGet_EmptyListSkipsStore(t *testing.T) {
	r := reader.New(memory.New(), noop.New())
	got, err := r.BulkGet(context.Background(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListByType_ExcludesArchivedByDefault(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	m := mutator.New(st, versioner.New(), noop.New(), "kernel-test")
	r := reader.New(st, noop.New())

	o1, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{}`),
	})
	require.NoError(t, err)
	_, err = m.ChangeStatus(ctx, tenant, o1.ID, types.ActorContext{UserID: "alice"}, types.StatusArchived, "retired")
	require.NoError(t, err)

	_, err = m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-2", Name: "Widget Two", Data: []byte(`{}`),
	})
	require.NoError(t, err)

	page, err := r.ListByType(ctx, tenant, "widget", store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	for _, o := range page.Items {
		assert.NotEqual(t, types.StatusArchived, o.Status)
	}

	archivedPage, err := r.ListByStatus(ctx, tenant, "widget", types.StatusArchived, store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, archivedPage.Items, 1)
	assert.Equal(t, o1.ID, archivedPage.Items[0].ID)
}

func TestQuery_EqualityChainPushesDown(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	m := mutator.New(st, versioner.New(), noop.New(), "kernel-test")
	r := reader.New(st, noop.New())

	_, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{"tier":"gold"}`),
	})
	require.NoError(t, err)
	_, err = m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-2", Name: "Widget Two", Data: []byte(`{"tier":"silver"}`),
	})
	require.NoError(t, err)

	page, err := r.Query(ctx, tenant, "widget", "tier=gold", store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "w-1", page.Items[0].Code)
}

func TestQuery_OrRequiresPredicate(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	m := mutator.New(st, versioner.New(), noop.New(), "kernel-test")
	r := reader.New(st, noop.New())

	for _, c := range []string{"gold", "silver", "bronze"} {
		_, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
			TypeCode: "widget", Code: "w-" + c, Name: c, Data: []byte(`{"tier":"` + c + `"}`),
		})
		require.NoError(t, err)
	}

	page, err := r.Query(ctx, tenant, "widget", "tier=gold OR tier=silver", store.Page{Number: 1, Size: 10})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestQuery_InvalidExpressionIsInvalidArgument(t *testing.T) {
	r := reader.New(memory.New(), noop.New())
	_, err := r.Query(context.Background(), uuid.New(), "widget", "not a query", store.Page{})
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestVersionAt_TimeTravel(t *testing.T) {
	ctx := context.Background()
	tenant := uuid.New()
	st := memory.New()
	m := mutator.New(st, versioner.New(), noop.New(), "kernel-test")
	r := reader.New(st, noop.New())

	obj, err := m.Create(ctx, tenant, types.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{"n":1}`),
	})
	require.NoError(t, err)

	t1 := time.Now().UTC()
	_, err = m.Update(ctx, tenant, obj.ID, types.ActorContext{UserID: "alice"}, mutator.UpdateParams{Data: []byte(`{"n":2}`)})
	require.NoError(t, err)

	v, err := r.VersionAt(ctx, obj.ID, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.VersionNumber)
}
