package metadataauthority_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kernelstore/internal/errs"
	"github.com/steveyegge/kernelstore/internal/metadataauthority"
	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/store/memory"
	"github.com/steveyegge/kernelstore/internal/types"
)

func TestDescriptor_FetchesAndCaches(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"descriptor":{"fields":["a","b"]},"ttlMinutes":60}`))
	}))
	defer srv.Close()

	st := memory.New()
	a := metadataauthority.New(st, srv.URL, nil)

	m, err := a.Descriptor(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", m.TypeCode)
	assert.False(t, m.Stale)
	assert.Equal(t, 1, hits)

	// Second call within TTL must hit the cache, not the registry.
	m2, err := a.Descriptor(context.Background(), "widget")
	require.NoError(t, err)
	assert.Equal(t, m.SyncedAt, m2.SyncedAt)
	assert.Equal(t, 1, hits, "valid cache entry must not trigger a refetch")
}

func TestDescriptor_InvalidTypeCodeRejected(t *testing.T) {
	a := metadataauthority.New(memory.New(), "http://example.invalid", nil)
	_, err := a.Descriptor(context.Background(), "bad type code!")
	require.Error(t, err)
	assert.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestRefresh_RetriesThenFailsMarksStale(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	st := memory.New()
	// Seed a valid cached row so the failed refresh has one to mark stale.
	require.NoError(t, st.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		return tx.UpsertMetadataCache(ctx, &types.MetadataCache{TypeCode: "widget", Descriptor: []byte(`{}`), SyncedAt: time.Now().UTC(), TTLMinutes: 60})
	}))
	a := metadataauthority.New(st, srv.URL, nil)

	_, err := a.Refresh(context.Background(), "widget")
	require.Error(t, err)
	assert.Equal(t, errs.StoreUnavailable, errs.KindOf(err))
	assert.Equal(t, metadataauthority.MaxAttempts, hits)

	require.NoError(t, st.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		cached, err := tx.GetMetadataCache(ctx, "widget")
		if err != nil {
			return err
		}
		assert.True(t, cached.Stale, "a failed refresh must mark the cached row stale")
		return nil
	}))
}
