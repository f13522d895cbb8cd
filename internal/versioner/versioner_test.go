package versioner_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/kernelstore/internal/store"
	"github.com/steveyegge/kernelstore/internal/store/memory"
	"github.com/steveyegge/kernelstore/internal/types"
	"github.com/steveyegge/kernelstore/internal/versioner"
)

func TestRecord_Create(t *testing.T) {
	v := versioner.New()
	objectID := uuid.New()
	now := time.Now().UTC()

	var got *types.ObjectVersion
	s := memory.New()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		var err error
		got, err = v.Record(ctx, tx, versioner.Params{
			ObjectID:      objectID,
			VersionNumber: 1,
			ChangeType:    types.ChangeCreate,
			Current:       []byte(`{"name":"widget"}`),
			Actor:         types.ActorContext{UserID: "alice"},
			Now:           now,
		})
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, objectID, got.ObjectID)
	assert.Equal(t, int64(1), got.VersionNumber)
	assert.Equal(t, types.ChangeCreate, got.ChangeType)
	assert.Nil(t, got.Diff)
	assert.Equal(t, "alice", got.ChangedBy)
}

func TestRecord_Update_ComputesDiff(t *testing.T) {
	v := versioner.New()
	objectID := uuid.New()

	var got *types.ObjectVersion
	s := memory.New()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		var err error
		got, err = v.Record(ctx, tx, versioner.Params{
			ObjectID:      objectID,
			VersionNumber: 2,
			ChangeType:    types.ChangeUpdate,
			Previous:      []byte(`{"name":"widget","qty":1}`),
			Current:       []byte(`{"name":"widget","qty":2}`),
			Actor:         types.ActorContext{UserID: "bob"},
			Now:           time.Now().UTC(),
		})
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.Diff)
	assert.Contains(t, string(got.Diff), `"qty"`)
}

func TestRecord_Update_NoChangeProducesNilDiff(t *testing.T) {
	v := versioner.New()
	objectID := uuid.New()

	var got *types.ObjectVersion
	s := memory.New()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		var err error
		got, err = v.Record(ctx, tx, versioner.Params{
			ObjectID:      objectID,
			VersionNumber: 2,
			ChangeType:    types.ChangeUpdate,
			Previous:      []byte(`{"name":"widget"}`),
			Current:       []byte(`{"name":"widget"}`),
			Actor:         types.ActorContext{UserID: "bob"},
			Now:           time.Now().UTC(),
		})
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.Diff)
}

func TestRecord_Delete_CurrentDataIsNil(t *testing.T) {
	v := versioner.New()
	objectID := uuid.New()

	var got *types.ObjectVersion
	s := memory.New()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context, tx store.Transaction) error {
		var err error
		got, err = v.Record(ctx, tx, versioner.Params{
			ObjectID:      objectID,
			VersionNumber: 3,
			ChangeType:    types.ChangeDelete,
			Previous:      []byte(`{"name":"widget"}`),
			Current:       []byte(`{"name":"widget"}`), // the row's unchanged live data
			Actor:         types.ActorContext{UserID: "carol"},
			ChangeReason:  "retired",
			Now:           time.Now().UTC(),
		})
		return err
	})

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []byte(`{"name":"widget"}`), []byte(got.PreviousData))
	assert.Nil(t, got.CurrentData, "DELETE version rows must carry current_data = null")
}
