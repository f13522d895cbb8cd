package kernelstore_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kernelstore "github.com/steveyegge/kernelstore"
	"github.com/steveyegge/kernelstore/internal/cache/noop"
	"github.com/steveyegge/kernelstore/internal/config"
	"github.com/steveyegge/kernelstore/internal/mutator"
	"github.com/steveyegge/kernelstore/internal/store/memory"
)

// discardBus satisfies bus.Bus by reporting every publish a success
// without contacting a broker — enough to exercise Core wiring end to end
// in a unit test.
type discardBus struct{ seq int64 }

func (b *discardBus) Publish(ctx context.Context, topic, key string, payload []byte) (int32, int64, error) {
	b.seq++
	return 0, b.seq, nil
}

func TestNew_WiresACompleteCore(t *testing.T) {
	core := kernelstore.New(memory.New(), noop.New(), &discardBus{}, config.Default())

	require.NotNil(t, core.Store)
	require.NotNil(t, core.Cache)
	require.NotNil(t, core.Bus)
	require.NotNil(t, core.Versioner)
	require.NotNil(t, core.Mutator)
	require.NotNil(t, core.Reader)
	require.NotNil(t, core.Dispatcher)

	ctx := context.Background()
	tenant := uuid.New()
	obj, err := core.Mutator.Create(ctx, tenant, kernelstore.ActorContext{UserID: "alice"}, mutator.CreateParams{
		TypeCode: "widget", Code: "w-1", Name: "Widget", Data: []byte(`{"n":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.Version)

	got, err := core.Reader.Get(ctx, tenant, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, obj.Code, got.Code)

	require.NoError(t, core.Close(ctx))
}
