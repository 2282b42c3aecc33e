package contextpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databloom/kvtier/pipeline"
)

func testFactory(t *testing.T) (Factory, *int) {
	t.Helper()
	calls := 0
	return func(key Key) (*pipeline.Orchestrator, error) {
		calls++
		return pipeline.New(pipeline.CPUDevice{}, 1, 1, key.HeadDim, key.ChunkSize)
	}, &calls
}

func TestGetOrCreateBuildsOnce(t *testing.T) {
	factory, calls := testFactory(t)
	p := New(4, factory)

	key := Key{NumKVHeads: 1, HeadDim: 64, ChunkSize: 32, Device: "cpu"}

	ctx1, err := p.GetOrCreate(key)
	require.NoError(t, err)
	ctx2, err := p.GetOrCreate(key)
	require.NoError(t, err)

	assert.Same(t, ctx1, ctx2)
	assert.Equal(t, 1, *calls)
}

func TestGetOrCreateDistinctKeysBuildSeparateContexts(t *testing.T) {
	factory, calls := testFactory(t)
	p := New(4, factory)

	_, err := p.GetOrCreate(Key{HeadDim: 64, ChunkSize: 32, Device: "cpu"})
	require.NoError(t, err)
	_, err = p.GetOrCreate(Key{HeadDim: 128, ChunkSize: 32, Device: "cpu"})
	require.NoError(t, err)

	assert.Equal(t, 2, *calls)
	assert.Equal(t, 2, p.Size())
}

func TestGetOrCreateFailsWhenExhausted(t *testing.T) {
	factory, _ := testFactory(t)
	p := New(1, factory)

	_, err := p.GetOrCreate(Key{HeadDim: 64, ChunkSize: 32})
	require.NoError(t, err)

	_, err = p.GetOrCreate(Key{HeadDim: 128, ChunkSize: 32})
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestCleanupEmptiesPool(t *testing.T) {
	factory, _ := testFactory(t)
	p := New(4, factory)

	_, err := p.GetOrCreate(Key{HeadDim: 64, ChunkSize: 32})
	require.NoError(t, err)

	p.Cleanup()
	assert.Equal(t, 0, p.Size())
}

func TestInitializeIsOneShot(t *testing.T) {
	factory, calls := testFactory(t)
	Initialize(2, factory)
	Initialize(2, factory) // second call must be a no-op

	_, err := Global().GetOrCreate(Key{HeadDim: 64, ChunkSize: 32})
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)

	CleanupGlobal()
}
