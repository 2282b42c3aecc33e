package cachewrapper

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databloom/kvtier/blockstore"
)

const testStride = 8

// fakeRuntime is an in-memory Runtime for testing: a fixed pool of
// cells per layer, a seq/pos occupancy table, and byte buffers
// standing in for tensor rows.
type fakeRuntime struct {
	numLayers int
	numCells  int

	occupied map[int]struct {
		seq int64
		pos int
	}
	k [][]byte // [layer][cellID*stride:...]
	v [][]byte
}

func newFakeRuntime(numLayers, numCells int) *fakeRuntime {
	r := &fakeRuntime{
		numLayers: numLayers,
		numCells:  numCells,
		occupied: make(map[int]struct {
			seq int64
			pos int
		}),
		k: make([][]byte, numLayers),
		v: make([][]byte, numLayers),
	}
	for l := 0; l < numLayers; l++ {
		r.k[l] = make([]byte, numCells*testStride)
		r.v[l] = make([]byte, numCells*testStride)
	}
	return r
}

func (r *fakeRuntime) NumLayers() int { return r.numLayers }

func (r *fakeRuntime) RowShape() []int { return []int{1, testStride / 2} }

func (r *fakeRuntime) occupy(cellID int, seq int64, pos int) {
	r.occupied[cellID] = struct {
		seq int64
		pos int
	}{seq, pos}
}

func (r *fakeRuntime) CellsInRange(seq int64, begin, end int) []Cell {
	var out []Cell
	for id, o := range r.occupied {
		if o.seq == seq && o.pos >= begin && o.pos < end {
			out = append(out, Cell{ID: id, Pos: o.pos})
		}
	}
	return out
}

func (r *fakeRuntime) RowView(layer int, cell Cell, isKey bool) []byte {
	buf := r.k[layer]
	if !isKey {
		buf = r.v[layer]
	}
	return buf[cell.ID*testStride : (cell.ID+1)*testStride]
}

func (r *fakeRuntime) FreeCell(cell Cell) {
	delete(r.occupied, cell.ID)
}

func (r *fakeRuntime) FindFreeCell(seq int64, pos int) (Cell, bool) {
	for id := 0; id < r.numCells; id++ {
		if _, used := r.occupied[id]; !used {
			r.occupy(id, seq, pos)
			return Cell{ID: id, Pos: pos}, true
		}
	}
	return Cell{}, false
}

func openStore(t *testing.T) *blockstore.Store {
	t.Helper()
	s, err := blockstore.Open(blockstore.Config{
		LocalPath:         t.TempDir(),
		RemotePath:        t.TempDir(),
		LocalBudgetBytes:  1 << 20,
		RemoteBudgetBytes: 1 << 20,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func fillRow(buf []byte, fill byte) {
	for i := range buf {
		buf[i] = fill
	}
}

func TestRemoveSnapshotsAndFreesCells(t *testing.T) {
	store := openStore(t)
	rt := newFakeRuntime(2, 4)
	rt.occupy(0, 1, 5)
	fillRow(rt.RowView(0, Cell{ID: 0, Pos: 5}, true), 0xAA)
	fillRow(rt.RowView(0, Cell{ID: 0, Pos: 5}, false), 0xBB)
	fillRow(rt.RowView(1, Cell{ID: 0, Pos: 5}, true), 0xCC)
	fillRow(rt.RowView(1, Cell{ID: 0, Pos: 5}, false), 0xDD)

	w := New(store, rt, log.NewNopLogger())
	w.Remove(1, 5, 6)

	_, occupied := rt.occupied[0]
	assert.False(t, occupied)

	got, _, err := store.Get(blockstore.BlockKey{SeqID: 1, Layer: 0, Begin: 5, End: 6, IsKey: true})
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), got[0])

	got, _, err = store.Get(blockstore.BlockKey{SeqID: 1, Layer: 1, Begin: 5, End: 6, IsKey: false})
	require.NoError(t, err)
	assert.Equal(t, byte(0xDD), got[0])
}

func TestRestoreIdempotence(t *testing.T) {
	store := openStore(t)
	rt := newFakeRuntime(1, 4)
	rt.occupy(0, 1, 5)
	fillRow(rt.RowView(0, Cell{ID: 0, Pos: 5}, true), 0x11)
	fillRow(rt.RowView(0, Cell{ID: 0, Pos: 5}, false), 0x22)

	w := New(store, rt, log.NewNopLogger())
	w.Remove(1, 5, 6)

	w.RestoreRange(1, 5, 6)
	cell, ok := rt.occupied[0]
	require.True(t, ok)
	assert.Equal(t, 5, cell.pos)

	kAfterFirst := append([]byte(nil), rt.RowView(0, Cell{ID: 0, Pos: 5}, true)...)

	// A second RestoreRange over the same, now-occupied range must be a
	// no-op: FindFreeCell has no free cells left to hand back, so
	// nothing further happens, and the originally restored bytes remain
	// untouched.
	rt2 := newFakeRuntime(1, 1)
	rt2.occupy(0, 1, 5)
	copy(rt2.RowView(0, Cell{ID: 0, Pos: 5}, true), kAfterFirst)
	w2 := New(store, rt2, log.NewNopLogger())
	w2.RestoreRange(1, 5, 6)

	assert.Equal(t, kAfterFirst, rt2.RowView(0, Cell{ID: 0, Pos: 5}, true))
}

func TestRestoreStopsAtFirstGap(t *testing.T) {
	store := openStore(t)
	rt := newFakeRuntime(1, 8)
	for pos := 0; pos < 3; pos++ {
		if pos == 1 {
			continue // leave position 1 missing from the store
		}
		kKey := blockstore.BlockKey{SeqID: 1, Layer: 0, Begin: pos, End: pos + 1, IsKey: true}
		vKey := blockstore.BlockKey{SeqID: 1, Layer: 0, Begin: pos, End: pos + 1, IsKey: false}
		require.NoError(t, store.Put(kKey, "f16", nil, make([]byte, testStride)))
		require.NoError(t, store.Put(vKey, "f16", nil, make([]byte, testStride)))
	}

	w := New(store, rt, log.NewNopLogger())
	w.RestoreRange(1, 0, 3)

	// Position 0 restored, position 1 missing stops the loop before
	// position 2 is ever attempted.
	assert.Len(t, rt.occupied, 1)
	for _, o := range rt.occupied {
		assert.Equal(t, 0, o.pos)
	}
}

func TestRemoveOnNoCellsIsNoop(t *testing.T) {
	store := openStore(t)
	rt := newFakeRuntime(1, 2)
	w := New(store, rt, log.NewNopLogger())
	w.Remove(1, 0, 10)
	assert.Empty(t, rt.occupied)
}
