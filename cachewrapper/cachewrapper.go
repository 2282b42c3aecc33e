// Package cachewrapper implements the Cache Wrapper from spec.md §4.6:
// the two operations the host runtime calls to evict KV cache cells to
// the Block Store and to restore them back onto a prefix match.
//
// No file in the retrieval corpus bridges a runtime's raw tensor bytes
// to a storage backend; this package is grounded on the *decorator*
// shape friggdb/backend/cache.reader uses (wrap an interface, intercept
// calls, fall through to an inner implementation on miss) applied to a
// Runtime interface instead of a backend.Reader, plus the teacher's
// go-kit/log warn-and-continue error policy for non-fatal paths
// (friggdb.go's pollBlocklist).
package cachewrapper

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/databloom/kvtier/blockstore"
)

// Cell identifies one occupied slot in the host runtime's KV cache for
// a single layer, carrying the sequence position it currently holds.
type Cell struct {
	ID  int
	Pos int
}

// Runtime is the host-runtime surface the wrapper needs: enumerating
// occupied cells in a position range, reading/writing a cell's raw
// tensor bytes for one layer, and handing back/reclaiming cells.
// Reimplementations own the actual tensor memory; the wrapper only
// ever borrows byte views from it, per spec.md §9's raw-tensor-byte-
// aliasing note.
type Runtime interface {
	NumLayers() int
	// RowShape is the [kv_heads, head_dim] shape of one K or V row,
	// recorded verbatim on every block the wrapper snapshots.
	RowShape() []int
	// CellsInRange returns the cells currently holding seq at a
	// position in [begin, end).
	CellsInRange(seq int64, begin, end int) []Cell
	// RowView returns a mutable byte view of cell's K or V row for the
	// given layer. Its length equals stride; the wrapper never retains
	// it past the enclosing call.
	RowView(layer int, cell Cell, isKey bool) []byte
	// FreeCell releases cell back to the runtime's free list.
	FreeCell(cell Cell)
	// FindFreeCell reserves an unoccupied cell and marks it as holding
	// (seq, pos), or reports false if none is available.
	FindFreeCell(seq int64, pos int) (Cell, bool)
}

// Wrapper bridges Runtime eviction/restore calls to a Block Store.
type Wrapper struct {
	store   *blockstore.Store
	runtime Runtime
	logger  log.Logger
}

func New(store *blockstore.Store, runtime Runtime, logger log.Logger) *Wrapper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Wrapper{store: store, runtime: runtime, logger: logger}
}

// Remove snapshots every layer's K/V row for each occupied cell of seq
// in [beginPos, endPos) to the Block Store, then frees the cells.
// Per spec.md §7's policy, a snapshot that fails to persist is dropped
// with a warning rather than aborting the caller: the runtime already
// plans to discard these cells.
func (w *Wrapper) Remove(seq int64, beginPos, endPos int) {
	shape := w.runtime.RowShape()
	for _, cell := range w.runtime.CellsInRange(seq, beginPos, endPos) {
		for layer := 0; layer < w.runtime.NumLayers(); layer++ {
			kRow := w.runtime.RowView(layer, cell, true)
			vRow := w.runtime.RowView(layer, cell, false)

			kKey := blockstore.BlockKey{SeqID: seq, Layer: layer, Begin: cell.Pos, End: cell.Pos + 1, IsKey: true}
			vKey := blockstore.BlockKey{SeqID: seq, Layer: layer, Begin: cell.Pos, End: cell.Pos + 1, IsKey: false}

			if err := w.store.Put(kKey, "f16", shape, kRow); err != nil {
				level.Warn(w.logger).Log("msg", "eviction snapshot failed", "key", kKey.String(), "err", err)
			}
			if err := w.store.Put(vKey, "f16", shape, vRow); err != nil {
				level.Warn(w.logger).Log("msg", "eviction snapshot failed", "key", vKey.String(), "err", err)
			}
		}
		w.runtime.FreeCell(cell)
	}
}

// RestoreRange extends an in-memory prefix match onto disk, position by
// position, stopping at the first position missing any layer's K or V
// block or with no free cell available. Per spec.md §7's policy, a
// restore that falls through is not an error: the runtime recomputes
// instead.
func (w *Wrapper) RestoreRange(seq int64, beginPos, endPos int) {
	numLayers := w.runtime.NumLayers()

	for pos := beginPos; pos < endPos; pos++ {
		rows := make([][2][]byte, numLayers)
		complete := true

		for layer := 0; layer < numLayers; layer++ {
			kKey := blockstore.BlockKey{SeqID: seq, Layer: layer, Begin: pos, End: pos + 1, IsKey: true}
			vKey := blockstore.BlockKey{SeqID: seq, Layer: layer, Begin: pos, End: pos + 1, IsKey: false}

			kData, _, err := w.store.Get(kKey)
			if err != nil {
				complete = false
				break
			}
			vData, _, err := w.store.Get(vKey)
			if err != nil {
				complete = false
				break
			}
			rows[layer] = [2][]byte{kData, vData}
		}

		if !complete {
			return
		}

		cell, ok := w.runtime.FindFreeCell(seq, pos)
		if !ok {
			return
		}

		for layer, data := range rows {
			copy(w.runtime.RowView(layer, cell, true), data[0])
			copy(w.runtime.RowView(layer, cell, false), data[1])
		}
	}
}
