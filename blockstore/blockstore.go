// Package blockstore is the persistent, two-tier (local/remote)
// block-addressed byte store described in spec.md §4.1. It owns every
// KV row once it is evicted from pinned host memory, routes it between
// a fast local tier and a larger remote tier under a byte budget,
// optionally compresses it with zstd, and persists a JSON index across
// restarts.
//
// The design is grounded on friggdb's backend package in the retrieval
// corpus: a Reader/Writer pair backed by sharded directories
// (friggdb/backend/local), wrapped by an LRU-ish disk janitor
// (friggdb/backend/cache), with block metadata persisted as JSON
// (friggdb/backend/block_meta.go). This package folds those three
// layers into one Store because spec.md's Block Store is a single
// synchronous component, not a pluggable reader chain.
package blockstore

import (
	"errors"
	"fmt"
	"time"
)

// Error kinds from spec.md §7. NotFound, BudgetExhausted, and
// DecompressionError are checked with errors.Is by callers; CorruptIndex
// is handled internally (the index is rebuilt empty and a warning is
// logged) and therefore has no exported sentinel.
var (
	ErrNotFound        = errors.New("blockstore: block not found")
	ErrBudgetExhausted = errors.New("blockstore: budget exhausted")
	ErrDecompression   = errors.New("blockstore: decompression failed")
)

// Tier names used in BlockMeta.Tier and in the on-disk directory
// layout under each root.
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// BlockKey identifies a single stored KV row: one sequence, one layer,
// one position range, one of {key, value}. (begin, end) permits future
// grouping of multiple positions; the base design always stores exactly
// one position per block (end = begin+1).
type BlockKey struct {
	SeqID int64
	Layer int
	Begin int
	End   int
	IsKey bool
}

// String renders the key in the on-disk/key_string format from
// spec.md §6: seq<S>_L<L>_{k|v}_p<B>-<E>
func (k BlockKey) String() string {
	kind := "v"
	if k.IsKey {
		kind = "k"
	}
	return fmt.Sprintf("seq%d_L%d_%s_p%d-%d", k.SeqID, k.Layer, kind, k.Begin, k.End)
}

// shard is the 2-hex-digit directory a block's files live under,
// computed as seq mod 256.
func (k BlockKey) shard() string {
	return fmt.Sprintf("%02x", uint64(k.SeqID)&0xff)
}

// BlockMeta is the per-block index record persisted in index.json.
// SizeBytes is always the uncompressed, logical size (shape-product *
// elem_bytes); onDiskBytes is what the tier's budget is actually
// charged for, which is usually smaller than SizeBytes when Compressed
// is true.
type BlockMeta struct {
	Key        BlockKey
	DType      string
	Shape      []int
	SizeBytes  int64
	Compressed bool
	Tier       string
	StoredAt   time.Time
	AccessedAt time.Time

	onDiskBytes int64
}

// shapeProduct multiplies the shape dimensions, used to validate the
// "uncompressed size equals shape-product * elem_bytes" invariant from
// spec.md §3.
func shapeProduct(shape []int) int64 {
	var p int64 = 1
	for _, d := range shape {
		p *= int64(d)
	}
	return p
}

// Stats summarizes the current tier occupancy. Cumulative activity
// counters (puts, gets, migrations, budget rejects) are exposed
// separately as Prometheus counters in metrics.go rather than
// duplicated here, since Stats is a point-in-time snapshot of the
// index and those counters are process-wide.
type Stats struct {
	LocalCount  int
	LocalBytes  int64
	RemoteCount int
	RemoteBytes int64
}
