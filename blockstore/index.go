package blockstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
)

// wireKey/wireMeta mirror the on-disk index.json schema from spec.md §6
// exactly (field names included), independent of the in-memory
// BlockKey/BlockMeta field names so the wire format stays stable.
type wireKey struct {
	Seq      int64 `json:"seq"`
	Layer    int   `json:"layer"`
	BeginPos int   `json:"begin_pos"`
	EndPos   int   `json:"end_pos"`
	IsKey    bool  `json:"is_key"`
}

type wireMeta struct {
	Key        wireKey   `json:"key"`
	DType      string    `json:"dtype"`
	Shape      []int     `json:"shape"`
	SizeBytes  int64     `json:"size_bytes"`
	Compressed bool      `json:"compressed"`
	Tier       string    `json:"tier"`
	StoredAt   time.Time `json:"stored_at"`
	AccessedAt time.Time `json:"accessed_at"`
}

func toWire(m *BlockMeta) wireMeta {
	return wireMeta{
		Key: wireKey{
			Seq:      m.Key.SeqID,
			Layer:    m.Key.Layer,
			BeginPos: m.Key.Begin,
			EndPos:   m.Key.End,
			IsKey:    m.Key.IsKey,
		},
		DType:      m.DType,
		Shape:      m.Shape,
		SizeBytes:  m.SizeBytes,
		Compressed: m.Compressed,
		Tier:       m.Tier,
		StoredAt:   m.StoredAt,
		AccessedAt: m.AccessedAt,
	}
}

func fromWire(w wireMeta) *BlockMeta {
	return &BlockMeta{
		Key: BlockKey{
			SeqID: w.Key.Seq,
			Layer: w.Key.Layer,
			Begin: w.Key.BeginPos,
			End:   w.Key.EndPos,
			IsKey: w.Key.IsKey,
		},
		DType:      w.DType,
		Shape:      w.Shape,
		SizeBytes:  w.SizeBytes,
		Compressed: w.Compressed,
		Tier:       w.Tier,
		StoredAt:   w.StoredAt,
		AccessedAt: w.AccessedAt,
	}
}

// index is the in-memory mapping from BlockKey to BlockMeta, persisted
// as a single JSON file under the local root (spec.md §3, §6). It is
// the only process-wide mutable shared structure (spec.md §5) and is
// guarded by a single RWMutex, matching spec.md §4.1's concurrency
// policy of shared readers with one read->write upgrade path for
// accessed-at bumps.
type index struct {
	mu     sync.RWMutex
	blocks map[string]*BlockMeta

	localUsed  *atomic.Int64
	remoteUsed *atomic.Int64

	path   string
	logger log.Logger
}

func newIndex(localRoot string, logger log.Logger) *index {
	return &index{
		blocks:     make(map[string]*BlockMeta),
		localUsed:  atomic.NewInt64(0),
		remoteUsed: atomic.NewInt64(0),
		path:       filepath.Join(localRoot, "index.json"),
		logger:     logger,
	}
}

// load reads index.json if present. A parse failure is treated as
// spec.md §7's CorruptIndex: logged and recovered by continuing with an
// empty index rather than failing startup.
func (ix *index) load() error {
	data, err := os.ReadFile(ix.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("blockstore: reading index: %w", err)
	}

	var wire map[string]wireMeta
	if err := json.Unmarshal(data, &wire); err != nil {
		level.Warn(ix.logger).Log("msg", "index corrupt, rebuilding empty", "path", ix.path, "err", err)
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	for keyStr, w := range wire {
		meta := fromWire(w)
		ix.blocks[keyStr] = meta
		ix.addUsageLocked(meta.Tier, meta.SizeBytesOnDisk())
	}

	return nil
}

// SizeBytesOnDisk is the number of bytes the block actually occupies on
// the tier (the compressed size when compressed, since compression
// shrinks what's charged against the budget); spec.md leaves the exact
// accounting basis open but §3's invariant only requires localUsed to
// equal the recomputed sum of "sizes", so this store consistently
// budgets on on-disk footprint.
func (m *BlockMeta) SizeBytesOnDisk() int64 {
	return m.onDiskBytes
}

func (ix *index) persist() error {
	ix.mu.RLock()
	wire := make(map[string]wireMeta, len(ix.blocks))
	for k, m := range ix.blocks {
		wire[k] = toWire(m)
	}
	ix.mu.RUnlock()

	data, err := json.MarshalIndent(wire, "", "  ")
	if err != nil {
		return fmt.Errorf("blockstore: marshaling index: %w", err)
	}

	tmp := ix.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("blockstore: writing index: %w", err)
	}
	if err := os.Rename(tmp, ix.path); err != nil {
		return fmt.Errorf("blockstore: renaming index into place: %w", err)
	}
	return nil
}

func (ix *index) get(keyStr string) (*BlockMeta, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	m, ok := ix.blocks[keyStr]
	return m, ok
}

func (ix *index) has(keyStr string) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	_, ok := ix.blocks[keyStr]
	return ok
}

// put inserts or replaces a block's metadata and adjusts per-tier usage
// counters accordingly.
func (ix *index) put(keyStr string, meta *BlockMeta) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if old, ok := ix.blocks[keyStr]; ok {
		ix.addUsageLocked(old.Tier, -old.onDiskBytes)
	}
	ix.blocks[keyStr] = meta
	ix.addUsageLocked(meta.Tier, meta.onDiskBytes)
}

// touch bumps accessed-at for a key under the store's documented single
// read->write upgrade (spec.md §4.1).
func (ix *index) touch(keyStr string, at time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if m, ok := ix.blocks[keyStr]; ok {
		m.AccessedAt = at
	}
}

func (ix *index) delete(keyStr string) (*BlockMeta, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	m, ok := ix.blocks[keyStr]
	if !ok {
		return nil, false
	}
	delete(ix.blocks, keyStr)
	ix.addUsageLocked(m.Tier, -m.onDiskBytes)
	return m, true
}

func (ix *index) addUsageLocked(tier string, delta int64) {
	switch tier {
	case TierLocal:
		ix.localUsed.Add(delta)
	case TierRemote:
		ix.remoteUsed.Add(delta)
	}
}

// oldestLocal returns local-tier blocks ordered for eviction: accessed-at
// ascending, tie-broken by stored-at then lexicographic key string, per
// spec.md §4.1's "Eviction order". Grounded on friggdb's
// backend/cache.FileInfoHeap, generalized from os.FileInfo atime to the
// index's own BlockMeta.AccessedAt.
func (ix *index) oldestLocal() []*evictionCandidate {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	candidates := make([]*evictionCandidate, 0, len(ix.blocks))
	for keyStr, m := range ix.blocks {
		if m.Tier != TierLocal {
			continue
		}
		candidates = append(candidates, &evictionCandidate{keyStr: keyStr, meta: m})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].meta, candidates[j].meta
		if !a.AccessedAt.Equal(b.AccessedAt) {
			return a.AccessedAt.Before(b.AccessedAt)
		}
		if !a.StoredAt.Equal(b.StoredAt) {
			return a.StoredAt.Before(b.StoredAt)
		}
		return candidates[i].keyStr < candidates[j].keyStr
	})

	return candidates
}

func (ix *index) seqKeys(seq int64) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys := make([]string, 0)
	for keyStr, m := range ix.blocks {
		if m.Key.SeqID == seq {
			keys = append(keys, keyStr)
		}
	}
	return keys
}

// rangeKeys returns copies of matching records, not the live pointers
// held in ix.blocks: touch (called from Get, under the write lock)
// mutates those records in place, which would otherwise race a caller
// still reading a GetRange result.
func (ix *index) rangeKeys(seq int64, layer int, isKey bool, begin, end int) []*BlockMeta {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []*BlockMeta
	for _, m := range ix.blocks {
		k := m.Key
		if k.SeqID != seq || k.Layer != layer || k.IsKey != isKey {
			continue
		}
		if k.Begin < end && begin < k.End {
			metaCopy := *m
			out = append(out, &metaCopy)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key.Begin < out[j].Key.Begin })
	return out
}

type evictionCandidate struct {
	keyStr string
	meta   *BlockMeta
}
