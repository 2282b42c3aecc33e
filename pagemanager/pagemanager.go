// Package pagemanager implements the Page Manager component from
// spec.md §4.2: per-layer contiguous pinned-memory arenas for KV rows,
// promoting and spilling rows to the Block Store and serving
// contiguous position ranges back on demand.
//
// Grounded on friggdb.readerWriter's blocklist bookkeeping for the
// overall "one mutex guards shared mutable state" shape, and on
// friggdb/backend/cache's disk-resident-vs-host-resident distinction;
// host-resident recency is tracked with hashicorp/golang-lru/v2 (the
// teacher's own indirect dependency) rather than the hand-rolled
// container/heap friggdb uses, since golang-lru's eviction callback is
// a closer match for "spill to Block Store when a slot loses its
// host-resident status".
package pagemanager

import (
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/databloom/kvtier/blockstore"
	"github.com/databloom/kvtier/internal/workpool"
)

var (
	ErrHostBudgetExhausted = errors.New("pagemanager: host budget exhausted")
	ErrOutOfHostMemory     = errors.New("pagemanager: out of host memory")
	ErrUnknownLayer        = errors.New("pagemanager: unknown layer")
)

// SlotState tags a single position in a layer arena.
type SlotState uint8

const (
	SlotEmpty SlotState = iota
	SlotHost
	SlotDisk
)

// LayerArena is one layer's pinned K and V buffers plus the parallel
// per-position state array, matching spec.md §3's Layer Arena record.
type LayerArena struct {
	K        []byte
	V        []byte
	Meta     []SlotState
	Capacity int
	Count    int
}

// Config parameterizes a Manager. SeqID scopes every Block Store key
// this manager produces; one Manager instance serves one sequence.
type Config struct {
	SeqID           int64
	NumLayers       int
	NumKVHeads      int
	HeadDim         int
	ElemBytes       int
	HostBudgetBytes int64
	Store           *blockstore.Store
}

type layerPos struct {
	layer int
	pos   int
}

// Manager is the Page Manager: a fixed number of LayerArenas sharing
// one host-residency budget, backed by a Block Store for spilled rows.
type Manager struct {
	mu sync.Mutex

	cfg       Config
	rowStride int
	arenas    []*LayerArena
	resident  *lru.Cache[layerPos, struct{}]

	pool *workpool.Pool
}

// New constructs a Manager with NumLayers empty arenas.
func New(cfg Config) (*Manager, error) {
	if cfg.NumLayers <= 0 {
		return nil, fmt.Errorf("pagemanager: NumLayers must be positive")
	}
	rowStride := cfg.NumKVHeads * cfg.HeadDim * cfg.ElemBytes
	if rowStride <= 0 {
		return nil, fmt.Errorf("pagemanager: invalid row geometry")
	}

	maxResident := int(cfg.HostBudgetBytes / int64(2*rowStride))
	if maxResident <= 0 {
		maxResident = 1
	}

	m := &Manager{
		cfg:       cfg,
		rowStride: rowStride,
		arenas:    make([]*LayerArena, cfg.NumLayers),
		pool:      workpool.New(8, 4096),
	}
	for i := range m.arenas {
		m.arenas[i] = &LayerArena{}
	}

	resident, err := lru.NewWithEvict(maxResident, m.onEvict)
	if err != nil {
		return nil, fmt.Errorf("pagemanager: creating resident tracker: %w", err)
	}
	m.resident = resident

	return m, nil
}

// onEvict runs under m.mu (golang-lru calls synchronously from Add),
// so it must not re-enter the Manager's own locked methods.
func (m *Manager) onEvict(key layerPos, _ struct{}) {
	arena := m.arenas[key.layer]
	if key.pos >= arena.Count {
		return
	}
	if arena.Meta[key.pos] != SlotHost {
		return
	}

	if m.cfg.Store != nil {
		begin, end := key.pos, key.pos+1
		kRow := arena.K[key.pos*m.rowStride : (key.pos+1)*m.rowStride]
		vRow := arena.V[key.pos*m.rowStride : (key.pos+1)*m.rowStride]
		kKey := blockstore.BlockKey{SeqID: m.cfg.SeqID, Layer: key.layer, Begin: begin, End: end, IsKey: true}
		vKey := blockstore.BlockKey{SeqID: m.cfg.SeqID, Layer: key.layer, Begin: begin, End: end, IsKey: false}
		_ = m.cfg.Store.Put(kKey, "f16", []int{m.cfg.NumKVHeads, m.cfg.HeadDim}, kRow)
		_ = m.cfg.Store.Put(vKey, "f16", []int{m.cfg.NumKVHeads, m.cfg.HeadDim}, vRow)
	}

	arena.Meta[key.pos] = SlotDisk
	metricHostSpills.Inc()
}

// ensureCapacityLocked grows arena to hold pos, doubling geometrically.
// It rejects growth that would overflow the byte-length arithmetic
// before ever calling make, surfacing that as OutOfHostMemory per
// spec.md §8 rather than letting the runtime abort the process — a
// real allocator failure for a request this large is unrecoverable in
// Go, so this is the only host-memory failure this package can detect.
func (m *Manager) ensureCapacityLocked(arena *LayerArena, pos int) error {
	if pos < arena.Capacity {
		return nil
	}
	newCap := arena.Capacity
	if newCap == 0 {
		newCap = 64
	}
	for newCap <= pos {
		if newCap > (1<<62)/2 {
			return ErrOutOfHostMemory
		}
		newCap *= 2
	}
	if newCap > 0 && m.rowStride > 0 && newCap > (1<<62)/m.rowStride {
		return ErrOutOfHostMemory
	}

	newK := make([]byte, newCap*m.rowStride)
	newV := make([]byte, newCap*m.rowStride)
	newMeta := make([]SlotState, newCap)
	copy(newK, arena.K)
	copy(newV, arena.V)
	copy(newMeta, arena.Meta)

	arena.K = newK
	arena.V = newV
	arena.Meta = newMeta
	arena.Capacity = newCap
	return nil
}

// Append assigns the next free position in layer and writes kRow/vRow
// there, growing the arena geometrically if needed.
func (m *Manager) Append(layer int, kRow, vRow []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	arena, err := m.arenaLocked(layer)
	if err != nil {
		return 0, err
	}

	pos := arena.Count
	if m.cfg.Store == nil && int64((pos+1)*m.rowStride*2*len(m.arenas)) > m.cfg.HostBudgetBytes {
		return 0, ErrHostBudgetExhausted
	}
	if err := m.storeLocked(layer, pos, kRow, vRow); err != nil {
		return 0, err
	}
	return pos, nil
}

// Store writes kRow/vRow at an explicit position, extending Count if
// necessary.
func (m *Manager) Store(layer, pos int, kRow, vRow []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.storeLocked(layer, pos, kRow, vRow)
}

func (m *Manager) storeLocked(layer, pos int, kRow, vRow []byte) error {
	arena, err := m.arenaLocked(layer)
	if err != nil {
		return err
	}
	if len(kRow) != m.rowStride || len(vRow) != m.rowStride {
		return fmt.Errorf("pagemanager: row length must be %d bytes", m.rowStride)
	}
	if err := m.ensureCapacityLocked(arena, pos); err != nil {
		return err
	}

	copy(arena.K[pos*m.rowStride:(pos+1)*m.rowStride], kRow)
	copy(arena.V[pos*m.rowStride:(pos+1)*m.rowStride], vRow)
	arena.Meta[pos] = SlotHost
	if pos+1 > arena.Count {
		arena.Count = pos + 1
	}

	m.resident.Add(layerPos{layer, pos}, struct{}{})
	return nil
}

func (m *Manager) arenaLocked(layer int) (*LayerArena, error) {
	if layer < 0 || layer >= len(m.arenas) {
		return nil, ErrUnknownLayer
	}
	return m.arenas[layer], nil
}

// GetRange returns pinned byte slices for [start, start+count) in
// layer, paging in any disk-resident positions from the Block Store
// first. The returned slices alias the arena and are valid until the
// next GetRange call on this layer or Clear/teardown.
func (m *Manager) GetRange(layer, start, count int) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	arena, err := m.arenaLocked(layer)
	if err != nil {
		return nil, nil, err
	}
	if start < 0 || count < 0 || start+count > arena.Count {
		return nil, nil, fmt.Errorf("pagemanager: range [%d,%d) out of bounds (count=%d)", start, start+count, arena.Count)
	}

	var diskPositions []int
	for pos := start; pos < start+count; pos++ {
		if arena.Meta[pos] != SlotDisk {
			m.resident.Get(layerPos{layer, pos})
			continue
		}
		diskPositions = append(diskPositions, pos)
	}

	if len(diskPositions) > 0 {
		if err := m.loadManyFromDiskLocked(arena, layer, diskPositions); err != nil {
			return nil, nil, err
		}
	}

	kPtr := arena.K[start*m.rowStride : (start+count)*m.rowStride]
	vPtr := arena.V[start*m.rowStride : (start+count)*m.rowStride]
	return kPtr, vPtr, nil
}

// loadManyFromDiskLocked pages in several disk-resident positions
// concurrently through the shared worker pool (internal/workpool),
// generalizing friggdb/pool's RunJobs fan-in from per-block-list
// queries to per-position Block Store reads. Each job writes into a
// disjoint slice of the arena, so no additional locking is needed
// beyond the Manager-wide mutex already held by the caller.
func (m *Manager) loadManyFromDiskLocked(arena *LayerArena, layer int, positions []int) error {
	if m.cfg.Store == nil {
		return fmt.Errorf("pagemanager: %d position(s) are disk-resident but no block store is configured", len(positions))
	}

	payloads := make([]interface{}, len(positions))
	for i, pos := range positions {
		payloads[i] = pos
	}

	err := m.pool.RunAll(payloads, func(payload interface{}) error {
		pos := payload.(int)
		kKey := blockstore.BlockKey{SeqID: m.cfg.SeqID, Layer: layer, Begin: pos, End: pos + 1, IsKey: true}
		vKey := blockstore.BlockKey{SeqID: m.cfg.SeqID, Layer: layer, Begin: pos, End: pos + 1, IsKey: false}

		kData, _, err := m.cfg.Store.Get(kKey)
		if err != nil {
			return fmt.Errorf("pagemanager: loading key row %d: %w", pos, err)
		}
		vData, _, err := m.cfg.Store.Get(vKey)
		if err != nil {
			return fmt.Errorf("pagemanager: loading value row %d: %w", pos, err)
		}

		copy(arena.K[pos*m.rowStride:(pos+1)*m.rowStride], kData)
		copy(arena.V[pos*m.rowStride:(pos+1)*m.rowStride], vData)
		arena.Meta[pos] = SlotHost
		return nil
	})
	if err != nil {
		return err
	}

	for _, pos := range positions {
		m.resident.Add(layerPos{layer, pos}, struct{}{})
	}
	return nil
}

// RemoveRange marks [start, start+count) empty across every layer and
// drops the positions from the host-resident set. A contiguous tail
// removal shrinks Count; an interior removal leaves holes.
//
// The Block Store only exposes whole-sequence removal, so a partial
// range removal here does not touch any spilled blocks; those are
// only released when the sequence is fully torn down via Clear.
func (m *Manager) RemoveRange(start, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for layerIdx, arena := range m.arenas {
		for pos := start; pos < start+count && pos < arena.Count; pos++ {
			arena.Meta[pos] = SlotEmpty
			m.resident.Remove(layerPos{layerIdx, pos})
		}
		if start+count >= arena.Count && start < arena.Count {
			arena.Count = start
		}
	}

	return nil
}

// Clear empties every layer and releases the sequence's Block Store
// entries.
func (m *Manager) Clear() error {
	m.mu.Lock()
	for _, arena := range m.arenas {
		arena.Count = 0
		for i := range arena.Meta {
			arena.Meta[i] = SlotEmpty
		}
	}
	m.resident.Purge()
	store := m.cfg.Store
	seq := m.cfg.SeqID
	m.mu.Unlock()

	if store != nil {
		return store.RemoveSeq(seq)
	}
	return nil
}

// Close shuts down the manager's worker pool. It does not touch the
// Block Store or free arena memory; use Clear first if the underlying
// sequence is being torn down.
func (m *Manager) Close() {
	m.pool.Shutdown()
}

// Stats aggregates host/disk position counts and byte usage across all
// layers.
type Stats struct {
	HostPositions int
	DiskPositions int
	HostBytes     int64
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Stats
	for _, arena := range m.arenas {
		for pos := 0; pos < arena.Count; pos++ {
			switch arena.Meta[pos] {
			case SlotHost:
				s.HostPositions++
			case SlotDisk:
				s.DiskPositions++
			}
		}
	}
	s.HostBytes = int64(s.HostPositions) * int64(2*m.rowStride)
	return s
}
