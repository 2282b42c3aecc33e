package blockstore

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Config holds the on-open parameters for a Store, matching the
// local_path/remote_path/*_budget_bytes/compress keys
// from spec.md §6's Configuration table.
type Config struct {
	LocalPath         string
	RemotePath        string
	LocalBudgetBytes  int64
	RemoteBudgetBytes int64
	Compress          bool
	Logger            log.Logger
}

// HasRemote reports whether a remote tier is configured, mirroring
// kvtierconfig.Config.HasRemote for the lower-level Config type.
func (c Config) HasRemote() bool {
	return c.RemotePath != ""
}

// Store is the Block Store component from spec.md §4.1: a two-tier,
// budgeted, optionally-compressed, crash-safe byte store with a
// persistent index. Grounded on friggdb.readerWriter (friggdb.go),
// generalized from friggdb's WAL-plus-complete-blocks model to a flat
// put/get/remove-by-sequence interface since this spec has no
// compaction phase.
type Store struct {
	cfg    Config
	logger log.Logger

	idx    *index
	local  *fileTier
	remote *fileTier
	codec  *codec

	// evictMu serializes the check-then-evict-then-write sequence for
	// Put so two concurrent writers racing the local budget can't both
	// observe headroom and jointly overshoot it.
	evictMu sync.Mutex
}

// Open constructs a Store, creating tier directories as needed and
// loading any existing index.json (or starting empty if absent or
// corrupt, per spec.md §7). An empty cfg.RemotePath means no remote
// tier (spec.md §6): the store runs local-only, and migration under
// pressure is simply unavailable.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNopLogger()
	}

	local, err := newFileTier(cfg.LocalPath, TierLocal)
	if err != nil {
		return nil, err
	}

	var remote *fileTier
	if cfg.HasRemote() {
		remote, err = newFileTier(cfg.RemotePath, TierRemote)
		if err != nil {
			return nil, err
		}
	}

	codec, err := newCodec()
	if err != nil {
		return nil, err
	}

	idx := newIndex(cfg.LocalPath, cfg.Logger)
	if err := idx.load(); err != nil {
		return nil, err
	}
	// index.json carries only the logical size, so each block's on-disk
	// footprint (what Put charged the tier) is taken from its file.
	for _, m := range idx.blocks {
		tier := local
		if m.Tier == TierRemote {
			tier = remote
		}
		if tier == nil {
			continue
		}
		if fi, err := os.Stat(tier.path(m.Key)); err == nil {
			m.onDiskBytes = fi.Size()
			idx.addUsageLocked(m.Tier, m.onDiskBytes)
		}
	}

	s := &Store{
		cfg:    cfg,
		logger: cfg.Logger,
		idx:    idx,
		local:  local,
		remote: remote,
		codec:  codec,
	}
	metricLocalBytes.Set(float64(idx.localUsed.Load()))
	metricRemoteBytes.Set(float64(idx.remoteUsed.Load()))
	return s, nil
}

// Put stores data for key on the local tier. shape and dtype
// are carried through to BlockMeta verbatim; SizeBytes is the logical,
// uncompressed length of data (spec.md §3's shape-product invariant is
// the caller's responsibility to uphold).
func (s *Store) Put(key BlockKey, dtype string, shape []int, data []byte) error {
	now := time.Now()
	payload := data
	compressed := false
	if s.cfg.Compress {
		payload = s.codec.compress(data)
		compressed = true
	}

	meta := &BlockMeta{
		Key:         key,
		DType:       dtype,
		Shape:       shape,
		SizeBytes:   int64(len(data)),
		Compressed:  compressed,
		StoredAt:    now,
		AccessedAt:  now,
		onDiskBytes: int64(len(payload)),
	}

	keyStr := key.String()

	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	tier, err := s.chooseTierLocked(keyStr, meta.onDiskBytes)
	if err != nil {
		metricBudgetRejects.Inc()
		return err
	}

	target := s.local
	if tier == TierRemote {
		target = s.remote
	}
	if err := target.write(key, payload); err != nil {
		return err
	}

	meta.Tier = tier
	s.idx.put(keyStr, meta)
	metricPuts.Inc()
	s.refreshGauges()

	return nil
}

// chooseTierLocked decides whether a new write of size onDiskBytes has
// room on the local tier, migrating local blocks to remote first if the
// local tier is full but has evictable content. Must be called with
// evictMu held. A fresh Put always lands on local or fails outright
// (spec.md §4.1: "The new block is always written to the local tier";
// §8: "Put never places a new block directly on remote") — remote is
// reached only by makeRoomLocked migrating existing blocks out of the
// way, never by routing the new write there.
func (s *Store) chooseTierLocked(newKeyStr string, onDiskBytes int64) (string, error) {
	if s.idx.localUsed.Load()+onDiskBytes <= s.cfg.LocalBudgetBytes {
		return TierLocal, nil
	}

	if err := s.makeRoomLocked(onDiskBytes); err != nil {
		return "", fmt.Errorf("%w: no room for %s", err, newKeyStr)
	}
	return TierLocal, nil
}

// makeRoomLocked migrates the oldest local blocks (by accessed-at, tied
// by stored-at then key string, per spec.md §4.1) to the remote tier
// until there is onDiskBytes of local headroom or no more candidates
// remain. Grounded on friggdb/backend/cache.clean's heap-driven eviction
// loop, replacing file deletion with a local->remote migration. Returns
// ErrBudgetExhausted if headroom can't be freed, including when no
// remote tier is configured at all (spec.md §4.1: "migration is
// impossible (no remote configured...)").
func (s *Store) makeRoomLocked(onDiskBytes int64) error {
	if s.remote == nil {
		return ErrBudgetExhausted
	}

	for _, cand := range s.idx.oldestLocal() {
		if s.idx.localUsed.Load()+onDiskBytes <= s.cfg.LocalBudgetBytes {
			return nil
		}
		if s.idx.remoteUsed.Load()+cand.meta.onDiskBytes > s.cfg.RemoteBudgetBytes {
			continue
		}
		if err := s.remote.moveFrom(s.local, cand.meta.Key); err != nil {
			level.Warn(s.logger).Log("msg", "migration failed", "key", cand.keyStr, "err", err)
			continue
		}
		migrated := *cand.meta
		migrated.Tier = TierRemote
		s.idx.put(cand.keyStr, &migrated)
		metricMigrations.Inc()
	}

	if s.idx.localUsed.Load()+onDiskBytes <= s.cfg.LocalBudgetBytes {
		return nil
	}
	return ErrBudgetExhausted
}

// Get reads and decompresses the block at key, bumping its accessed-at
// timestamp on success.
func (s *Store) Get(key BlockKey) ([]byte, *BlockMeta, error) {
	keyStr := key.String()
	meta, ok := s.idx.get(keyStr)
	if !ok {
		return nil, nil, ErrNotFound
	}

	tier := s.local
	if meta.Tier == TierRemote {
		tier = s.remote
	}

	raw, err := tier.read(key)
	if err != nil {
		return nil, nil, err
	}

	data := raw
	if meta.Compressed {
		data, err = s.codec.decompress(raw, meta.SizeBytes)
		if err != nil {
			return nil, nil, err
		}
	}

	s.idx.touch(keyStr, time.Now())
	metricGets.Inc()

	metaCopy := *meta
	return data, &metaCopy, nil
}

func (s *Store) Has(key BlockKey) bool {
	return s.idx.has(key.String())
}

// GetRange returns metadata for every stored block of the given
// (seq, layer, isKey) overlapping [begin, end), ordered by position.
// Callers fetch payloads with Get on each returned key.
func (s *Store) GetRange(seq int64, layer int, isKey bool, begin, end int) []*BlockMeta {
	return s.idx.rangeKeys(seq, layer, isKey, begin, end)
}

// RemoveSeq deletes every block belonging to seq from both tiers and
// the index, regardless of which tier each block currently lives on.
func (s *Store) RemoveSeq(seq int64) error {
	for _, keyStr := range s.idx.seqKeys(seq) {
		meta, ok := s.idx.delete(keyStr)
		if !ok {
			continue
		}
		tier := s.local
		if meta.Tier == TierRemote {
			tier = s.remote
		}
		if err := tier.remove(meta.Key); err != nil {
			return err
		}
	}
	s.refreshGauges()
	return nil
}

func (s *Store) refreshGauges() {
	metricLocalBytes.Set(float64(s.idx.localUsed.Load()))
	metricRemoteBytes.Set(float64(s.idx.remoteUsed.Load()))
}

// Stats returns a point-in-time snapshot of store-wide counters.
func (s *Store) Stats() Stats {
	local, remote := 0, 0
	s.idx.mu.RLock()
	for _, m := range s.idx.blocks {
		if m.Tier == TierLocal {
			local++
		} else {
			remote++
		}
	}
	s.idx.mu.RUnlock()

	return Stats{
		LocalCount:  local,
		LocalBytes:  s.idx.localUsed.Load(),
		RemoteCount: remote,
		RemoteBytes: s.idx.remoteUsed.Load(),
	}
}

// Close persists the index and releases the compression codec. It does
// not remove any on-disk blocks.
func (s *Store) Close() error {
	err := s.idx.persist()
	s.codec.close()
	return err
}
