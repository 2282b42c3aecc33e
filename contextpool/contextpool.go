// Package contextpool implements the Context Pool from spec.md §4.5: a
// bounded pool of orchestrator contexts keyed by
// (num_kv_heads, head_dim, chunk_size, device).
//
// spec.md §9's "Global state" design note calls for an explicit
// initialize/cleanup singleton guarded by a one-shot primitive rather
// than implicit init-on-first-use. Grounded on friggdb/pool.Pool's
// construction discipline (an explicit New plus explicit shutdown, no
// package-level lazy singleton hidden behind a getter), generalized
// here with a sync.Once wrapper so callers that do want one process-
// wide pool can opt into that via Initialize/Global/Cleanup while the
// Pool type itself stays independently testable.
package contextpool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/databloom/kvtier/pipeline"
)

var ErrPoolExhausted = errors.New("contextpool: pool exhausted")

// Key identifies one orchestrator configuration.
type Key struct {
	NumKVHeads int
	HeadDim    int
	ChunkSize  int
	Device     string
}

// Factory builds a new orchestrator for a Key the pool hasn't seen yet.
type Factory func(Key) (*pipeline.Orchestrator, error)

// Pool is a bounded, keyed cache of *pipeline.Orchestrator contexts.
type Pool struct {
	mu       sync.Mutex
	maxSize  int
	contexts map[Key]*pipeline.Orchestrator
	factory  Factory
}

// New constructs an empty Pool with room for at most maxSize distinct
// contexts.
func New(maxSize int, factory Factory) *Pool {
	return &Pool{
		maxSize:  maxSize,
		contexts: make(map[Key]*pipeline.Orchestrator),
		factory:  factory,
	}
}

// GetOrCreate returns the existing context for key, or builds one via
// the pool's factory if none exists yet. Fails with ErrPoolExhausted if
// the pool is already at capacity and key is not already present.
func (p *Pool) GetOrCreate(key Key) (*pipeline.Orchestrator, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ctx, ok := p.contexts[key]; ok {
		return ctx, nil
	}

	if len(p.contexts) >= p.maxSize {
		return nil, fmt.Errorf("%w: capacity %d", ErrPoolExhausted, p.maxSize)
	}

	ctx, err := p.factory(key)
	if err != nil {
		return nil, fmt.Errorf("contextpool: constructing context: %w", err)
	}

	p.contexts[key] = ctx
	return ctx, nil
}

// Size reports the number of live contexts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// Cleanup tears down every context, leaving the pool empty.
// pipeline.Orchestrator has no device resources to release in the CPU
// reference implementation; this exists so an accelerator-backed
// Device wired in later has a teardown hook to occupy.
func (p *Pool) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k := range p.contexts {
		delete(p.contexts, k)
	}
}

var (
	globalOnce sync.Once
	global     *Pool
)

// Initialize constructs the process-wide pool exactly once; subsequent
// calls are no-ops. Callers wire this up during runtime boot, not
// implicitly at first use, per spec.md §9.
func Initialize(maxSize int, factory Factory) {
	globalOnce.Do(func() {
		global = New(maxSize, factory)
	})
}

// Global returns the process-wide pool, or nil if Initialize has not
// been called yet.
func Global() *Pool {
	return global
}

// CleanupGlobal tears down the process-wide pool's contexts, if
// initialized.
func CleanupGlobal() {
	if global != nil {
		global.Cleanup()
	}
}
