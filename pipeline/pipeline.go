// Package pipeline implements the Pipeline Orchestrator from spec.md
// §4.4: a double-buffered host->device copy/compute loop over chunks
// for one layer's forward pass.
//
// Real accelerator streams and events have no counterpart in the
// corpus, so this package models them with goroutines and channels
// coordinated through golang.org/x/sync/errgroup, the teacher's own
// indirect dependency (grafana-tempo go.mod) repurposed here to carry
// two concurrent "streams" instead of a fan-out worker set. A Device
// abstracts the actual compute so the same orchestration logic serves
// both the CPU reference device and any future accelerator binding.
package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/databloom/kvtier/attnkernel"
	"github.com/databloom/kvtier/internal/fp16"
)

// Device is the minimal surface the orchestrator needs from a compute
// backend: copying one chunk's K/V rows into device-resident form, and
// running the kernel over that chunk against the running state.
// CPUDevice is the reference implementation; a real accelerator binding
// implements the same interface against actual device memory and
// streams.
type Device interface {
	// CopyChunk moves kRaw/vRaw (host-resident, f16-encoded bytes) onto
	// the device, returning a Chunk ready for RunKernel.
	CopyChunk(kRaw, vRaw []byte, length, kvHeads, headDim int) (attnkernel.Chunk, error)

	// RunKernel processes one chunk against state, exactly as
	// attnkernel.ProcessChunk does for the CPU reference device.
	RunKernel(state *attnkernel.RunningState, q []fp16.Bits, chunk attnkernel.Chunk, scale float32, kvHeadOf func(int) int) error
}

// CPUDevice is the reference Device: "copying" decodes the f16 bytes
// into a fresh []fp16.Bits slice and "running the kernel" calls
// attnkernel directly, since host and device memory are the same
// address space in this simulation.
type CPUDevice struct{}

func (CPUDevice) CopyChunk(kRaw, vRaw []byte, length, kvHeads, headDim int) (attnkernel.Chunk, error) {
	want := length * kvHeads * headDim * 2
	if len(kRaw) != want || len(vRaw) != want {
		return attnkernel.Chunk{}, fmt.Errorf("pipeline: chunk byte length mismatch")
	}
	return attnkernel.Chunk{
		Len:     length,
		K:       fp16.BitsFromBytes(kRaw),
		V:       fp16.BitsFromBytes(vRaw),
		KVHeads: kvHeads,
	}, nil
}

func (CPUDevice) RunKernel(state *attnkernel.RunningState, q []fp16.Bits, chunk attnkernel.Chunk, scale float32, kvHeadOf func(int) int) error {
	return attnkernel.ProcessChunk(state, q, chunk, scale, kvHeadOf)
}

// HostRange supplies one layer's K/V pinned bytes for a forward call,
// covering positions [0, N). Orchestrator slices this into chunks
// itself; callers typically obtain it from pagemanager.Manager.GetRange.
type HostRange struct {
	K       []byte
	V       []byte
	N       int
	KVHeads int
	HeadDim int
}

// Orchestrator runs Forward passes for one (device) context, reusing
// its RunningState buffer across calls per spec.md §3's Lifecycle note.
type Orchestrator struct {
	device    Device
	state     *attnkernel.RunningState
	batch     int
	qHeads    int
	headDim   int
	chunkSize int
}

// New constructs an Orchestrator. chunkSize is positions per chunk
// (spec.md §6: power of two recommended).
func New(device Device, batch, qHeads, headDim, chunkSize int) (*Orchestrator, error) {
	state, err := attnkernel.NewRunningState(batch, qHeads, headDim)
	if err != nil {
		return nil, err
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("pipeline: chunkSize must be positive")
	}
	return &Orchestrator{device: device, state: state, batch: batch, qHeads: qHeads, headDim: headDim, chunkSize: chunkSize}, nil
}

// ensureSized implements step 1 of spec.md §4.4: resize the state
// buffer if batch*qHeads has grown past its current capacity.
func (o *Orchestrator) ensureSized(batch, qHeads int) error {
	if n := batch * qHeads; n <= cap(o.state.M) {
		s := o.state
		s.Batch, s.QHeads = batch, qHeads
		s.M, s.L, s.O = s.M[:n], s.L[:n], s.O[:n*o.headDim]
		s.Reset()
		o.batch, o.qHeads = batch, qHeads
		return nil
	}
	state, err := attnkernel.NewRunningState(batch, qHeads, o.headDim)
	if err != nil {
		return err
	}
	o.state = state
	o.batch, o.qHeads = batch, qHeads
	return nil
}

// Forward runs the double-buffered copy/compute loop from spec.md
// §4.4 over kv's N positions and returns the normalized, f16 output.
// kvHeadOf maps query-head index to KV-head index (grouped-query
// attention).
func (o *Orchestrator) Forward(kv HostRange, q []fp16.Bits, batch, qHeads int, scale float32, kvHeadOf func(int) int) ([]fp16.Bits, error) {
	if err := o.ensureSized(batch, qHeads); err != nil {
		return nil, err
	}

	numChunks := (kv.N + o.chunkSize - 1) / o.chunkSize
	if numChunks == 0 {
		return attnkernel.Finalize(o.state), nil
	}

	rowBytes := kv.KVHeads * kv.HeadDim * 2
	chunkAt := func(c int) (int, int) {
		start := c * o.chunkSize
		end := start + o.chunkSize
		if end > kv.N {
			end = kv.N
		}
		return start, end
	}

	// ping-pong device-resident buffers, index by c%2.
	var buffers [2]attnkernel.Chunk

	copyDone := make([]chan struct{}, numChunks)
	computeDone := make([]chan struct{}, numChunks)
	for i := range copyDone {
		copyDone[i] = make(chan struct{})
		computeDone[i] = make(chan struct{})
	}

	g, _ := errgroup.WithContext(context.Background())

	// copy stream: issues chunk c+1 while chunk c is being computed,
	// but must wait for the kernel on chunk c-2's compute event before
	// overwriting that buffer slot, matching spec.md §4.4 step 4d /
	// §5's "copy of chunk c+2 starts only after kernel for chunk c".
	g.Go(func() error {
		for c := 0; c < numChunks; c++ {
			if c >= 2 {
				<-computeDone[c-2]
			}
			start, end := chunkAt(c)
			length := end - start
			kRaw := kv.K[start*rowBytes : end*rowBytes]
			vRaw := kv.V[start*rowBytes : end*rowBytes]

			chunk, err := o.device.CopyChunk(kRaw, vRaw, length, kv.KVHeads, kv.HeadDim)
			if err != nil {
				return fmt.Errorf("pipeline: copying chunk %d: %w", c, err)
			}
			buffers[c%2] = chunk
			close(copyDone[c])
		}
		return nil
	})

	// compute stream: waits for chunk c's copy event, then runs the
	// kernel and signals its own completion event.
	g.Go(func() error {
		for c := 0; c < numChunks; c++ {
			<-copyDone[c]
			if err := o.device.RunKernel(o.state, q, buffers[c%2], scale, kvHeadOf); err != nil {
				return fmt.Errorf("pipeline: kernel chunk %d: %w", c, err)
			}
			close(computeDone[c])
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return attnkernel.Finalize(o.state), nil
}
