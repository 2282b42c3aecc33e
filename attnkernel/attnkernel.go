// Package attnkernel implements the Online-Softmax Kernel contract
// from spec.md §4.3: given Q and successive chunks of (K, V), it
// maintains the running (m, ℓ, O) state per (batch, query-head) and
// produces the exact softmax-attention output to f16 tolerance.
//
// No file in the retrieval corpus performs attention math, so this is
// the "enrich from the rest of the pack" case: per-element f32 dot
// products use gonum.org/v1/gonum/blas/blas32.Dot, the same BLAS
// wrapper the teacher carries as an indirect dependency and that
// gpustack-gguf-parser-go in the wider pack uses directly for tensor
// math. f16 storage conversions go through internal/fp16.
package attnkernel

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/databloom/kvtier/internal/fp16"
)

var ErrUnsupportedHeadDim = errors.New("attnkernel: unsupported head_dim")

// SupportedHeadDims is the dispatch set from spec.md §4.3.
// NewRunningState validates against it; ProcessChunk and Finalize use
// the head_dim of the state they are given without checking it again.
var SupportedHeadDims = map[int]bool{
	64:  true,
	80:  true,
	96:  true,
	128: true,
	256: true,
}

// RunningState holds the per-(batch, query-head) online-softmax
// accumulators described in spec.md §3. M and L have length
// batch*qHeads; O has length batch*qHeads*headDim.
type RunningState struct {
	Batch   int
	QHeads  int
	HeadDim int
	M       []float32
	L       []float32
	O       []float32
}

// NewRunningState allocates a state sized for batch*qHeads accumulators
// and initializes (m, ℓ, O) to (-inf, 0, 0) per spec.md §4.3.
func NewRunningState(batch, qHeads, headDim int) (*RunningState, error) {
	if !SupportedHeadDims[headDim] {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedHeadDim, headDim)
	}

	n := batch * qHeads
	s := &RunningState{
		Batch:   batch,
		QHeads:  qHeads,
		HeadDim: headDim,
		M:       make([]float32, n),
		L:       make([]float32, n),
		O:       make([]float32, n*headDim),
	}
	s.Reset()
	return s, nil
}

// Reset returns an existing (possibly reused) state to its initial
// (-inf, 0, 0) condition, letting callers amortize allocation across
// forward calls as spec.md §3's Lifecycle note allows.
func (s *RunningState) Reset() {
	for i := range s.M {
		s.M[i] = float32(math.Inf(-1))
		s.L[i] = 0
	}
	for i := range s.O {
		s.O[i] = 0
	}
}

func (s *RunningState) idx(batch, qHead int) int {
	return batch*s.QHeads + qHead
}

// KVHeadMapping maps a query-head index to its grouped-query-attention
// KV-head index. A uniform mapping divides the query heads evenly
// across kv heads: kv(q) = floor(q * kvHeads / qHeads), matching the
// testable invariant in spec.md §8 scenario 3.
func KVHeadMapping(qHeads, kvHeads int) func(q int) int {
	return func(q int) int {
		return (q * kvHeads) / qHeads
	}
}

// Chunk is one slice of KV positions: Len rows of K and V, each row
// kvHeads*headDim elements long, stored as f16 bits.
type Chunk struct {
	Len     int
	K       []fp16.Bits
	V       []fp16.Bits
	KVHeads int
}

func (c Chunk) row(data []fp16.Bits, pos, head, headDim int) []fp16.Bits {
	stride := c.KVHeads * headDim
	base := pos*stride + head*headDim
	return data[base : base+headDim]
}

// ProcessChunk runs steps 1-6 of spec.md §4.3's algorithm for one
// chunk, for every (batch, query-head) pair. q is batch*qHeads*headDim
// f16 values (the query is identical across chunks within one forward
// call). kvHeadOf maps a query-head index to its KV-head index.
func ProcessChunk(state *RunningState, q []fp16.Bits, chunk Chunk, scale float32, kvHeadOf func(int) int) error {
	headDim := state.HeadDim
	if len(q) != state.Batch*state.QHeads*headDim {
		return fmt.Errorf("attnkernel: Q length mismatch")
	}
	if chunk.Len == 0 {
		return nil
	}

	qf := make([]float32, headDim)
	kf := make([]float32, headDim)
	scores := make([]float32, chunk.Len)

	for b := 0; b < state.Batch; b++ {
		for qh := 0; qh < state.QHeads; qh++ {
			kvHead := kvHeadOf(qh)

			qBase := (b*state.QHeads + qh) * headDim
			for d := 0; d < headDim; d++ {
				qf[d] = q[qBase+d].ToFloat32()
			}

			// Step 1: scores[j] = scale * <Q, K[c,j,kv(q)]>
			maxScore := float32(math.Inf(-1))
			for j := 0; j < chunk.Len; j++ {
				kRow := chunk.row(chunk.K, j, kvHead, headDim)
				for d := 0; d < headDim; d++ {
					kf[d] = kRow[d].ToFloat32()
				}
				dot := blas32.Dot(blas32.Vector{N: headDim, Data: qf, Inc: 1}, blas32.Vector{N: headDim, Data: kf, Inc: 1})
				sc := scale * dot
				scores[j] = sc
				if sc > maxScore {
					maxScore = sc
				}
			}

			idx := state.idx(b, qh)
			mOld := state.M[idx]
			mNew := maxScore
			if mOld > mNew {
				mNew = mOld
			}

			// Step 3: correction factor for the carried-in state.
			var correction float32
			if !math.IsInf(float64(mOld), -1) {
				correction = float32(math.Exp(float64(mOld - mNew)))
			}

			// Step 4: rescale carried-in O and ℓ.
			oBase := idx * headDim
			for d := 0; d < headDim; d++ {
				state.O[oBase+d] *= correction
			}
			state.L[idx] *= correction

			// Step 5: accumulate this chunk's contribution.
			for j := 0; j < chunk.Len; j++ {
				w := float32(math.Exp(float64(scores[j] - mNew)))
				state.L[idx] += w

				vRow := chunk.row(chunk.V, j, kvHead, headDim)
				for d := 0; d < headDim; d++ {
					state.O[oBase+d] += w * vRow[d].ToFloat32()
				}
			}

			state.M[idx] = mNew
		}
	}

	return nil
}

// Finalize divides O by ℓ for every (batch, query-head) and writes the
// f16 output. When ℓ == 0 (only possible for empty input), the output
// is defined as 0 per spec.md §4.3.
func Finalize(state *RunningState) []fp16.Bits {
	out := make([]fp16.Bits, len(state.O))
	headDim := state.HeadDim

	for b := 0; b < state.Batch; b++ {
		for qh := 0; qh < state.QHeads; qh++ {
			idx := state.idx(b, qh)
			oBase := idx * headDim
			l := state.L[idx]

			for d := 0; d < headDim; d++ {
				var v float32
				if l != 0 {
					v = state.O[oBase+d] / l
				}
				out[oBase+d] = fp16.FromFloat32(v)
			}
		}
	}

	return out
}
