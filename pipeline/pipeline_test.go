package pipeline

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/databloom/kvtier/attnkernel"
	"github.com/databloom/kvtier/internal/fp16"
)

func randomBytes(n int, rng *rand.Rand) []byte {
	f32 := make([]float32, n)
	for i := range f32 {
		f32[i] = float32(rng.NormFloat64()) * 0.1
	}
	return fp16.EncodeSlice(f32)
}

func TestForwardMatchesDirectKernelInvocation(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const headDim = 64
	const kvHeads, qHeads = 1, 1
	const n = 200
	const chunkSize = 64

	kRaw := randomBytes(n*kvHeads*headDim, rng)
	vRaw := randomBytes(n*kvHeads*headDim, rng)
	qBits := fp16.BitsFromBytes(randomBytes(qHeads*headDim, rng))

	scale := float32(1 / math.Sqrt(float64(headDim)))
	kvHeadOf := attnkernel.KVHeadMapping(qHeads, kvHeads)

	orch, err := New(CPUDevice{}, 1, qHeads, headDim, chunkSize)
	require.NoError(t, err)

	got, err := orch.Forward(HostRange{K: kRaw, V: vRaw, N: n, KVHeads: kvHeads, HeadDim: headDim}, qBits, 1, qHeads, scale, kvHeadOf)
	require.NoError(t, err)

	// Direct invocation of the kernel over the same chunk boundaries
	// must produce the same result as going through the orchestrator.
	state, err := attnkernel.NewRunningState(1, qHeads, headDim)
	require.NoError(t, err)
	rowStride := kvHeads * headDim
	kBits := fp16.BitsFromBytes(kRaw)
	vBits := fp16.BitsFromBytes(vRaw)
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		chunk := attnkernel.Chunk{Len: end - start, K: kBits[start*rowStride : end*rowStride], V: vBits[start*rowStride : end*rowStride], KVHeads: kvHeads}
		require.NoError(t, attnkernel.ProcessChunk(state, qBits, chunk, scale, kvHeadOf))
	}
	want := attnkernel.Finalize(state)

	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i], got[i])
	}
}

func TestForwardEmptyRangeProducesZeroOutput(t *testing.T) {
	const headDim = 64
	orch, err := New(CPUDevice{}, 1, 1, headDim, 32)
	require.NoError(t, err)

	q := fp16.BitsFromBytes(fp16.EncodeSlice(make([]float32, headDim)))
	out, err := orch.Forward(HostRange{N: 0, KVHeads: 1, HeadDim: headDim}, q, 1, 1, 1.0, attnkernel.KVHeadMapping(1, 1))
	require.NoError(t, err)

	for _, bits := range out {
		assert.Equal(t, float32(0), bits.ToFloat32())
	}
}

func TestNewRejectsNonPositiveChunkSize(t *testing.T) {
	_, err := New(CPUDevice{}, 1, 1, 64, 0)
	assert.Error(t, err)
}

func TestForwardResizesStateForLargerBatch(t *testing.T) {
	const headDim = 64
	orch, err := New(CPUDevice{}, 1, 1, headDim, 32)
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(7))
	kRaw := randomBytes(8*1*headDim, rng)
	vRaw := randomBytes(8*1*headDim, rng)
	q := fp16.BitsFromBytes(randomBytes(2*headDim, rng))

	out, err := orch.Forward(HostRange{K: kRaw, V: vRaw, N: 8, KVHeads: 1, HeadDim: headDim}, q, 2, 1, 1.0, attnkernel.KVHeadMapping(1, 1))
	require.NoError(t, err)
	assert.Len(t, out, 2*headDim)
}
