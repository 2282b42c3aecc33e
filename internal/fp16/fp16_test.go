package fp16

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripCommonValues(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, -0.5, 3.140625, 65504, -65504, 1e-5}

	for _, v := range values {
		got := FromFloat32(v).ToFloat32()
		assert.InDelta(t, float64(v), float64(got), 1e-2, "value %v", v)
	}
}

func TestZeroSign(t *testing.T) {
	assert.Equal(t, Bits(0x0000), FromFloat32(0))
	assert.Equal(t, Bits(0x8000), FromFloat32(float32(math.Copysign(0, -1))))
}

func TestOverflowSaturatesToInf(t *testing.T) {
	got := FromFloat32(1e20).ToFloat32()
	assert.True(t, math.IsInf(float64(got), 1))
}

func TestNaNPropagates(t *testing.T) {
	got := FromFloat32(float32(math.NaN())).ToFloat32()
	assert.True(t, math.IsNaN(float64(got)))
}

func TestEncodeDecodeSliceRoundTrip(t *testing.T) {
	src := []float32{1, 2, 3, -4.5, 0.125}
	encoded := EncodeSlice(src)
	assert.Len(t, encoded, len(src)*2)

	decoded := DecodeSlice(encoded)
	for i := range src {
		assert.InDelta(t, float64(src[i]), float64(decoded[i]), 1e-2)
	}
}

func TestBitsFromBytesRoundTrip(t *testing.T) {
	src := []float32{1, -2.5, 0, 42}
	bits := make([]Bits, len(src))
	for i, f := range src {
		bits[i] = FromFloat32(f)
	}

	encoded := BytesFromBits(bits)
	decoded := BitsFromBytes(encoded)

	assert.Equal(t, bits, decoded)
	for i := range src {
		assert.InDelta(t, float64(src[i]), float64(decoded[i].ToFloat32()), 1e-2)
	}
}
