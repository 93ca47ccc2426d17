package device

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCast_BitPatterns(t *testing.T) {
	// FP16: 1.0 = 0x3c00, -2.0 = 0xc000
	assert.Equal(t, uint16(0x3c00), Float32ToFloat16(1.0))
	assert.Equal(t, uint16(0xc000), Float32ToFloat16(-2.0))
	assert.Equal(t, float32(1.0), Float16ToFloat32(0x3c00))

	// BF16 keeps the float32 exponent: 1.0 = 0x3f80
	assert.Equal(t, uint16(0x3f80), Float32ToBFloat16(1.0))
	assert.Equal(t, float32(-2.0), BFloat16ToFloat32(Float32ToBFloat16(-2.0)))

	// E5M2 is the upper byte of FP16.
	assert.Equal(t, uint8(0x3c), Float32ToFloat8E5M2(1.0))
	assert.Equal(t, float32(1.0), Float8E5M2ToFloat32(0x3c))
}

func TestDType_Round(t *testing.T) {
	third := float32(1.0 / 3.0)

	tests := []struct {
		dtype DType
		tol   float64
	}{
		{Float32, 0},
		{Float16, 1e-3},
		{BFloat16, 4e-3},
		{Float8E5M2, 0.13},
	}
	for _, tt := range tests {
		t.Run(tt.dtype.String(), func(t *testing.T) {
			got := tt.dtype.Round(third)
			rel := math.Abs(float64(got-third)) / float64(third)
			assert.LessOrEqual(t, rel, tt.tol)
			// Rounding is idempotent.
			assert.Equal(t, got, tt.dtype.Round(got))
		})
	}

	assert.Equal(t, float32(0.333251953125), Float16.Round(third))
	assert.True(t, math.IsInf(float64(Float16.Round(1e6)), 1), "fp16 overflow saturates to +Inf")
	assert.True(t, math.IsNaN(float64(BFloat16.Round(float32(math.NaN())))))
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{Float32, Float16, BFloat16, Float8E5M2} {
		got, err := ParseDType(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}
	_, err := ParseDType("int4")
	assert.Error(t, err)
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 1, Float8E5M2.Size())
}
