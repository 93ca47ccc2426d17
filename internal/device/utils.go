package device

import (
	"math"

	"github.com/x448/float16"
)

// Float32ToFloat16 converts a float32 to its IEEE 754 binary16 bit pattern
// using round-to-nearest-even. Values beyond the fp16 range saturate to Inf.
func Float32ToFloat16(f float32) uint16 {
	return float16.Fromfloat32(f).Bits()
}

// Float16ToFloat32 converts a float16 (uint16 representation) to a float32
func Float16ToFloat32(h uint16) float32 {
	return float16.Frombits(h).Float32()
}

// Float32ToBFloat16 truncates a float32 to bfloat16 with round-to-nearest-even.
func Float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if math.IsNaN(float64(f)) {
		// Keep NaN quiet and non-zero after truncation.
		return uint16(bits>>16) | 0x0040
	}
	bits += 0x7FFF + ((bits >> 16) & 1)
	return uint16(bits >> 16)
}

// BFloat16ToFloat32 widens a bfloat16 bit pattern.
func BFloat16ToFloat32(b uint16) float32 {
	return math.Float32frombits(uint32(b) << 16)
}

// Float32ToFloat8E5M2 rounds to the 8-bit e5m2 format, which is the upper
// byte of an fp16 value.
func Float32ToFloat8E5M2(f float32) uint8 {
	h := Float32ToFloat16(f)
	if h&0x7C00 == 0x7C00 {
		// Inf or NaN: keep the class, force a mantissa bit for NaN.
		if h&0x03FF != 0 {
			return uint8(h>>8) | 0x02
		}
		return uint8(h >> 8)
	}
	h32 := uint32(h) + 0x7F + ((uint32(h) >> 8) & 1)
	return uint8(h32 >> 8)
}

// Float8E5M2ToFloat32 widens an e5m2 byte.
func Float8E5M2ToFloat32(b uint8) float32 {
	return Float16ToFloat32(uint16(b) << 8)
}
