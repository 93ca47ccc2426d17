package simd

import "math"

// Exp2 computes 2^x in float32 using the float64 library routine.
// Underflow flushes to zero, which is what the masked sentinel relies on.
func Exp2(x float32) float32 {
	if x < -126 {
		return 0
	}
	return float32(math.Exp2(float64(x)))
}

// Exp2Shift writes dst[i] = 2^(src[i] - shift).
// A shift of -Inf (an empty row) yields zeros rather than NaN.
func Exp2Shift(dst, src []float32, shift float32) {
	if math.IsInf(float64(shift), -1) {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i, v := range src {
		dst[i] = Exp2(v - shift)
	}
}

// Max returns the largest element, or -Inf for an empty slice.
func Max(v []float32) float32 {
	m := float32(math.Inf(-1))
	for _, x := range v {
		if x > m {
			m = x
		}
	}
	return m
}

// Sum returns the sum of all elements.
func Sum(v []float32) float32 {
	var s float32
	i := 0
	for ; i <= len(v)-4; i += 4 {
		s += v[i] + v[i+1] + v[i+2] + v[i+3]
	}
	for ; i < len(v); i++ {
		s += v[i]
	}
	return s
}

// VecScale performs dst *= scale in place.
func VecScale(dst []float32, scale float32) {
	for i := range dst {
		dst[i] *= scale
	}
}

// DotProduct computes the dot product of two float32 vectors
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}
