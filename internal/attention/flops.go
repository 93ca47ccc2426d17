package attention

// FLOPs counts floating point operations of one launch over a
// (batch, heads, seqLen, headDim) problem: two matmuls of 2·B·H·N²·D each,
// halved when causal. The backward pass counts 2.5x: 2.0 for the gradient
// products and 0.5 for recomputing the probabilities.
func FLOPs(batch, heads, seqLen, headDim int, causal, backward bool) float64 {
	perMatmul := 2.0 * float64(batch) * float64(heads) * float64(seqLen) * float64(seqLen) * float64(headDim)
	total := 2 * perMatmul
	if causal {
		total *= 0.5
	}
	if backward {
		total *= 2.5
	}
	return total
}

// TFLOPS converts an operation count and elapsed seconds to teraflops.
func TFLOPS(flops, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return flops * 1e-12 / seconds
}
