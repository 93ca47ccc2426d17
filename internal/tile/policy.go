package tile

import "github.com/23skdu/longbow-flash/internal/device"

// Policy decides which intermediate tiles are narrowed to a reduced-precision
// representation before they feed a tile product. Accumulators stay float32.
type Policy struct {
	// Probabilities is applied to P before P·V and to Pᵀ before Pᵀ·dO.
	Probabilities device.DType
	// Gradients is applied to dS before dS·K and dSᵀ·Q.
	Gradients device.DType
	// Output is the element type O, dQ, dK and dV are stored in.
	Output device.DType
}

// PolicyFor mirrors the numeric format of the value tensor: an fp8 value path
// narrows probabilities to fp8 while gradients stay in fp16.
func PolicyFor(dtype device.DType) Policy {
	switch dtype {
	case device.Float8E5M2:
		return Policy{Probabilities: device.Float8E5M2, Gradients: device.Float16, Output: device.Float16}
	default:
		return Policy{Probabilities: dtype, Gradients: dtype, Output: dtype}
	}
}

// NarrowProbabilities rounds a probability tile in place.
func (p Policy) NarrowProbabilities(t *Tile) {
	p.Probabilities.RoundSlice(t.Data)
}

// NarrowGradients rounds a dS tile in place.
func (p Policy) NarrowGradients(t *Tile) {
	p.Gradients.RoundSlice(t.Data)
}
