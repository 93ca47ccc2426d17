package device

import "fmt"

// DType is the element representation of a tensor. Storage is always float32;
// the DType decides which values are representable.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Float8E5M2
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "fp32"
	case Float16:
		return "fp16"
	case BFloat16:
		return "bf16"
	case Float8E5M2:
		return "fp8e5m2"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float16, BFloat16:
		return 2
	case Float8E5M2:
		return 1
	default:
		return 4
	}
}

// Round maps v to the nearest value representable in d.
func (d DType) Round(v float32) float32 {
	switch d {
	case Float16:
		return Float16ToFloat32(Float32ToFloat16(v))
	case BFloat16:
		return BFloat16ToFloat32(Float32ToBFloat16(v))
	case Float8E5M2:
		return Float8E5M2ToFloat32(Float32ToFloat8E5M2(v))
	default:
		return v
	}
}

// RoundSlice rounds every element of v in place.
func (d DType) RoundSlice(v []float32) {
	if d == Float32 {
		return
	}
	for i, x := range v {
		v[i] = d.Round(x)
	}
}

// ParseDType accepts the names produced by String.
func ParseDType(s string) (DType, error) {
	switch s {
	case "fp32", "float32", "":
		return Float32, nil
	case "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	case "fp8", "fp8e5m2", "float8_e5m2":
		return Float8E5M2, nil
	}
	return Float32, fmt.Errorf("unknown dtype: %s", s)
}
