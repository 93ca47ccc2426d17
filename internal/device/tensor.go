package device

import "fmt"

// Axis indices of a Tensor4D.
const (
	AxisBatch = iota
	AxisHead
	AxisSeq
	AxisDim
)

// Layout names the physical ordering of a freshly allocated Tensor4D.
type Layout int

const (
	// LayoutBHSD stores each head's sequence contiguously.
	LayoutBHSD Layout = iota
	// LayoutBSHD interleaves heads per sequence position.
	LayoutBSHD
)

// Tensor4D is a dense (batch, head, seq, dim) array with independent
// per-axis strides counted in elements.
type Tensor4D struct {
	Shape   [4]int
	Strides [4]int
	Data    []float32
	DType   DType
}

// NewTensor4D allocates a zeroed, contiguous BHSD tensor.
func NewTensor4D(dtype DType, batch, heads, seqLen, headDim int) *Tensor4D {
	return NewTensor4DWithLayout(dtype, LayoutBHSD, batch, heads, seqLen, headDim)
}

// NewTensor4DWithLayout allocates a zeroed tensor in the requested layout.
//
//	| Stride  | BHSD         | BSHD         |
//	|---------|--------------|--------------|
//	| batch   | H*N*D        | N*H*D        |
//	| head    | N*D          | D            |
//	| seq     | D            | H*D          |
//	| dim     | 1            | 1            |
func NewTensor4DWithLayout(dtype DType, layout Layout, batch, heads, seqLen, headDim int) *Tensor4D {
	if batch < 0 || heads < 0 || seqLen < 0 || headDim < 0 {
		panic("NewTensor4D: negative dimension")
	}
	t := &Tensor4D{
		Shape: [4]int{batch, heads, seqLen, headDim},
		Data:  make([]float32, batch*heads*seqLen*headDim),
		DType: dtype,
	}
	switch layout {
	case LayoutBSHD:
		t.Strides = [4]int{seqLen * heads * headDim, headDim, heads * headDim, 1}
	default:
		t.Strides = [4]int{heads * seqLen * headDim, seqLen * headDim, headDim, 1}
	}
	return t
}

// FromData builds a contiguous BHSD tensor from a flat slice, rounding every
// value to dtype.
func FromData(dtype DType, batch, heads, seqLen, headDim int, data []float32) *Tensor4D {
	t := NewTensor4D(dtype, batch, heads, seqLen, headDim)
	if len(data) != len(t.Data) {
		panic("FromData: provided data length does not match dimensions")
	}
	copy(t.Data, data)
	dtype.RoundSlice(t.Data)
	return t
}

func (t *Tensor4D) Batch() int   { return t.Shape[AxisBatch] }
func (t *Tensor4D) Heads() int   { return t.Shape[AxisHead] }
func (t *Tensor4D) SeqLen() int  { return t.Shape[AxisSeq] }
func (t *Tensor4D) HeadDim() int { return t.Shape[AxisDim] }

// BatchHeads is the number of independent (batch, head) planes.
func (t *Tensor4D) BatchHeads() int { return t.Shape[AxisBatch] * t.Shape[AxisHead] }

// Offset returns the flat index of element (b, h, s, d).
func (t *Tensor4D) Offset(b, h, s, d int) int {
	return b*t.Strides[0] + h*t.Strides[1] + s*t.Strides[2] + d*t.Strides[3]
}

// PlaneOffset returns the flat index of row s of the plane bh = b*H + h.
func (t *Tensor4D) PlaneOffset(bh, s int) int {
	h := t.Shape[AxisHead]
	return t.Offset(bh/h, bh%h, s, 0)
}

func (t *Tensor4D) At(b, h, s, d int) float32 {
	return t.Data[t.Offset(b, h, s, d)]
}

// Set stores v rounded to the tensor's element type.
func (t *Tensor4D) Set(b, h, s, d int, v float32) {
	t.Data[t.Offset(b, h, s, d)] = t.DType.Round(v)
}

// Row returns the feature vector at (bh, s). The slice aliases the tensor when
// the feature axis is unit-stride, otherwise it is a copy.
func (t *Tensor4D) Row(bh, s int) []float32 {
	off := t.PlaneOffset(bh, s)
	d := t.Shape[AxisDim]
	if t.Strides[AxisDim] == 1 {
		return t.Data[off : off+d]
	}
	out := make([]float32, d)
	for i := range out {
		out[i] = t.Data[off+i*t.Strides[AxisDim]]
	}
	return out
}

// IsContiguous reports whether the tensor is packed in BHSD order.
func (t *Tensor4D) IsContiguous() bool {
	d := t.Shape[AxisDim]
	n := t.Shape[AxisSeq]
	h := t.Shape[AxisHead]
	return t.Strides == [4]int{h * n * d, n * d, d, 1}
}

// SameShape reports whether two tensors have identical shapes.
func (t *Tensor4D) SameShape(o *Tensor4D) bool {
	return t.Shape == o.Shape
}

// EmptyLike allocates a zeroed tensor with the same shape, strides and dtype.
func (t *Tensor4D) EmptyLike() *Tensor4D {
	return &Tensor4D{
		Shape:   t.Shape,
		Strides: t.Strides,
		Data:    make([]float32, len(t.Data)),
		DType:   t.DType,
	}
}

// Clone deep-copies the tensor, preserving its layout.
func (t *Tensor4D) Clone() *Tensor4D {
	c := t.EmptyLike()
	copy(c.Data, t.Data)
	return c
}

// Contiguous returns a packed BHSD copy of the tensor.
func (t *Tensor4D) Contiguous() *Tensor4D {
	out := NewTensor4D(t.DType, t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3])
	t.Each(func(b, h, s, d int, v float32) {
		out.Data[out.Offset(b, h, s, d)] = v
	})
	return out
}

// ToHost returns the elements in logical BHSD order.
func (t *Tensor4D) ToHost() []float32 {
	if t.IsContiguous() {
		out := make([]float32, len(t.Data))
		copy(out, t.Data)
		return out
	}
	return t.Contiguous().Data
}

// Each visits every element in logical order.
func (t *Tensor4D) Each(fn func(b, h, s, d int, v float32)) {
	for b := 0; b < t.Shape[0]; b++ {
		for h := 0; h < t.Shape[1]; h++ {
			for s := 0; s < t.Shape[2]; s++ {
				for d := 0; d < t.Shape[3]; d++ {
					fn(b, h, s, d, t.At(b, h, s, d))
				}
			}
		}
	}
}

// Scaled returns a copy with every element multiplied by f and rounded to the
// element type.
func (t *Tensor4D) Scaled(f float32) *Tensor4D {
	c := t.EmptyLike()
	for i, v := range t.Data {
		c.Data[i] = t.DType.Round(v * f)
	}
	return c
}

func (t *Tensor4D) String() string {
	return fmt.Sprintf("Tensor4D%v<%s>", t.Shape, t.DType)
}
