// Package tile holds the numerical primitives the attention workers are built
// from: a small row-major matrix type, BLAS-backed tile products, row
// reductions and the stabilized base-2 exponential.
package tile

import (
	"fmt"

	"github.com/23skdu/longbow-flash/internal/device"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// Tile is a dense row-major block of Rows x Cols float32 values.
type Tile struct {
	Rows int
	Cols int
	Data []float32
}

// New returns a zeroed tile backed by the shared buffer pool.
func New(rows, cols int) *Tile {
	return &Tile{Rows: rows, Cols: cols, Data: device.Pool.Get(rows * cols)}
}

// Release hands the backing buffer back to the pool. The tile must not be
// used afterwards.
func (t *Tile) Release() {
	if t == nil || t.Data == nil {
		return
	}
	device.Pool.Put(t.Data)
	t.Data = nil
}

// Reshape reuses the backing buffer for a tile of a different row count,
// which happens for the ragged last tile of a sequence. Contents are zeroed.
func (t *Tile) Reshape(rows, cols int) {
	n := rows * cols
	if cap(t.Data) < n {
		device.Pool.Put(t.Data)
		t.Data = device.Pool.Get(n)
	} else {
		t.Data = t.Data[:n]
		t.Zero()
	}
	t.Rows, t.Cols = rows, cols
}

// Row returns row i, aliasing the tile.
func (t *Tile) Row(i int) []float32 {
	return t.Data[i*t.Cols : (i+1)*t.Cols]
}

func (t *Tile) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// CopyFrom copies the contents of o, which must have the same dimensions.
func (t *Tile) CopyFrom(o *Tile) {
	if t.Rows != o.Rows || t.Cols != o.Cols {
		panic(fmt.Sprintf("CopyFrom: dimension mismatch %dx%d vs %dx%d", t.Rows, t.Cols, o.Rows, o.Cols))
	}
	copy(t.Data, o.Data)
}

func (t *Tile) general() blas32.General {
	stride := t.Cols
	if stride == 0 {
		stride = 1
	}
	return blas32.General{Rows: t.Rows, Cols: t.Cols, Stride: stride, Data: t.Data}
}

func (t *Tile) String() string {
	return fmt.Sprintf("Tile(%dx%d)", t.Rows, t.Cols)
}

func empty(ts ...*Tile) bool {
	for _, t := range ts {
		if t.Rows == 0 || t.Cols == 0 {
			return true
		}
	}
	return false
}

// MatMulNT computes dst = alpha * a * bᵀ + beta * dst.
func MatMulNT(dst, a, b *Tile, alpha, beta float32) {
	if a.Cols != b.Cols || dst.Rows != a.Rows || dst.Cols != b.Rows {
		panic(fmt.Sprintf("MatMulNT: dimension mismatch %v * %vᵀ -> %v", a, b, dst))
	}
	if empty(dst) {
		return
	}
	if empty(a, b) {
		dst.scaleAll(beta)
		return
	}
	blas32.Gemm(blas.NoTrans, blas.Trans, alpha, a.general(), b.general(), beta, dst.general())
}

// MatMulNN computes dst = alpha * a * b + beta * dst.
func MatMulNN(dst, a, b *Tile, alpha, beta float32) {
	if a.Cols != b.Rows || dst.Rows != a.Rows || dst.Cols != b.Cols {
		panic(fmt.Sprintf("MatMulNN: dimension mismatch %v * %v -> %v", a, b, dst))
	}
	if empty(dst) {
		return
	}
	if empty(a, b) {
		dst.scaleAll(beta)
		return
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha, a.general(), b.general(), beta, dst.general())
}

// MatMulTN computes dst = alpha * aᵀ * b + beta * dst.
func MatMulTN(dst, a, b *Tile, alpha, beta float32) {
	if a.Rows != b.Rows || dst.Rows != a.Cols || dst.Cols != b.Cols {
		panic(fmt.Sprintf("MatMulTN: dimension mismatch %vᵀ * %v -> %v", a, b, dst))
	}
	if empty(dst) {
		return
	}
	if empty(a, b) {
		dst.scaleAll(beta)
		return
	}
	blas32.Gemm(blas.Trans, blas.NoTrans, alpha, a.general(), b.general(), beta, dst.general())
}

func (t *Tile) scaleAll(f float32) {
	if f == 1 {
		return
	}
	for i := range t.Data {
		t.Data[i] *= f
	}
}
