package tile

import (
	"math"

	"github.com/23skdu/longbow-flash/internal/simd"
)

// MaskSentinel is added to masked scores. It is large enough that 2^(s-max)
// underflows to zero yet finite, so a fully masked row never yields NaN.
const MaskSentinel = -1.0e6

// RowMax writes the maximum of every row into dst.
func RowMax(dst []float32, t *Tile) {
	for i := 0; i < t.Rows; i++ {
		dst[i] = simd.Max(t.Row(i))
	}
}

// RowSum writes the sum of every row into dst.
func RowSum(dst []float32, t *Tile) {
	for i := 0; i < t.Rows; i++ {
		dst[i] = simd.Sum(t.Row(i))
	}
}

// RowDot writes dst[i] = a[i,:] . b[i,:].
func RowDot(dst []float32, a, b *Tile) {
	for i := 0; i < a.Rows; i++ {
		dst[i] = simd.DotProduct(a.Row(i), b.Row(i))
	}
}

// Scale multiplies every element by f.
func Scale(t *Tile, f float32) {
	simd.VecScale(t.Data, f)
}

// ScaleRows multiplies row i by f[i].
func ScaleRows(t *Tile, f []float32) {
	for i := 0; i < t.Rows; i++ {
		simd.VecScale(t.Row(i), f[i])
	}
}

// Exp2Rows replaces t[i,j] with 2^(t[i,j] - shift[i]).
func Exp2Rows(t *Tile, shift []float32) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		simd.Exp2Shift(row, row, shift[i])
	}
}

// Exp2Cols replaces t[i,j] with 2^(t[i,j] - shift[j]). Used on transposed
// score tiles where the row statistics run along columns.
func Exp2Cols(t *Tile, shift []float32) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		for j, v := range row {
			row[j] = simd.Exp2(v - shift[j])
		}
	}
}

// SubRowsMul computes t[i,j] = p[i,j] * (t[i,j] - d[i]).
func SubRowsMul(t, p *Tile, d []float32) {
	for i := 0; i < t.Rows; i++ {
		row, prow := t.Row(i), p.Row(i)
		for j := range row {
			row[j] = prow[j] * (row[j] - d[i])
		}
	}
}

// SubColsMul computes t[i,j] = p[i,j] * (t[i,j] - d[j]).
func SubColsMul(t, p *Tile, d []float32) {
	for i := 0; i < t.Rows; i++ {
		row, prow := t.Row(i), p.Row(i)
		for j := range row {
			row[j] = prow[j] * (row[j] - d[j])
		}
	}
}

// CausalMask applies the autoregressive mask to a score tile whose rows are
// query positions starting at rowStart and columns key positions starting at
// colStart. Masked entries receive MaskSentinel added to their scaled value.
func CausalMask(t *Tile, rowStart, colStart int) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		q := rowStart + i
		for j := range row {
			if q < colStart+j {
				row[j] += MaskSentinel
			}
		}
	}
}

// CausalZero zeroes probabilities of a tile with query rows and key columns
// wherever the key lies in the future.
func CausalZero(t *Tile, rowStart, colStart int) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		q := rowStart + i
		for j := range row {
			if q < colStart+j {
				row[j] = 0
			}
		}
	}
}

// CausalZeroT is CausalZero for a transposed tile: rows are key positions
// starting at keyStart, columns query positions starting at queryStart.
func CausalZeroT(t *Tile, keyStart, queryStart int) {
	for i := 0; i < t.Rows; i++ {
		row := t.Row(i)
		k := keyStart + i
		for j := range row {
			if queryStart+j < k {
				row[j] = 0
			}
		}
	}
}

// Log2 is the base-2 logarithm in float32.
func Log2(v float32) float32 {
	return float32(math.Log2(float64(v)))
}
