// Package reference is a brute-force float64 attention used to verify the
// tiled kernels. It materializes the full score matrix of every plane.
package reference

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-flash/internal/device"
	"gonum.org/v1/gonum/mat"
)

func plane(t *device.Tensor4D, bh int) *mat.Dense {
	n, d := t.SeqLen(), t.HeadDim()
	m := mat.NewDense(n, d, nil)
	for s := 0; s < n; s++ {
		for j, v := range t.Row(bh, s) {
			m.Set(s, j, float64(v))
		}
	}
	return m
}

func scatter(dst []float64, bh int, m *mat.Dense) {
	n, d := m.Dims()
	base := bh * n * d
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			dst[base+i*d+j] = m.At(i, j)
		}
	}
}

// Probabilities returns the softmax matrix of plane bh and the base-2
// log-sum-exp of each row.
func Probabilities(q, k *device.Tensor4D, bh int, scale float64, causal bool) (*mat.Dense, []float64) {
	n := q.SeqLen()
	p := mat.NewDense(n, n, nil)
	p.Mul(plane(q, bh), plane(k, bh).T())
	p.Scale(scale, p)

	lse := make([]float64, n)
	for i := 0; i < n; i++ {
		row := p.RawRowView(i)
		hi := math.Inf(-1)
		for j, v := range row {
			if causal && j > i {
				continue
			}
			hi = math.Max(hi, v)
		}
		var sum float64
		for j, v := range row {
			if causal && j > i {
				row[j] = 0
				continue
			}
			row[j] = math.Exp(v - hi)
			sum += row[j]
		}
		for j := range row {
			row[j] /= sum
		}
		lse[i] = (hi + math.Log(sum)) / math.Ln2
	}
	return p, lse
}

// Forward returns O in logical BHSD order and the base-2 log-sum-exp of every
// query row, laid out (batch*heads, seqLen).
func Forward(q, k, v *device.Tensor4D, scale float64, causal bool) (o, m []float64) {
	n, d := q.SeqLen(), q.HeadDim()
	o = make([]float64, q.BatchHeads()*n*d)
	m = make([]float64, q.BatchHeads()*n)
	for bh := 0; bh < q.BatchHeads(); bh++ {
		p, lse := Probabilities(q, k, bh, scale, causal)
		var out mat.Dense
		out.Mul(p, plane(v, bh))
		scatter(o, bh, &out)
		copy(m[bh*n:], lse)
	}
	return o, m
}

// Backward returns dQ, dK and dV in logical BHSD order for upstream gradient
// dO.
func Backward(q, k, v, dO *device.Tensor4D, scale float64, causal bool) (dq, dk, dv []float64) {
	n, d := q.SeqLen(), q.HeadDim()
	size := q.BatchHeads() * n * d
	dq, dk, dv = make([]float64, size), make([]float64, size), make([]float64, size)

	for bh := 0; bh < q.BatchHeads(); bh++ {
		p, _ := Probabilities(q, k, bh, scale, causal)
		qm, km, vm, dom := plane(q, bh), plane(k, bh), plane(v, bh), plane(dO, bh)

		var dvm mat.Dense
		dvm.Mul(p.T(), dom)

		var dp mat.Dense
		dp.Mul(dom, vm.T())
		ds := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			prow, dprow := p.RawRowView(i), dp.RawRowView(i)
			var delta float64
			for j := range prow {
				delta += prow[j] * dprow[j]
			}
			for j := range prow {
				ds.Set(i, j, prow[j]*(dprow[j]-delta))
			}
		}

		var dqm, dkm mat.Dense
		dqm.Mul(ds, km)
		dqm.Scale(scale, &dqm)
		dkm.Mul(ds.T(), qm)
		dkm.Scale(scale, &dkm)

		scatter(dq, bh, &dqm)
		scatter(dk, bh, &dkm)
		scatter(dv, bh, &dvm)
	}
	return dq, dk, dv
}

// Tolerance bounds the drift of a kernel output from the reference:
// |got - want| <= Abs + Rel*|want| element-wise.
type Tolerance struct {
	Abs float64
	Rel float64
}

// Tolerances per element type of the kernel's output.
var Tolerances = map[device.DType]Tolerance{
	device.Float32:    {Abs: 1e-4, Rel: 1e-4},
	device.Float16:    {Abs: 1e-2, Rel: 1e-2},
	device.BFloat16:   {Abs: 5e-2, Rel: 2e-2},
	device.Float8E5M2: {Abs: 2.5e-1, Rel: 1.25e-1},
}

// ToleranceFor looks up the tolerance for dtype.
func ToleranceFor(dtype device.DType) (Tolerance, error) {
	t, ok := Tolerances[dtype]
	if !ok {
		return Tolerance{}, fmt.Errorf("reference: no tolerance configured for %s", dtype)
	}
	return t, nil
}

// Check returns an error naming the first element outside the tolerance.
func (t Tolerance) Check(got []float32, want []float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		diff := math.Abs(float64(got[i]) - want[i])
		if diff > t.Abs+t.Rel*math.Abs(want[i]) || math.IsNaN(float64(got[i])) {
			return fmt.Errorf("element %d: got %g, want %g (diff %g)", i, got[i], want[i], diff)
		}
	}
	return nil
}

// MaxAbsDiff is the largest element-wise absolute difference.
func MaxAbsDiff(got []float32, want []float64) float64 {
	var worst float64
	for i := range want {
		worst = math.Max(worst, math.Abs(float64(got[i])-want[i]))
	}
	return worst
}
