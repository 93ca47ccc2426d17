package attention

import (
	"math"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/simd"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
)

// log2e converts natural-exponent scores to base 2.
const log2e = 1.44269504

// forwardKernel computes one query tile of O and M per grid unit.
type forwardKernel struct {
	q, k, v, o *device.Tensor4D
	stats      *RowStats
	backend    transport.Backend
	cfg        tuning.Config
	policy     tile.Policy
	qkScale    float32
	causal     bool
}

func (fk *forwardKernel) grid() grid {
	return grid{kernel: "forward", batchHeads: fk.q.BatchHeads(), seqLen: fk.q.SeqLen(), block: fk.cfg.BlockM}
}

// keySegments lists the key tiles a query tile visits, stage by stage.
func (fk *forwardKernel) keySegments(start, end int) []segment {
	n := fk.q.SeqLen()
	var segs []segment
	for _, st := range stagesFor(fk.causal) {
		lo, hi := st.keyRange(start, end, n)
		segs = appendSteps(segs, lo, hi, fk.cfg.BlockN, st.masked())
	}
	return segs
}

func (fk *forwardKernel) run(u unit) (err error) {
	n, d := fk.q.SeqLen(), fk.q.HeadDim()
	rows := min(fk.cfg.BlockM, n-u.start)
	qSeg := segment{start: u.start, rows: rows}

	trs, err := bindAll(fk.backend, fk.q, fk.k, fk.v, fk.o)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := flushAll(trs); err == nil {
			err = ferr
		}
	}()
	qTr, kTr, vTr, oTr := trs[0], trs[1], trs[2], trs[3]

	segs := fk.keySegments(u.start, u.start+rows)
	prefetchAhead(segs, -1, fk.cfg.Stages, u.bh, kTr, vTr)

	qt := tile.New(rows, d)
	acc := tile.New(rows, d)
	kt := tile.New(fk.cfg.BlockN, d)
	vt := tile.New(fk.cfg.BlockN, d)
	s := tile.New(rows, fk.cfg.BlockN)
	defer release(qt, acc, kt, vt, s)

	m := device.Pool.Get(rows)
	l := device.Pool.Get(rows)
	mNew := device.Pool.Get(rows)
	alpha := device.Pool.Get(rows)
	rowSum := device.Pool.Get(rows)
	defer func() {
		for _, b := range [][]float32{m, l, mNew, alpha, rowSum} {
			device.Pool.Put(b)
		}
	}()
	for i := range m {
		m[i] = float32(math.Inf(-1))
		l[i] = 1
	}

	if err := load(qTr, u.bh, qSeg, qt); err != nil {
		return err
	}

	for i, seg := range segs {
		prefetchAhead(segs, i, fk.cfg.Stages, u.bh, kTr, vTr)
		fit(kt, seg.rows, d)
		fit(vt, seg.rows, d)
		fit(s, rows, seg.rows)
		if err := load(kTr, u.bh, seg, kt); err != nil {
			return err
		}
		if err := load(vTr, u.bh, seg, vt); err != nil {
			return err
		}

		tile.MatMulNT(s, qt, kt, fk.qkScale, 0)
		if seg.masked {
			tile.CausalMask(s, u.start, seg.start)
		}

		tile.RowMax(mNew, s)
		for r := range mNew {
			if m[r] > mNew[r] {
				mNew[r] = m[r]
			}
			alpha[r] = simd.Exp2(m[r] - mNew[r])
		}
		tile.Exp2Rows(s, mNew)
		tile.RowSum(rowSum, s)
		for r := range l {
			l[r] = l[r]*alpha[r] + rowSum[r]
		}

		tile.ScaleRows(acc, alpha)
		fk.policy.NarrowProbabilities(s)
		tile.MatMulNN(acc, s, vt, 1, 1)
		copy(m, mNew)
	}

	mOut := fk.stats.MRows(u.bh, u.start, rows)
	for r := range l {
		mOut[r] = m[r] + tile.Log2(l[r])
		alpha[r] = 1 / l[r]
	}
	tile.ScaleRows(acc, alpha)

	return store(oTr, u.bh, qSeg, acc)
}
