package attention

import (
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
)

// dkdvKernel owns one key tile per grid unit and accumulates its dK and dV
// over every query row that attends to it. Scores are recomputed transposed
// (keys along rows) so the row statistics run along columns.
type dkdvKernel struct {
	q, kp, v, do *device.Tensor4D
	dk, dv       *device.Tensor4D
	stats        *RowStats
	backend      transport.Backend
	cfg          tuning.Config
	policy       tile.Policy
	scale        float32
	causal       bool
}

func (kk *dkdvKernel) grid() grid {
	return grid{kernel: "dkdv", batchHeads: kk.q.BatchHeads(), seqLen: kk.q.SeqLen(), block: kk.cfg.BlockN1}
}

// querySegments lists the query tiles visiting keys [start, end). Causal
// launches scan the diagonal block in narrower masked steps first, then every
// later query unmasked.
func (kk *dkdvKernel) querySegments(start, end int) []segment {
	n := kk.q.SeqLen()
	if !kk.causal {
		return appendSteps(nil, 0, n, kk.cfg.BlockM1, false)
	}
	segs := appendSteps(nil, start, end, kk.cfg.MaskBlockM1(), true)
	return appendSteps(segs, end, n, kk.cfg.BlockM1, false)
}

func (kk *dkdvKernel) run(u unit) (err error) {
	n, d := kk.q.SeqLen(), kk.q.HeadDim()
	cols := min(kk.cfg.BlockN1, n-u.start)
	kSeg := segment{start: u.start, rows: cols}

	trs, err := bindAll(kk.backend, kk.q, kk.kp, kk.v, kk.do, kk.dk, kk.dv)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := flushAll(trs); err == nil {
			err = ferr
		}
	}()
	qTr, kTr, vTr, doTr, dkTr, dvTr := trs[0], trs[1], trs[2], trs[3], trs[4], trs[5]

	segs := kk.querySegments(u.start, u.start+cols)
	prefetchAhead(segs, -1, kk.cfg.Stages, u.bh, qTr, doTr)

	kt := tile.New(cols, d)
	vt := tile.New(cols, d)
	dk := tile.New(cols, d)
	dv := tile.New(cols, d)
	qt := tile.New(kk.cfg.BlockM1, d)
	dot := tile.New(kk.cfg.BlockM1, d)
	pT := tile.New(cols, kk.cfg.BlockM1)
	pNarrow := tile.New(cols, kk.cfg.BlockM1)
	dpT := tile.New(cols, kk.cfg.BlockM1)
	defer release(kt, vt, dk, dv, qt, dot, pT, pNarrow, dpT)

	if err := load(kTr, u.bh, kSeg, kt); err != nil {
		return err
	}
	if err := load(vTr, u.bh, kSeg, vt); err != nil {
		return err
	}

	for i, seg := range segs {
		prefetchAhead(segs, i, kk.cfg.Stages, u.bh, qTr, doTr)
		fit(qt, seg.rows, d)
		fit(dot, seg.rows, d)
		fit(pT, cols, seg.rows)
		fit(pNarrow, cols, seg.rows)
		fit(dpT, cols, seg.rows)
		if err := load(qTr, u.bh, seg, qt); err != nil {
			return err
		}
		if err := load(doTr, u.bh, seg, dot); err != nil {
			return err
		}

		// pᵀ = 2^(k'·qᵀ - M[query])
		tile.MatMulNT(pT, kt, qt, 1, 0)
		tile.Exp2Cols(pT, kk.stats.MRows(u.bh, seg.start, seg.rows))
		if seg.masked {
			tile.CausalZeroT(pT, u.start, seg.start)
		}

		pNarrow.CopyFrom(pT)
		kk.policy.NarrowProbabilities(pNarrow)
		tile.MatMulNN(dv, pNarrow, dot, 1, 1)

		// dSᵀ = pᵀ ⊙ (v·dOᵀ - Delta[query])
		tile.MatMulNT(dpT, vt, dot, 1, 0)
		tile.SubColsMul(dpT, pT, kk.stats.DeltaRows(u.bh, seg.start, seg.rows))
		kk.policy.NarrowGradients(dpT)
		tile.MatMulNN(dk, dpT, qt, 1, 1)
	}

	tile.Scale(dk, kk.scale)
	if err := store(dvTr, u.bh, kSeg, dv); err != nil {
		return err
	}
	return store(dkTr, u.bh, kSeg, dk)
}
