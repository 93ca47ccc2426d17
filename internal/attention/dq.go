package attention

import (
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
)

// ln2 undoes the base-2 factor folded into the pre-scaled keys.
const ln2 = 0.6931471824645996

// dqKernel owns one query tile per grid unit and accumulates its dQ over
// every visible key.
type dqKernel struct {
	q, kp, v, do *device.Tensor4D
	dq           *device.Tensor4D
	stats        *RowStats
	backend      transport.Backend
	cfg          tuning.Config
	policy       tile.Policy
	causal       bool
}

func (qk *dqKernel) grid() grid {
	return grid{kernel: "dq", batchHeads: qk.q.BatchHeads(), seqLen: qk.q.SeqLen(), block: qk.cfg.BlockM2}
}

// keySegments lists the key tiles visible to queries [start, end): for causal
// launches the diagonal block in narrower masked steps, then every earlier
// key unmasked.
func (qk *dqKernel) keySegments(start, end int) []segment {
	if !qk.causal {
		return appendSteps(nil, 0, qk.q.SeqLen(), qk.cfg.BlockN2, false)
	}
	segs := appendSteps(nil, start, end, qk.cfg.MaskBlockN2(), true)
	return appendSteps(segs, 0, start, qk.cfg.BlockN2, false)
}

func (qk *dqKernel) run(u unit) (err error) {
	n, d := qk.q.SeqLen(), qk.q.HeadDim()
	rows := min(qk.cfg.BlockM2, n-u.start)
	qSeg := segment{start: u.start, rows: rows}

	trs, err := bindAll(qk.backend, qk.q, qk.kp, qk.v, qk.do, qk.dq)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := flushAll(trs); err == nil {
			err = ferr
		}
	}()
	qTr, kTr, vTr, doTr, dqTr := trs[0], trs[1], trs[2], trs[3], trs[4]

	segs := qk.keySegments(u.start, u.start+rows)
	prefetchAhead(segs, -1, qk.cfg.Stages, u.bh, kTr, vTr)

	qt := tile.New(rows, d)
	dot := tile.New(rows, d)
	dq := tile.New(rows, d)
	kt := tile.New(qk.cfg.BlockN2, d)
	vt := tile.New(qk.cfg.BlockN2, d)
	p := tile.New(rows, qk.cfg.BlockN2)
	dp := tile.New(rows, qk.cfg.BlockN2)
	defer release(qt, dot, dq, kt, vt, p, dp)

	if err := load(qTr, u.bh, qSeg, qt); err != nil {
		return err
	}
	if err := load(doTr, u.bh, qSeg, dot); err != nil {
		return err
	}
	m := qk.stats.MRows(u.bh, u.start, rows)
	delta := qk.stats.DeltaRows(u.bh, u.start, rows)

	for i, seg := range segs {
		prefetchAhead(segs, i, qk.cfg.Stages, u.bh, kTr, vTr)
		fit(kt, seg.rows, d)
		fit(vt, seg.rows, d)
		fit(p, rows, seg.rows)
		fit(dp, rows, seg.rows)
		if err := load(kTr, u.bh, seg, kt); err != nil {
			return err
		}
		if err := load(vTr, u.bh, seg, vt); err != nil {
			return err
		}

		// p = 2^(q·k'ᵀ - M)
		tile.MatMulNT(p, qt, kt, 1, 0)
		tile.Exp2Rows(p, m)
		if seg.masked {
			tile.CausalZero(p, u.start, seg.start)
		}

		// dS = p ⊙ (dO·vᵀ - Delta)
		tile.MatMulNT(dp, dot, vt, 1, 0)
		tile.SubRowsMul(dp, p, delta)
		qk.policy.NarrowGradients(dp)
		tile.MatMulNN(dq, dp, kt, 1, 1)
	}

	tile.Scale(dq, ln2)
	return store(dqTr, u.bh, qSeg, dq)
}
