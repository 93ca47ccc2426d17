package attention

import (
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
)

// preprocessKernel fills Delta[row] = sum_d O[row,d] * dO[row,d].
type preprocessKernel struct {
	o, do   *device.Tensor4D
	stats   *RowStats
	backend transport.Backend
	block   int
}

func (pk *preprocessKernel) grid() grid {
	return grid{kernel: "preprocess", batchHeads: pk.o.BatchHeads(), seqLen: pk.o.SeqLen(), block: pk.block}
}

func (pk *preprocessKernel) run(u unit) (err error) {
	rows := min(pk.block, pk.o.SeqLen()-u.start)
	seg := segment{start: u.start, rows: rows}

	trs, err := bindAll(pk.backend, pk.o, pk.do)
	if err != nil {
		return err
	}
	defer func() {
		if ferr := flushAll(trs); err == nil {
			err = ferr
		}
	}()

	ot := tile.New(rows, pk.o.HeadDim())
	dot := tile.New(rows, pk.o.HeadDim())
	defer release(ot, dot)

	if err := load(trs[0], u.bh, seg, ot); err != nil {
		return err
	}
	if err := load(trs[1], u.bh, seg, dot); err != nil {
		return err
	}
	tile.RowDot(pk.stats.DeltaRows(u.bh, u.start, rows), ot, dot)
	return nil
}
