package attention

import (
	"fmt"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
)

// segment is one tile of a worker's sequential scan.
type segment struct {
	start  int
	rows   int
	masked bool
}

// appendSteps splits [lo, hi) into tiles of at most step rows.
func appendSteps(out []segment, lo, hi, step int, masked bool) []segment {
	for s := lo; s < hi; s += step {
		out = append(out, segment{start: s, rows: min(step, hi-s), masked: masked})
	}
	return out
}

// bindAll binds one transport per tensor for the calling worker.
func bindAll(b transport.Backend, ts ...*device.Tensor4D) ([]transport.Transport, error) {
	trs := make([]transport.Transport, len(ts))
	for i, t := range ts {
		tr, err := b.Bind(t)
		if err != nil {
			return nil, transportErr("bind", err)
		}
		trs[i] = tr
	}
	return trs, nil
}

func flushAll(trs []transport.Transport) error {
	var first error
	for _, tr := range trs {
		if err := tr.Flush(); err != nil && first == nil {
			first = transportErr("flush", err)
		}
	}
	return first
}

// prefetchAhead starts loads for the depth-1 segments following i.
func prefetchAhead(segs []segment, i, depth, bh int, trs ...transport.Transport) {
	for j := i + 1; j < len(segs) && j < i+depth; j++ {
		c := transport.Coord{BH: bh, Row: segs[j].start, Rows: segs[j].rows}
		for _, tr := range trs {
			transport.Prefetch(tr, c)
		}
	}
}

func load(tr transport.Transport, bh int, seg segment, dst *tile.Tile) error {
	if err := tr.Load(transport.Coord{BH: bh, Row: seg.start, Rows: seg.rows}, dst); err != nil {
		return transportErr("load", err)
	}
	return nil
}

func store(tr transport.Transport, bh int, seg segment, src *tile.Tile) error {
	if err := tr.Store(transport.Coord{BH: bh, Row: seg.start, Rows: seg.rows}, src); err != nil {
		return transportErr("store", err)
	}
	return nil
}

func transportErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// fit resizes t only when its shape differs.
func fit(t *tile.Tile, rows, cols int) {
	if t.Rows != rows || t.Cols != cols {
		t.Reshape(rows, cols)
	}
}

func release(ts ...*tile.Tile) {
	for _, t := range ts {
		t.Release()
	}
}
