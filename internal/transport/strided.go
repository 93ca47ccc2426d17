package transport

import (
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
)

// Strided reads and writes tiles directly through the tensor's strides. It
// accepts any layout.
type Strided struct{}

func (Strided) Name() string { return "strided" }

func (Strided) Bind(t *device.Tensor4D) (Transport, error) {
	return &stridedTransport{t: t}, nil
}

type stridedTransport struct {
	t *device.Tensor4D
}

func (s *stridedTransport) Load(c Coord, dst *tile.Tile) error {
	if err := checkCoord(s.t, c, dst); err != nil {
		return err
	}
	gather(s.t, c, dst)
	transportBytes.WithLabelValues("strided", "load").Add(float64(len(dst.Data) * s.t.DType.Size()))
	return nil
}

func (s *stridedTransport) Store(c Coord, src *tile.Tile) error {
	if err := checkCoord(s.t, c, src); err != nil {
		return err
	}
	scatter(s.t, c, src)
	transportBytes.WithLabelValues("strided", "store").Add(float64(len(src.Data) * s.t.DType.Size()))
	return nil
}

func (s *stridedTransport) Flush() error { return nil }

func gather(t *device.Tensor4D, c Coord, dst *tile.Tile) {
	dStride := t.Strides[device.AxisDim]
	for i := 0; i < c.Rows; i++ {
		off := t.PlaneOffset(c.BH, c.Row+i)
		row := dst.Row(i)
		if dStride == 1 {
			copy(row, t.Data[off:off+len(row)])
			continue
		}
		for j := range row {
			row[j] = t.Data[off+j*dStride]
		}
	}
}

// scatter rounds values to the tensor's element type on the way out.
func scatter(t *device.Tensor4D, c Coord, src *tile.Tile) {
	dStride := t.Strides[device.AxisDim]
	for i := 0; i < c.Rows; i++ {
		off := t.PlaneOffset(c.BH, c.Row+i)
		row := src.Row(i)
		for j, v := range row {
			t.Data[off+j*dStride] = t.DType.Round(v)
		}
	}
}
