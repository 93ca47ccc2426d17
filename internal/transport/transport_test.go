package transport

import (
	"testing"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filled(layout device.Layout) *device.Tensor4D {
	t := device.NewTensor4DWithLayout(device.Float32, layout, 2, 2, 8, 4)
	n := 0
	t.Each(func(b, h, s, d int, _ float32) {
		t.Set(b, h, s, d, float32(n))
		n++
	})
	return t
}

func TestBackends_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		backend Backend
		layout  device.Layout
	}{
		{"strided/bhsd", Strided{}, device.LayoutBHSD},
		{"strided/bshd", Strided{}, device.LayoutBSHD},
		{"descriptor/bhsd", Descriptor{Depth: 2}, device.LayoutBHSD},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := filled(tc.layout)
			dst := src.EmptyLike()

			in, err := tc.backend.Bind(src)
			require.NoError(t, err)
			out, err := tc.backend.Bind(dst)
			require.NoError(t, err)

			buf := tile.New(3, 4)
			defer buf.Release()
			for bh := 0; bh < 4; bh++ {
				for row := 0; row < 8; row += 3 {
					rows := 3
					if row+rows > 8 {
						rows = 8 - row
					}
					c := Coord{BH: bh, Row: row, Rows: rows}
					Prefetch(in, c)
					buf.Reshape(rows, 4)
					require.NoError(t, in.Load(c, buf))
					assert.Equal(t, src.Row(bh, row), buf.Row(0))
					require.NoError(t, out.Store(c, buf))
				}
			}
			require.NoError(t, in.Flush())
			require.NoError(t, out.Flush())
			assert.Equal(t, src.ToHost(), dst.ToHost())
		})
	}
}

func TestBackends_Errors(t *testing.T) {
	src := filled(device.LayoutBSHD)

	_, err := Descriptor{}.Bind(src)
	assert.ErrorIs(t, err, ErrNotContiguous)

	tr, err := Strided{}.Bind(src)
	require.NoError(t, err)

	buf := tile.New(4, 4)
	defer buf.Release()
	assert.ErrorIs(t, tr.Load(Coord{BH: 0, Row: 6, Rows: 4}, buf), ErrOutOfBounds)
	assert.ErrorIs(t, tr.Load(Coord{BH: 4, Row: 0, Rows: 4}, buf), ErrOutOfBounds)
	assert.ErrorIs(t, tr.Load(Coord{BH: 0, Row: 0, Rows: 2}, buf), ErrShape)

	packed := filled(device.LayoutBHSD)
	dt, err := Descriptor{Depth: 1}.Bind(packed)
	require.NoError(t, err)
	assert.ErrorIs(t, dt.Store(Coord{BH: 9, Row: 0, Rows: 4}, buf), ErrOutOfBounds)
	assert.ErrorIs(t, dt.Flush(), ErrOutOfBounds, "store failures surface on Flush")
}

func TestStore_RoundsToElementType(t *testing.T) {
	dst := device.NewTensor4D(device.Float16, 1, 1, 1, 4)
	tr, err := Strided{}.Bind(dst)
	require.NoError(t, err)

	src := tile.New(1, 4)
	defer src.Release()
	src.Data[0] = 1.0 / 3.0
	require.NoError(t, tr.Store(Coord{Rows: 1}, src))
	assert.Equal(t, float32(0.333251953125), dst.Data[0])
}

func counterValue(c prometheus.Counter) float64 {
	var metric dto.Metric
	_ = c.Write(&metric)
	return metric.GetCounter().GetValue()
}

func TestTransportBytes_UseElementWidth(t *testing.T) {
	cases := []struct {
		dtype device.DType
		width int
	}{
		{device.Float32, 4},
		{device.Float16, 2},
		{device.Float8E5M2, 1},
	}
	for _, tc := range cases {
		t.Run(tc.dtype.String(), func(t *testing.T) {
			src := device.NewTensor4D(tc.dtype, 1, 1, 8, 16)
			tr, err := Strided{}.Bind(src)
			require.NoError(t, err)

			dst := tile.New(8, 16)
			defer dst.Release()
			loads := transportBytes.WithLabelValues("strided", "load")
			before := counterValue(loads)
			require.NoError(t, tr.Load(Coord{Rows: 8}, dst))
			assert.Equal(t, float64(8*16*tc.width), counterValue(loads)-before)
		})
	}
}

func TestByName(t *testing.T) {
	b, err := ByName("descriptor", 3)
	require.NoError(t, err)
	assert.Equal(t, "descriptor", b.Name())
	_, err = ByName("tma", 0)
	assert.Error(t, err)
}

func TestBackendHooks(t *testing.T) {
	packed := filled(device.LayoutBHSD)
	strided := filled(device.LayoutBSHD)

	assert.NoError(t, Accepts(Strided{}, strided))
	assert.NoError(t, Accepts(Descriptor{}, packed))
	assert.ErrorIs(t, Accepts(Descriptor{}, strided), ErrNotContiguous)

	assert.Equal(t, Strided{}, WithDepth(Strided{}, 4))
	assert.Equal(t, Descriptor{Depth: 4}, WithDepth(Descriptor{}, 4))
	assert.Equal(t, Descriptor{Depth: 2}, WithDepth(Descriptor{Depth: 2}, 4), "explicit depth wins")
}
