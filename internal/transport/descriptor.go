package transport

import (
	"fmt"
	"sync"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
)

// Descriptor views a packed tensor as a 2-D [B*H*N, D] block and copies tiles
// asynchronously: Prefetch starts a copy into a staging buffer on its own
// goroutine, Load waits for it, and Store returns as soon as the copy-out has
// been issued. Depth bounds the number of loads in flight per worker; zero
// means the launch's pipeline depth.
type Descriptor struct {
	Depth int
}

func (Descriptor) Name() string { return "descriptor" }

func (d Descriptor) Accepts(t *device.Tensor4D) error {
	if !t.IsContiguous() {
		return fmt.Errorf("descriptor transport for %s: %w", t, ErrNotContiguous)
	}
	return nil
}

func (d Descriptor) WithDepth(depth int) Backend {
	if d.Depth > 0 {
		return d
	}
	return Descriptor{Depth: depth}
}

func (d Descriptor) Bind(t *device.Tensor4D) (Transport, error) {
	if err := d.Accepts(t); err != nil {
		return nil, err
	}
	depth := d.Depth
	if depth < 1 {
		depth = 1
	}
	return &descriptorTransport{
		t:       t,
		depth:   depth,
		pending: make(map[Coord]*asyncLoad),
	}, nil
}

type asyncLoad struct {
	done chan struct{}
	buf  []float32
}

type descriptorTransport struct {
	t       *device.Tensor4D
	depth   int
	pending map[Coord]*asyncLoad

	stores   sync.WaitGroup
	storeMu  sync.Mutex
	storeErr error
}

// rowBase is the flat offset of a coordinate's first element.
func (d *descriptorTransport) rowBase(c Coord) int {
	return (c.BH*d.t.SeqLen() + c.Row) * d.t.HeadDim()
}

func (d *descriptorTransport) Prefetch(c Coord) {
	if _, ok := d.pending[c]; ok || len(d.pending) >= d.depth {
		return
	}
	if checkCoord(d.t, c, nil) != nil {
		// Reported by the matching Load.
		return
	}
	n := c.Rows * d.t.HeadDim()
	ld := &asyncLoad{done: make(chan struct{}), buf: device.Pool.Get(n)}
	d.pending[c] = ld
	base := d.rowBase(c)
	go func() {
		copy(ld.buf, d.t.Data[base:base+n])
		close(ld.done)
	}()
}

func (d *descriptorTransport) Load(c Coord, dst *tile.Tile) error {
	if err := checkCoord(d.t, c, dst); err != nil {
		return err
	}
	if ld, ok := d.pending[c]; ok {
		delete(d.pending, c)
		<-ld.done
		copy(dst.Data, ld.buf)
		device.Pool.Put(ld.buf)
	} else {
		base := d.rowBase(c)
		copy(dst.Data, d.t.Data[base:base+len(dst.Data)])
	}
	transportBytes.WithLabelValues("descriptor", "load").Add(float64(len(dst.Data) * d.t.DType.Size()))
	return nil
}

func (d *descriptorTransport) Store(c Coord, src *tile.Tile) error {
	if err := checkCoord(d.t, c, src); err != nil {
		d.storeMu.Lock()
		if d.storeErr == nil {
			d.storeErr = err
		}
		d.storeMu.Unlock()
		return err
	}
	staged := device.Pool.Get(len(src.Data))
	copy(staged, src.Data)
	base := d.rowBase(c)
	dtype := d.t.DType
	d.stores.Add(1)
	go func() {
		defer d.stores.Done()
		out := d.t.Data[base : base+len(staged)]
		for i, v := range staged {
			out[i] = dtype.Round(v)
		}
		device.Pool.Put(staged)
	}()
	transportBytes.WithLabelValues("descriptor", "store").Add(float64(len(src.Data) * d.t.DType.Size()))
	return nil
}

// Flush waits for outstanding stores and drains unused prefetches.
func (d *descriptorTransport) Flush() error {
	d.stores.Wait()
	for c, ld := range d.pending {
		<-ld.done
		device.Pool.Put(ld.buf)
		delete(d.pending, c)
	}
	d.storeMu.Lock()
	defer d.storeMu.Unlock()
	return d.storeErr
}
