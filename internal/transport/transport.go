// Package transport moves tiles between Tensor4D storage and worker-local
// tiles. The attention kernels only see the Transport interface, so the
// direct strided path and the asynchronous descriptor path are
// interchangeable.
package transport

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrOutOfBounds is returned when a coordinate addresses rows outside the tensor.
	ErrOutOfBounds = errors.New("tile coordinate out of bounds")
	// ErrNotContiguous is returned by backends that require packed storage.
	ErrNotContiguous = errors.New("tensor is not contiguous")
	// ErrShape is returned when the destination tile does not match the coordinate.
	ErrShape = errors.New("tile shape does not match coordinate")
)

var transportBytes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flashattn_transport_bytes_total",
	Help: "Bytes moved between tensors and tiles, at the tensor element width",
}, []string{"backend", "direction"})

// Coord addresses Rows consecutive sequence positions starting at Row inside
// the (batch*heads) plane BH. A tile always spans the full feature axis.
type Coord struct {
	BH   int
	Row  int
	Rows int
}

func (c Coord) String() string {
	return fmt.Sprintf("bh=%d rows=[%d,%d)", c.BH, c.Row, c.Row+c.Rows)
}

// Transport loads and stores tiles of one tensor. A Transport is owned by a
// single worker and is not safe for concurrent use.
type Transport interface {
	Load(c Coord, dst *tile.Tile) error
	Store(c Coord, src *tile.Tile) error
	// Flush blocks until every store issued so far is visible in the tensor.
	Flush() error
}

// Prefetcher is implemented by transports that can start a load ahead of use.
type Prefetcher interface {
	Prefetch(c Coord)
}

// Backend binds tensors to per-worker transports.
type Backend interface {
	Name() string
	Bind(t *device.Tensor4D) (Transport, error)
}

// LayoutChecker is implemented by backends that only accept some layouts.
// Accepts must not allocate.
type LayoutChecker interface {
	Accepts(t *device.Tensor4D) error
}

// Accepts reports whether b can bind t.
func Accepts(b Backend, t *device.Tensor4D) error {
	if lc, ok := b.(LayoutChecker); ok {
		return lc.Accepts(t)
	}
	return nil
}

// Pipelined is implemented by backends whose prefetch depth follows the
// launch's pipeline stages.
type Pipelined interface {
	WithDepth(depth int) Backend
}

// WithDepth returns b configured for the given pipeline depth.
func WithDepth(b Backend, depth int) Backend {
	if p, ok := b.(Pipelined); ok {
		return p.WithDepth(depth)
	}
	return b
}

// Prefetch starts loading c when tr supports it.
func Prefetch(tr Transport, c Coord) {
	if p, ok := tr.(Prefetcher); ok {
		p.Prefetch(c)
	}
}

func checkCoord(t *device.Tensor4D, c Coord, dst *tile.Tile) error {
	if c.BH < 0 || c.BH >= t.BatchHeads() || c.Row < 0 || c.Rows < 0 || c.Row+c.Rows > t.SeqLen() {
		return fmt.Errorf("%w: %s in %s", ErrOutOfBounds, c, t)
	}
	if dst != nil && (dst.Rows != c.Rows || dst.Cols != t.HeadDim()) {
		return fmt.Errorf("%w: %s for %s", ErrShape, dst, c)
	}
	return nil
}

// ByName returns a backend by its flag name.
func ByName(name string, depth int) (Backend, error) {
	switch name {
	case "", "strided":
		return Strided{}, nil
	case "descriptor":
		return Descriptor{Depth: depth}, nil
	}
	return nil, fmt.Errorf("unknown transport backend: %s", name)
}
