package attention

import "errors"

var (
	// ErrShapeMismatch is returned when tensor shapes disagree or the head
	// dimension is unsupported.
	ErrShapeMismatch = errors.New("shape mismatch")
	// ErrLayoutMismatch is returned when tensor strides do not satisfy the
	// chosen transport or the backward fast path.
	ErrLayoutMismatch = errors.New("layout mismatch")
	// ErrDtypeMismatch is returned when element types disagree.
	ErrDtypeMismatch = errors.New("dtype mismatch")
	// ErrInvalidConfig is returned for a tiling configuration the kernels
	// cannot run.
	ErrInvalidConfig = errors.New("invalid tiling configuration")
	// ErrTransport wraps any tile load or store failure. It aborts the launch.
	ErrTransport = errors.New("tile transport failure")
	// ErrNoForward is returned by Function.Backward before a forward pass.
	ErrNoForward = errors.New("backward called before forward")
)

// SupportedHeadDims lists the feature sizes the kernels accept.
var SupportedHeadDims = []int{16, 32, 64, 128, 256}

func supportedHeadDim(d int) bool {
	for _, s := range SupportedHeadDims {
		if s == d {
			return true
		}
	}
	return false
}
