package attention

import (
	"context"

	"github.com/23skdu/longbow-flash/internal/device"
)

// Function pairs a forward pass with its backward pass, keeping the tensors
// the gradient needs. It is not safe for concurrent use.
type Function struct {
	orch *Orchestrator

	q, k, v, out *device.Tensor4D
	stats        *RowStats
	scale        float32
	causal       bool
}

func NewFunction(orch *Orchestrator) *Function {
	return &Function{orch: orch}
}

// Forward runs the forward pass and saves its inputs and outputs.
func (f *Function) Forward(ctx context.Context, q, k, v *device.Tensor4D, scale float32, causal bool) (*device.Tensor4D, error) {
	out, stats, err := f.orch.Forward(ctx, q, k, v, scale, causal)
	if err != nil {
		return nil, err
	}
	f.q, f.k, f.v, f.out, f.stats = q, k, v, out, stats
	f.scale, f.causal = scale, causal
	return out, nil
}

// Stats returns the row statistics of the last forward pass.
func (f *Function) Stats() *RowStats { return f.stats }

// Backward computes input gradients for the saved forward pass.
func (f *Function) Backward(ctx context.Context, dO *device.Tensor4D) (*Gradients, error) {
	if f.out == nil {
		return nil, ErrNoForward
	}
	return f.orch.Backward(ctx, f.q, f.k, f.v, f.out, dO, f.stats, f.scale, f.causal)
}
