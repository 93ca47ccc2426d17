package attention

import (
	"fmt"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/transport"
)

// fail counts a rejected launch and passes err through.
func fail(reason string, err error) error {
	launchFailures.WithLabelValues(reason).Inc()
	return err
}

func checkShape(name string, ref, t *device.Tensor4D) error {
	if t == nil {
		return fail("shape", fmt.Errorf("%w: %s is nil", ErrShapeMismatch, name))
	}
	if !ref.SameShape(t) {
		return fail("shape", fmt.Errorf("%w: %s is %v, want %v", ErrShapeMismatch, name, t.Shape, ref.Shape))
	}
	if len(t.Data) < t.Offset(t.Batch()-1, t.Heads()-1, t.SeqLen()-1, t.HeadDim()-1)+1 {
		return fail("shape", fmt.Errorf("%w: %s storage too small for its strides", ErrShapeMismatch, name))
	}
	return nil
}

// checkInputs validates the forward operands. It must not allocate tensors.
func (o *Orchestrator) checkInputs(q, k, v *device.Tensor4D) error {
	if q == nil {
		return fail("shape", fmt.Errorf("%w: q is nil", ErrShapeMismatch))
	}
	for _, d := range q.Shape {
		if d <= 0 {
			return fail("shape", fmt.Errorf("%w: empty dimension in %v", ErrShapeMismatch, q.Shape))
		}
	}
	if !supportedHeadDim(q.HeadDim()) {
		return fail("shape", fmt.Errorf("%w: unsupported head dim %d (want one of %v)",
			ErrShapeMismatch, q.HeadDim(), SupportedHeadDims))
	}
	for _, op := range []struct {
		name string
		t    *device.Tensor4D
	}{{"q", q}, {"k", k}, {"v", v}} {
		if err := checkShape(op.name, q, op.t); err != nil {
			return err
		}
	}
	if k.DType != q.DType || v.DType != q.DType {
		return fail("dtype", fmt.Errorf("%w: q=%s k=%s v=%s", ErrDtypeMismatch, q.DType, k.DType, v.DType))
	}
	return nil
}

// checkBackwardInputs validates the backward operands. The fast path reads
// all five tensors with one set of strides.
func (o *Orchestrator) checkBackwardInputs(q, k, v, out, dO *device.Tensor4D, stats *RowStats) error {
	if err := o.checkInputs(q, k, v); err != nil {
		return err
	}
	if err := checkShape("o", q, out); err != nil {
		return err
	}
	if err := checkShape("do", q, dO); err != nil {
		return err
	}
	for _, op := range []struct {
		name string
		t    *device.Tensor4D
	}{{"k", k}, {"v", v}, {"o", out}, {"do", dO}} {
		if op.t.Strides != q.Strides {
			return fail("layout", fmt.Errorf("%w: %s strides %v differ from q strides %v",
				ErrLayoutMismatch, op.name, op.t.Strides, q.Strides))
		}
	}
	if dO.DType != out.DType {
		return fail("dtype", fmt.Errorf("%w: o=%s do=%s", ErrDtypeMismatch, out.DType, dO.DType))
	}
	if stats == nil || stats.BatchHeads != q.BatchHeads() || stats.SeqLen != q.SeqLen() ||
		len(stats.M) != q.BatchHeads()*q.SeqLen() {
		return fail("shape", fmt.Errorf("%w: row statistics %v do not match %v", ErrShapeMismatch, stats, q.Shape))
	}
	return nil
}

func (o *Orchestrator) checkBackend(b transport.Backend, ts ...*device.Tensor4D) error {
	for _, t := range ts {
		if err := transport.Accepts(b, t); err != nil {
			return fail("layout", fmt.Errorf("%w: %w", ErrLayoutMismatch, err))
		}
	}
	return nil
}
