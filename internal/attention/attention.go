// Package attention implements tiled streaming scaled dot-product attention.
// The forward pass never materializes the score matrix: each worker owns one
// query tile and keeps a running base-2 softmax over key tiles. The backward
// pass recomputes probabilities tile by tile from the saved log-normalizers.
package attention

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Orchestrator validates launches, allocates outputs and dispatches the
// kernels. It holds no per-launch state and is safe for concurrent use.
type Orchestrator struct {
	opts Options
}

func New(opts Options) (*Orchestrator, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{opts: opts}, nil
}

// Gradients are the outputs of a backward pass.
type Gradients struct {
	DQ *device.Tensor4D
	DK *device.Tensor4D
	DV *device.Tensor4D
}

// launchPlan is everything resolved before allocation.
type launchPlan struct {
	cfg     tuning.Config
	policy  tile.Policy
	backend transport.Backend
}

func (o *Orchestrator) plan(seqLen, headDim int, causal bool, dtype device.DType) (launchPlan, error) {
	cfg := o.opts.Policy.Select(seqLen, headDim, causal)
	if o.opts.Parallelism > 0 {
		cfg.Parallelism = o.opts.Parallelism
	}
	if err := cfg.Validate(); err != nil {
		return launchPlan{}, fail("config", fmt.Errorf("%w: %w", ErrInvalidConfig, err))
	}
	policy := tile.PolicyFor(dtype)
	if o.opts.Numeric != nil {
		policy = *o.opts.Numeric
	}
	return launchPlan{
		cfg:     cfg,
		policy:  policy,
		backend: transport.WithDepth(o.opts.Transport, cfg.Stages),
	}, nil
}

// Forward computes O = softmax(scale·Q·Kᵀ)·V and the base-2 log-normalizer
// of every query row. When causal is set, row i only attends to keys <= i.
// O has Q's layout and the output element type of Q's numeric policy.
func (o *Orchestrator) Forward(ctx context.Context, q, k, v *device.Tensor4D, scale float32, causal bool) (*device.Tensor4D, *RowStats, error) {
	ctx, span := tracer.Start(ctx, "attention.Forward", trace.WithAttributes(launchAttrs(q, causal)...))
	defer span.End()

	if err := o.checkInputs(q, k, v); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	p, err := o.plan(q.SeqLen(), q.HeadDim(), causal, q.DType)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	if err := o.checkBackend(p.backend, q, k, v); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	out := q.EmptyLike()
	out.DType = p.policy.Output
	stats := NewRowStats(q.BatchHeads(), q.SeqLen())

	fk := &forwardKernel{
		q: q, k: k, v: v, o: out,
		stats:   stats,
		backend: p.backend,
		cfg:     p.cfg,
		policy:  p.policy,
		qkScale: scale * log2e,
		causal:  causal,
	}
	log.Debug().
		Str("shape", fmt.Sprint(q.Shape)).
		Bool("causal", causal).
		Int("block_m", p.cfg.BlockM).
		Int("block_n", p.cfg.BlockN).
		Int("stages", p.cfg.Stages).
		Str("transport", p.backend.Name()).
		Msg("Attention forward")

	if err := launch(ctx, fk.grid(), p.cfg.Parallelism, fk.run); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}
	return out, stats, nil
}

// Backward computes dQ, dK and dV from the forward inputs, the forward output
// out, its row statistics and the upstream gradient dO. All five tensors must
// share shape and strides. Callers pass the unscaled K: the pre-scaled keys
// K·scale·log2(e) are built here, rounded to K's element type. stats.Delta is
// (re)filled in place, so concurrent backward passes must not share stats.
func (o *Orchestrator) Backward(ctx context.Context, q, k, v, out, dO *device.Tensor4D, stats *RowStats, scale float32, causal bool) (*Gradients, error) {
	ctx, span := tracer.Start(ctx, "attention.Backward", trace.WithAttributes(launchAttrs(q, causal)...))
	defer span.End()

	if err := o.checkBackwardInputs(q, k, v, out, dO, stats); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	p, err := o.plan(q.SeqLen(), q.HeadDim(), causal, q.DType)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if out.DType != p.policy.Output {
		err := fail("dtype", fmt.Errorf("%w: o=%s, want %s for %s inputs", ErrDtypeMismatch, out.DType, p.policy.Output, q.DType))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := o.checkBackend(p.backend, q, k, v, out, dO); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	cfg := p.cfg

	if len(stats.Delta) != len(stats.M) {
		stats.Delta = make([]float32, len(stats.M))
	}
	kp := k.Scaled(scale * log2e)
	grads := &Gradients{DQ: q.EmptyLike(), DK: q.EmptyLike(), DV: q.EmptyLike()}
	for _, g := range []*device.Tensor4D{grads.DQ, grads.DK, grads.DV} {
		g.DType = p.policy.Output
	}

	log.Debug().
		Str("shape", fmt.Sprint(q.Shape)).
		Bool("causal", causal).
		Int("block_m1", cfg.BlockM1).
		Int("block_n1", cfg.BlockN1).
		Int("block_m2", cfg.BlockM2).
		Int("block_n2", cfg.BlockN2).
		Str("transport", p.backend.Name()).
		Msg("Attention backward")

	pre := &preprocessKernel{o: out, do: dO, stats: stats, backend: p.backend, block: cfg.PreBlock}
	dkdv := &dkdvKernel{
		q: q, kp: kp, v: v, do: dO, dk: grads.DK, dv: grads.DV,
		stats: stats, backend: p.backend, cfg: cfg, policy: p.policy,
		scale: scale, causal: causal,
	}
	dq := &dqKernel{
		q: q, kp: kp, v: v, do: dO, dq: grads.DQ,
		stats: stats, backend: p.backend, cfg: cfg, policy: p.policy,
		causal: causal,
	}

	for _, step := range []struct {
		g   grid
		run func(unit) error
	}{
		{pre.grid(), pre.run},
		{dkdv.grid(), dkdv.run},
		{dq.grid(), dq.run},
	} {
		if err := launch(ctx, step.g, cfg.Parallelism, step.run); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
	return grads, nil
}

func launchAttrs(q *device.Tensor4D, causal bool) []attribute.KeyValue {
	if q == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Int("batch", q.Batch()),
		attribute.Int("heads", q.Heads()),
		attribute.Int("seq_len", q.SeqLen()),
		attribute.Int("head_dim", q.HeadDim()),
		attribute.Bool("causal", causal),
		attribute.String("dtype", q.DType.String()),
	}
}
