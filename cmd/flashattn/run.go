package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/attention/reference"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/tensorio"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
)

// Engine runs attention locally or on a remote server.
type Engine interface {
	Forward(ctx context.Context, q, k, v *device.Tensor4D, scale float32, causal bool) (*device.Tensor4D, *attention.RowStats, error)
	Backward(ctx context.Context, q, k, v, out, dO *device.Tensor4D, stats *attention.RowStats, scale float32, causal bool) (*attention.Gradients, error)
}

type runConfig struct {
	engine   Engine
	backward bool
	iters    int

	q, k, v, dO *device.Tensor4D
	scale       float32
	causal      bool
}

func randomTensor(rng *rand.Rand, dtype device.DType, b, h, n, d int, std float64) *device.Tensor4D {
	t := device.NewTensor4D(dtype, b, h, n, d)
	for i := range t.Data {
		t.Data[i] = dtype.Round(float32(rng.NormFloat64() * std))
	}
	return t
}

// prepare loads inputs from -input or draws them from -seed.
func (c *runConfig) prepare() error {
	c.causal = *causal
	if *inputPath != "" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		b, err := tensorio.Read(f, memory.NewGoAllocator())
		if err != nil {
			return err
		}
		c.q, c.k, c.v, c.dO = b.Tensors["q"], b.Tensors["k"], b.Tensors["v"], b.Tensors["do"]
		if c.q == nil || c.k == nil || c.v == nil {
			return fmt.Errorf("%s must hold q, k and v", *inputPath)
		}
		c.scale = softmaxScale(c.q.HeadDim())
		if c.backward && c.dO == nil {
			c.dO = randomTensor(rand.New(rand.NewPCG(*seed, 1)), outputType(c.q.DType), c.q.Batch(), c.q.Heads(), c.q.SeqLen(), c.q.HeadDim(), 1)
		}
		return nil
	}

	dtype, err := device.ParseDType(*dtypeName)
	if err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(*seed, *seed+1))
	c.q = randomTensor(rng, dtype, *batch, *heads, *seqLen, *headDim, 0.5)
	c.k = randomTensor(rng, dtype, *batch, *heads, *seqLen, *headDim, 0.5)
	c.v = randomTensor(rng, dtype, *batch, *heads, *seqLen, *headDim, 0.5)
	c.dO = randomTensor(rng, outputType(dtype), *batch, *heads, *seqLen, *headDim, 1)
	c.scale = softmaxScale(*headDim)
	return nil
}

func outputType(dtype device.DType) device.DType {
	if dtype == device.Float8E5M2 {
		return device.Float16
	}
	return dtype
}

func (c *runConfig) run(ctx context.Context) error {
	start := time.Now()
	out, stats, err := c.engine.Forward(ctx, c.q, c.k, c.v, c.scale, c.causal)
	if err != nil {
		return err
	}
	log.Info().
		Str("shape", fmt.Sprint(c.q.Shape)).
		Str("dtype", c.q.DType.String()).
		Bool("causal", c.causal).
		Dur("elapsed", time.Since(start)).
		Msg("Forward complete")

	result := tensorio.ForwardBundle(out, stats)
	if c.backward {
		start = time.Now()
		grads, err := c.engine.Backward(ctx, c.q, c.k, c.v, out, c.dO, stats, c.scale, c.causal)
		if err != nil {
			return err
		}
		log.Info().Dur("elapsed", time.Since(start)).Msg("Backward complete")
		result.Tensors["dq"], result.Tensors["dk"], result.Tensors["dv"] = grads.DQ, grads.DK, grads.DV
		if len(stats.Delta) == len(stats.M) {
			result.Vectors["delta"] = stats.Delta
		}
	}

	if *outputPath != "" {
		if err := writeBundle(*outputPath, result); err != nil {
			return err
		}
		log.Info().Str("path", *outputPath).Msg("Wrote results")
	}
	if *ckptPath != "" {
		f, err := os.Create(*ckptPath)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := tensorio.WriteCheckpoint(f, tensorio.Checkpoint{Stats: stats, Scale: c.scale, Causal: c.causal}); err != nil {
			return err
		}
		log.Info().Str("path", *ckptPath).Msg("Wrote checkpoint")
	}
	return nil
}

func writeBundle(path string, b *tensorio.Bundle) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := tensorio.Write(f, memory.NewGoAllocator(), b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// verify compares the engine against the float64 reference.
func (c *runConfig) verify(ctx context.Context) error {
	out, stats, err := c.engine.Forward(ctx, c.q, c.k, c.v, c.scale, c.causal)
	if err != nil {
		return err
	}
	tol, err := reference.ToleranceFor(out.DType)
	if err != nil {
		return err
	}

	wantO, _ := reference.Forward(c.q, c.k, c.v, float64(c.scale), c.causal)
	type check struct {
		name string
		got  *device.Tensor4D
		want []float64
	}
	checks := []check{{"o", out, wantO}}

	if c.backward {
		grads, err := c.engine.Backward(ctx, c.q, c.k, c.v, out, c.dO, stats, c.scale, c.causal)
		if err != nil {
			return err
		}
		dq, dk, dv := reference.Backward(c.q, c.k, c.v, c.dO, float64(c.scale), c.causal)
		checks = append(checks, check{"dq", grads.DQ, dq}, check{"dk", grads.DK, dk}, check{"dv", grads.DV, dv})
	}

	failed := 0
	for _, chk := range checks {
		got := chk.got.ToHost()
		err := tol.Check(got, chk.want)
		ev := log.Info()
		if err != nil {
			ev = log.Error().Err(err)
			failed++
		}
		ev.Str("tensor", chk.name).Float64("max_abs_diff", reference.MaxAbsDiff(got, chk.want)).Msg("Verified against reference")
	}
	if failed > 0 {
		return fmt.Errorf("%d tensor(s) outside tolerance %+v", failed, tol)
	}
	return nil
}

// bench times the engine and reports TFLOPS.
func (c *runConfig) bench(ctx context.Context) error {
	out, stats, err := c.engine.Forward(ctx, c.q, c.k, c.v, c.scale, c.causal)
	if err != nil {
		return err
	}

	step := func() error {
		if c.backward {
			_, err := c.engine.Backward(ctx, c.q, c.k, c.v, out, c.dO, stats, c.scale, c.causal)
			return err
		}
		_, _, err := c.engine.Forward(ctx, c.q, c.k, c.v, c.scale, c.causal)
		return err
	}
	if err := step(); err != nil {
		return err
	}

	start := time.Now()
	for i := 0; i < c.iters; i++ {
		if err := step(); err != nil {
			return err
		}
	}
	elapsed := time.Since(start)

	flops := attention.FLOPs(c.q.Batch(), c.q.Heads(), c.q.SeqLen(), c.q.HeadDim(), c.causal, c.backward) * float64(c.iters)
	log.Info().
		Str("shape", fmt.Sprint(c.q.Shape)).
		Str("dtype", c.q.DType.String()).
		Bool("causal", c.causal).
		Bool("backward", c.backward).
		Int("iters", c.iters).
		Dur("elapsed", elapsed).
		Float64("ms_per_iter", elapsed.Seconds()*1e3/float64(max(c.iters, 1))).
		Float64("tflops", attention.TFLOPS(flops, elapsed.Seconds())).
		Msg("Benchmark complete")
	return nil
}
