package attention

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("longbow-flash/attention")

// unit is one cell of a launch grid: a tile of rows starting at start inside
// the plane bh.
type unit struct {
	bh    int
	start int
}

// grid is the static (tiles, batch*heads) launch shape.
type grid struct {
	kernel     string
	batchHeads int
	seqLen     int
	block      int
}

func (g grid) tiles() int { return (g.seqLen + g.block - 1) / g.block }

func (g grid) size() int { return g.tiles() * g.batchHeads }

// launch runs fn once per grid unit on at most parallelism goroutines and
// returns when every unit has finished. The first error cancels dispatch of
// the remaining units.
func launch(ctx context.Context, g grid, parallelism int, fn func(u unit) error) error {
	ctx, span := tracer.Start(ctx, g.kernel)
	defer span.End()
	span.SetAttributes(
		attribute.Int("grid.tiles", g.tiles()),
		attribute.Int("grid.batch_heads", g.batchHeads),
		attribute.Int("grid.block", g.block),
	)

	log.Debug().
		Str("kernel", g.kernel).
		Int("units", g.size()).
		Int("block", g.block).
		Int("parallelism", parallelism).
		Msg("Launching kernel")

	timer := prometheus.NewTimer(kernelDuration.WithLabelValues(g.kernel))
	defer timer.ObserveDuration()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(parallelism)
	completed := workerUnits.WithLabelValues(g.kernel)

dispatch:
	for bh := 0; bh < g.batchHeads; bh++ {
		for start := 0; start < g.seqLen; start += g.block {
			if egCtx.Err() != nil {
				break dispatch
			}
			u := unit{bh: bh, start: start}
			eg.Go(func() error {
				if err := fn(u); err != nil {
					return fmt.Errorf("%s unit bh=%d start=%d: %w", g.kernel, u.bh, u.start, err)
				}
				completed.Inc()
				return nil
			})
		}
	}

	err := eg.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := "transport"
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			reason = "canceled"
		}
		launchFailures.WithLabelValues(reason).Inc()
	}
	return err
}
