package attention

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-flash/internal/attention/reference"
	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func getMetricValue(m prometheus.Metric) float64 {
	var metric dto.Metric
	_ = m.Write(&metric)
	if metric.Counter != nil {
		return *metric.Counter.Value
	}
	return 0
}

type shape struct {
	b, h, n, d int
}

func randTensor(rng *rand.Rand, dtype device.DType, layout device.Layout, s shape, std float64) *device.Tensor4D {
	t := device.NewTensor4DWithLayout(dtype, layout, s.b, s.h, s.n, s.d)
	for b := 0; b < s.b; b++ {
		for h := 0; h < s.h; h++ {
			for i := 0; i < s.n; i++ {
				for j := 0; j < s.d; j++ {
					t.Set(b, h, i, j, float32(rng.NormFloat64()*std))
				}
			}
		}
	}
	return t
}

type inputs struct {
	q, k, v, do *device.Tensor4D
}

func newInputs(seed uint64, dtype device.DType, layout device.Layout, s shape) inputs {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	in := inputs{
		q: randTensor(rng, dtype, layout, s, 0.5),
		k: randTensor(rng, dtype, layout, s, 0.5),
		v: randTensor(rng, dtype, layout, s, 0.5),
	}
	outType := dtype
	if dtype == device.Float8E5M2 {
		outType = device.Float16
	}
	in.do = randTensor(rng, outType, layout, s, 1)
	return in
}

// smallTiles forces several tiles and ragged tails on short sequences.
func smallTiles() tuning.Config {
	return tuning.Config{
		BlockM: 32, BlockN: 16,
		BlockM1: 16, BlockN1: 32,
		BlockM2: 32, BlockN2: 16,
		SliceFactor: 2,
		PreBlock:    32,
		Stages:      2,
		Parallelism: 4,
	}
}

func newOrchestrator(t testing.TB, cfg tuning.Config, backend transport.Backend) *Orchestrator {
	t.Helper()
	opts := DefaultOptions()
	opts.Policy = tuning.Fixed(cfg)
	if backend != nil {
		opts.Transport = backend
	}
	o, err := New(opts)
	require.NoError(t, err)
	return o
}

func requireClose(t *testing.T, name string, tol reference.Tolerance, got *device.Tensor4D, want []float64) {
	t.Helper()
	if err := tol.Check(got.ToHost(), want); err != nil {
		t.Fatalf("%s: %v (max abs diff %g)", name, err, reference.MaxAbsDiff(got.ToHost(), want))
	}
}

// rowMass reconstructs sum_j 2^(scaled score - M) for one query row.
func rowMass(q, k *device.Tensor4D, stats *RowStats, bh, row int, scale float64, causal bool) float64 {
	qr := q.Row(bh, row)
	hi := k.SeqLen()
	if causal {
		hi = row + 1
	}
	m := float64(stats.M[bh*q.SeqLen()+row])
	var sum float64
	for j := 0; j < hi; j++ {
		kr := k.Row(bh, j)
		var s float64
		for d := range qr {
			s += float64(qr[d]) * float64(kr[d])
		}
		sum += math.Exp2(s*scale/math.Ln2 - m)
	}
	return sum
}
