package attention

import (
	"testing"

	"github.com/23skdu/longbow-flash/internal/device"
	"github.com/stretchr/testify/assert"
)

func TestStageMachine(t *testing.T) {
	assert.Equal(t, []stage{stageFull}, stagesFor(false))
	assert.Equal(t, []stage{stageOffBand, stageDiagonal}, stagesFor(true))
	assert.True(t, stageDiagonal.masked())
	assert.False(t, stageOffBand.masked())
	assert.False(t, stageFull.masked())
	assert.Equal(t, "off-band", stageOffBand.String())

	lo, hi := stageFull.keyRange(64, 128, 200)
	assert.Equal(t, [2]int{0, 200}, [2]int{lo, hi})
	lo, hi = stageOffBand.keyRange(64, 128, 200)
	assert.Equal(t, [2]int{0, 64}, [2]int{lo, hi})
	lo, hi = stageDiagonal.keyRange(192, 256, 200)
	assert.Equal(t, [2]int{192, 200}, [2]int{lo, hi}, "ragged diagonal is clipped")
}

// covered flattens segments into the positions they visit and checks they
// are visited once.
func covered(t *testing.T, segs []segment) (all, masked []int) {
	t.Helper()
	seen := map[int]bool{}
	for _, s := range segs {
		for p := s.start; p < s.start+s.rows; p++ {
			assert.False(t, seen[p], "position %d visited twice", p)
			seen[p] = true
			all = append(all, p)
			if s.masked {
				masked = append(masked, p)
			}
		}
	}
	return all, masked
}

func positions(lo, hi int) []int {
	var out []int
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

func TestForwardKeySegments(t *testing.T) {
	fk := &forwardKernel{q: device.NewTensor4D(device.Float32, 1, 1, 70, 16), cfg: smallTiles(), causal: true}

	all, masked := covered(t, fk.keySegments(32, 64))
	assert.Equal(t, positions(0, 64), all)
	assert.Equal(t, positions(32, 64), masked)

	all, masked = covered(t, fk.keySegments(64, 96))
	assert.Equal(t, positions(0, 70), all)
	assert.Equal(t, positions(64, 70), masked)

	fk.causal = false
	all, masked = covered(t, fk.keySegments(32, 64))
	assert.Equal(t, positions(0, 70), all)
	assert.Empty(t, masked)
}

func TestBackwardSegments(t *testing.T) {
	q := device.NewTensor4D(device.Float32, 1, 1, 70, 16)
	cfg := smallTiles()

	kk := &dkdvKernel{q: q, cfg: cfg, causal: true}
	segs := kk.querySegments(32, 64)
	all, masked := covered(t, segs)
	assert.Equal(t, positions(32, 70), all)
	assert.Equal(t, positions(32, 64), masked)
	for _, s := range segs {
		if s.masked {
			assert.LessOrEqual(t, s.rows, cfg.MaskBlockM1())
		}
	}
	kk.causal = false
	all, masked = covered(t, kk.querySegments(32, 64))
	assert.Equal(t, positions(0, 70), all)
	assert.Empty(t, masked)

	qk := &dqKernel{q: q, cfg: cfg, causal: true}
	segs = qk.keySegments(64, 70)
	all, masked = covered(t, segs)
	assert.ElementsMatch(t, positions(0, 70), all)
	assert.Equal(t, positions(64, 70), masked)
	assert.True(t, segs[0].masked, "diagonal block first")
}

func TestFLOPs(t *testing.T) {
	f := FLOPs(1, 2, 1024, 64, false, false)
	assert.Equal(t, 4*2*1024.0*1024*64, f)
	assert.Equal(t, f/2, FLOPs(1, 2, 1024, 64, true, false))
	assert.Equal(t, f*2.5, FLOPs(1, 2, 1024, 64, false, true))
	assert.InDelta(t, 1.0, TFLOPS(2e12, 2), 1e-12)
	assert.Zero(t, TFLOPS(1, 0))
}
