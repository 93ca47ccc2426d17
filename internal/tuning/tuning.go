// Package tuning supplies tile sizes to the attention kernels. It does not
// search: the static policy picks from a fixed table, optionally overridden
// from YAML, and results are memoized per launch key.
package tuning

import (
	"fmt"
	"runtime"

	"github.com/23skdu/longbow-flash/internal/cache"
)

// Config is the full set of tiling parameters for one launch.
type Config struct {
	// Forward pass: BlockM query rows per worker, BlockN key rows per step.
	BlockM int `yaml:"block_m"`
	BlockN int `yaml:"block_n"`

	// Backward pass. DKDV workers own BlockN1 keys and step over BlockM1
	// queries; DQ workers own BlockM2 queries and step over BlockN2 keys. The
	// masked diagonal range uses steps divided by SliceFactor.
	BlockM1     int `yaml:"block_m1"`
	BlockN1     int `yaml:"block_n1"`
	BlockM2     int `yaml:"block_m2"`
	BlockN2     int `yaml:"block_n2"`
	SliceFactor int `yaml:"slice_factor"`
	PreBlock    int `yaml:"pre_block"`

	// Stages is the pipeline depth: tiles prefetched ahead of use.
	Stages int `yaml:"stages"`
	// Parallelism bounds concurrently running workers.
	Parallelism int `yaml:"parallelism"`
}

// Policy maps a launch key to tiling parameters. Implementations must be
// pure and safe for concurrent use.
type Policy interface {
	Select(seqLen, headDim int, causal bool) Config
}

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(seqLen, headDim int, causal bool) Config

func (f PolicyFunc) Select(seqLen, headDim int, causal bool) Config {
	return f(seqLen, headDim, causal)
}

// Fixed always returns the same configuration.
func Fixed(c Config) Policy {
	return PolicyFunc(func(int, int, bool) Config { return c })
}

// Validate checks the divisibility relations the kernels rely on.
func (c Config) Validate() error {
	for name, v := range map[string]int{
		"block_m": c.BlockM, "block_n": c.BlockN,
		"block_m1": c.BlockM1, "block_n1": c.BlockN1,
		"block_m2": c.BlockM2, "block_n2": c.BlockN2,
		"slice_factor": c.SliceFactor, "pre_block": c.PreBlock,
		"stages": c.Stages, "parallelism": c.Parallelism,
	} {
		if v <= 0 {
			return fmt.Errorf("invalid %s: %d (must be positive)", name, v)
		}
	}
	if c.BlockM%c.BlockN != 0 {
		return fmt.Errorf("block_m (%d) must be a multiple of block_n (%d)", c.BlockM, c.BlockN)
	}
	if c.BlockM1%c.SliceFactor != 0 || c.BlockN2%c.SliceFactor != 0 {
		return fmt.Errorf("block_m1 (%d) and block_n2 (%d) must be multiples of slice_factor (%d)",
			c.BlockM1, c.BlockN2, c.SliceFactor)
	}
	if c.BlockN1%c.BlockM1 != 0 {
		return fmt.Errorf("block_n1 (%d) must be a multiple of block_m1 (%d)", c.BlockN1, c.BlockM1)
	}
	if c.BlockM2%c.BlockN2 != 0 {
		return fmt.Errorf("block_m2 (%d) must be a multiple of block_n2 (%d)", c.BlockM2, c.BlockN2)
	}
	return nil
}

// MaskBlockM1 is the query step inside the masked DKDV range.
func (c Config) MaskBlockM1() int { return c.BlockM1 / c.SliceFactor }

// MaskBlockN2 is the key step inside the masked DQ range.
func (c Config) MaskBlockN2() int { return c.BlockN2 / c.SliceFactor }

// DefaultBackward holds the backward block constants.
func DefaultBackward() Config {
	return Config{
		BlockM1:     32,
		BlockN1:     128,
		BlockM2:     128,
		BlockN2:     32,
		SliceFactor: 2,
		PreBlock:    128,
	}
}

// Candidate is one point of the forward configuration space.
type Candidate struct {
	BlockM int
	BlockN int
	Stages int
}

// Candidates enumerates the forward configuration space: two row blocks,
// two column blocks and three prefetch depths.
func Candidates() []Candidate {
	var out []Candidate
	for _, bm := range []int{64, 128} {
		for _, bn := range []int{32, 64} {
			for _, s := range []int{3, 4, 7} {
				out = append(out, Candidate{BlockM: bm, BlockN: bn, Stages: s})
			}
		}
	}
	return out
}

// Static picks forward tiles from Candidates by head size and sequence
// length. Block columns never exceed the head dimension.
type Static struct {
	// Parallelism overrides the worker limit; zero means GOMAXPROCS.
	Parallelism int
}

// score ranks a candidate for a launch; lower is better. Short heads on
// long sequences favour tall row blocks, heads under 64 favour narrow key
// blocks, and long causal launches favour deep prefetch.
func score(c Candidate, seqLen, headDim int, causal bool) int {
	wantM := 64
	if headDim <= 64 && seqLen >= 1024 {
		wantM = 128
	}
	wantN := 64
	if headDim < 64 {
		wantN = 32
	}
	wantStages := 4
	if headDim >= 128 {
		wantStages = 3
	}
	if causal && seqLen >= 4096 {
		// Causal launches spend half their steps in skipped tiles; deeper
		// prefetch keeps the diagonal stage fed.
		wantStages = 7
	}

	penalty := 0
	if c.BlockM != wantM {
		penalty += 4
	}
	if c.BlockN != wantN {
		penalty += 2
	}
	if c.Stages != wantStages {
		penalty++
	}
	return penalty
}

func (s Static) pick(seqLen, headDim int, causal bool) Candidate {
	cands := Candidates()
	best := cands[0]
	bestScore := score(best, seqLen, headDim, causal)
	for _, c := range cands[1:] {
		if sc := score(c, seqLen, headDim, causal); sc < bestScore {
			best, bestScore = c, sc
		}
	}
	return best
}

func (s Static) Select(seqLen, headDim int, causal bool) Config {
	c := DefaultBackward()
	best := s.pick(seqLen, headDim, causal)
	c.BlockM, c.BlockN, c.Stages = best.BlockM, best.BlockN, best.Stages
	if c.BlockN > headDim {
		c.BlockN = headDim
	}
	c.Parallelism = s.Parallelism
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.GOMAXPROCS(0)
	}
	return c
}

type key struct {
	seqLen  int
	headDim int
	causal  bool
}

// Cached memoizes another policy per (seqLen, headDim, causal).
type Cached struct {
	inner Policy
	memo  *cache.MapCache[key, Config]
}

func NewCached(inner Policy) *Cached {
	return &Cached{inner: inner, memo: cache.NewMapCache[key, Config]()}
}

func (c *Cached) Select(seqLen, headDim int, causal bool) Config {
	k := key{seqLen, headDim, causal}
	return c.memo.GetOrCompute(k, func() Config {
		return c.inner.Select(seqLen, headDim, causal)
	})
}

// Size returns the number of memoized keys.
func (c *Cached) Size() int { return c.memo.Size() }
