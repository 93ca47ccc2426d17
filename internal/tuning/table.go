package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry overrides the static choice for launches matching its key. Zero
// fields in the match select any value; zero fields in Config keep the
// fallback's value.
type Entry struct {
	SeqLen  int    `yaml:"seq_len"`
	HeadDim int    `yaml:"head_dim"`
	Causal  *bool  `yaml:"causal"`
	Config  Config `yaml:"config"`
}

// Table is a list of overrides applied in order on top of a fallback policy.
type Table struct {
	Entries  []Entry `yaml:"entries"`
	fallback Policy
}

// LoadTable reads a YAML tuning table from path.
func LoadTable(path string, fallback Policy) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tuning table: %w", err)
	}
	return ParseTable(data, fallback)
}

// ParseTable decodes a YAML tuning table and validates every merged entry.
func ParseTable(data []byte, fallback Policy) (*Table, error) {
	t := &Table{fallback: fallback}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning table: %w", err)
	}
	if t.fallback == nil {
		t.fallback = Static{}
	}
	for i, e := range t.Entries {
		c := merge(t.fallback.Select(e.SeqLen, max(e.HeadDim, 1), e.Causal != nil && *e.Causal), e.Config)
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("tuning entry %d: %w", i, err)
		}
	}
	return t, nil
}

func (t *Table) Select(seqLen, headDim int, causal bool) Config {
	c := t.fallback.Select(seqLen, headDim, causal)
	for _, e := range t.Entries {
		if e.SeqLen != 0 && e.SeqLen != seqLen {
			continue
		}
		if e.HeadDim != 0 && e.HeadDim != headDim {
			continue
		}
		if e.Causal != nil && *e.Causal != causal {
			continue
		}
		return merge(c, e.Config)
	}
	return c
}

func merge(base, over Config) Config {
	pick := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	pick(&base.BlockM, over.BlockM)
	pick(&base.BlockN, over.BlockN)
	pick(&base.BlockM1, over.BlockM1)
	pick(&base.BlockN1, over.BlockN1)
	pick(&base.BlockM2, over.BlockM2)
	pick(&base.BlockN2, over.BlockN2)
	pick(&base.SliceFactor, over.SliceFactor)
	pick(&base.PreBlock, over.PreBlock)
	pick(&base.Stages, over.Stages)
	pick(&base.Parallelism, over.Parallelism)
	return base
}
