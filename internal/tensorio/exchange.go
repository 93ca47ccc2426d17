package tensorio

import (
	"fmt"
	"strconv"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/23skdu/longbow-flash/internal/device"
)

// Operation names carried in the "op" metadata key of an exchange.
const (
	OpForward  = "attention.forward"
	OpBackward = "attention.backward"
)

const (
	metaOp     = "op"
	metaScale  = "scale"
	metaCausal = "causal"
)

// Request is one remote attention call. Backward requests also carry O, dO
// and the forward row statistics.
type Request struct {
	Op      string
	Q, K, V *device.Tensor4D
	O, DO   *device.Tensor4D
	Stats   *attention.RowStats
	Scale   float32
	Causal  bool
}

// Bundle packs the request for the wire.
func (r Request) Bundle() (*Bundle, error) {
	if r.Q == nil || r.K == nil || r.V == nil {
		return nil, fmt.Errorf("request needs q, k and v")
	}
	b := NewBundle(r.Q.Shape)
	b.Metadata[metaOp] = r.Op
	b.Metadata[metaScale] = strconv.FormatFloat(float64(r.Scale), 'g', -1, 32)
	b.Metadata[metaCausal] = strconv.FormatBool(r.Causal)
	b.Tensors["q"], b.Tensors["k"], b.Tensors["v"] = r.Q, r.K, r.V
	if r.Op == OpBackward {
		if r.O == nil || r.DO == nil || r.Stats == nil {
			return nil, fmt.Errorf("backward request needs o, do and row statistics")
		}
		b.Tensors["o"], b.Tensors["do"] = r.O, r.DO
		b.Vectors["m"] = r.Stats.M
	}
	return b, nil
}

// ParseRequest unpacks a request bundle.
func ParseRequest(b *Bundle) (Request, error) {
	r := Request{Op: b.Metadata[metaOp]}
	if r.Op != OpForward && r.Op != OpBackward {
		return r, fmt.Errorf("%w: unknown op %q", ErrSchema, r.Op)
	}
	scale, err := strconv.ParseFloat(b.Metadata[metaScale], 32)
	if err != nil {
		return r, fmt.Errorf("%w: bad scale: %v", ErrSchema, err)
	}
	r.Scale = float32(scale)
	if r.Causal, err = strconv.ParseBool(b.Metadata[metaCausal]); err != nil {
		return r, fmt.Errorf("%w: bad causal flag: %v", ErrSchema, err)
	}

	need := []string{"q", "k", "v"}
	if r.Op == OpBackward {
		need = append(need, "o", "do")
	}
	for _, name := range need {
		if b.Tensors[name] == nil {
			return r, fmt.Errorf("%w: missing tensor %q", ErrSchema, name)
		}
	}
	r.Q, r.K, r.V = b.Tensors["q"], b.Tensors["k"], b.Tensors["v"]
	if r.Op == OpBackward {
		r.O, r.DO = b.Tensors["o"], b.Tensors["do"]
		m, ok := b.Vectors["m"]
		if !ok {
			return r, fmt.Errorf("%w: missing row statistics", ErrSchema)
		}
		r.Stats = &attention.RowStats{
			BatchHeads: b.Shape[0] * b.Shape[1],
			SeqLen:     b.Shape[2],
			M:          m,
		}
	}
	return r, nil
}

// ForwardBundle packs a forward result.
func ForwardBundle(out *device.Tensor4D, stats *attention.RowStats) *Bundle {
	b := NewBundle(out.Shape)
	b.Tensors["o"] = out
	b.Vectors["m"] = stats.M
	return b
}

// ParseForward unpacks a forward result.
func ParseForward(b *Bundle) (*device.Tensor4D, *attention.RowStats, error) {
	out, m := b.Tensors["o"], b.Vectors["m"]
	if out == nil || m == nil {
		return nil, nil, fmt.Errorf("%w: forward result needs o and m", ErrSchema)
	}
	return out, &attention.RowStats{BatchHeads: b.Shape[0] * b.Shape[1], SeqLen: b.Shape[2], M: m}, nil
}

// BackwardBundle packs a backward result.
func BackwardBundle(g *attention.Gradients) *Bundle {
	b := NewBundle(g.DQ.Shape)
	b.Tensors["dq"], b.Tensors["dk"], b.Tensors["dv"] = g.DQ, g.DK, g.DV
	return b
}

// ParseBackward unpacks a backward result.
func ParseBackward(b *Bundle) (*attention.Gradients, error) {
	g := &attention.Gradients{DQ: b.Tensors["dq"], DK: b.Tensors["dk"], DV: b.Tensors["dv"]}
	if g.DQ == nil || g.DK == nil || g.DV == nil {
		return nil, fmt.Errorf("%w: backward result needs dq, dk and dv", ErrSchema)
	}
	return g, nil
}
