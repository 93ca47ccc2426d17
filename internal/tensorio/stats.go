package tensorio

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-flash/internal/attention"
	"github.com/fxamacker/cbor/v2"
)

// Checkpoint is a saved forward pass: enough to run the backward pass later
// against the same Q, K, V and O.
type Checkpoint struct {
	Stats  *attention.RowStats
	Scale  float32
	Causal bool
}

type checkpointWire struct {
	BatchHeads int       `cbor:"1,keyasint"`
	SeqLen     int       `cbor:"2,keyasint"`
	Scale      float32   `cbor:"3,keyasint"`
	Causal     bool      `cbor:"4,keyasint"`
	M          []float32 `cbor:"5,keyasint"`
	Delta      []float32 `cbor:"6,keyasint,omitempty"`
}

// WriteCheckpoint encodes c as CBOR.
func WriteCheckpoint(w io.Writer, c Checkpoint) error {
	if c.Stats == nil {
		return fmt.Errorf("checkpoint has no row statistics")
	}
	return cbor.NewEncoder(w).Encode(checkpointWire{
		BatchHeads: c.Stats.BatchHeads,
		SeqLen:     c.Stats.SeqLen,
		Scale:      c.Scale,
		Causal:     c.Causal,
		M:          c.Stats.M,
		Delta:      c.Stats.Delta,
	})
}

// ReadCheckpoint decodes a checkpoint written by WriteCheckpoint.
func ReadCheckpoint(r io.Reader) (Checkpoint, error) {
	var wire checkpointWire
	if err := cbor.NewDecoder(r).Decode(&wire); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	rows := wire.BatchHeads * wire.SeqLen
	if len(wire.M) != rows || (wire.Delta != nil && len(wire.Delta) != rows) {
		return Checkpoint{}, fmt.Errorf("checkpoint statistics do not match %dx%d", wire.BatchHeads, wire.SeqLen)
	}
	return Checkpoint{
		Stats: &attention.RowStats{
			BatchHeads: wire.BatchHeads,
			SeqLen:     wire.SeqLen,
			M:          wire.M,
			Delta:      wire.Delta,
		},
		Scale:  wire.Scale,
		Causal: wire.Causal,
	}, nil
}
