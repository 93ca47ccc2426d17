package attention

import "fmt"

// RowStats holds the per-query-row statistics shared between passes, each
// laid out as (batch*heads, seqLen).
type RowStats struct {
	BatchHeads int
	SeqLen     int
	// M is the base-2 log-sum-exp of the scaled scores of each row.
	M []float32
	// Delta is rowsum(O * dO), filled by the backward preprocess.
	Delta []float32
}

func NewRowStats(batchHeads, seqLen int) *RowStats {
	return &RowStats{
		BatchHeads: batchHeads,
		SeqLen:     seqLen,
		M:          make([]float32, batchHeads*seqLen),
	}
}

// MRows returns M for count rows of plane bh starting at row.
func (s *RowStats) MRows(bh, row, count int) []float32 {
	off := bh*s.SeqLen + row
	return s.M[off : off+count]
}

// DeltaRows returns Delta for count rows of plane bh starting at row.
func (s *RowStats) DeltaRows(bh, row, count int) []float32 {
	off := bh*s.SeqLen + row
	return s.Delta[off : off+count]
}

func (s *RowStats) String() string {
	return fmt.Sprintf("RowStats(%dx%d)", s.BatchHeads, s.SeqLen)
}
