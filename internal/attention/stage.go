package attention

// stage selects which key positions a forward query tile visits and whether
// the causal mask applies.
type stage int

const (
	// stageFull visits every key without a mask.
	stageFull stage = iota
	// stageOffBand visits keys strictly before the query tile; all of them
	// are visible to every row, so no mask is applied.
	stageOffBand
	// stageDiagonal visits the keys aligned with the query tile and masks
	// future positions.
	stageDiagonal
)

func (s stage) String() string {
	switch s {
	case stageFull:
		return "full"
	case stageOffBand:
		return "off-band"
	case stageDiagonal:
		return "diagonal"
	}
	return "unknown"
}

var (
	nonCausalStages = []stage{stageFull}
	causalStages    = []stage{stageOffBand, stageDiagonal}
)

// stagesFor is the whole state machine: non-causal launches run one full
// stage; causal launches run off-band then diagonal.
func stagesFor(causal bool) []stage {
	if causal {
		return causalStages
	}
	return nonCausalStages
}

func (s stage) masked() bool { return s == stageDiagonal }

// keyRange returns the keys [lo, hi) a query tile [start, end) visits in a
// sequence of n positions.
func (s stage) keyRange(start, end, n int) (lo, hi int) {
	switch s {
	case stageOffBand:
		return 0, start
	case stageDiagonal:
		return start, min(end, n)
	default:
		return 0, n
	}
}
