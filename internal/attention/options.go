package attention

import (
	"fmt"

	"github.com/23skdu/longbow-flash/internal/tile"
	"github.com/23skdu/longbow-flash/internal/transport"
	"github.com/23skdu/longbow-flash/internal/tuning"
)

// Options configures an Orchestrator.
type Options struct {
	// Policy supplies tile sizes once per launch.
	Policy tuning.Policy
	// Transport moves tiles between tensors and workers.
	Transport transport.Backend
	// Numeric overrides the precision policy derived from the input dtype.
	Numeric *tile.Policy
	// Parallelism, when positive, overrides the policy's worker limit.
	Parallelism int
}

// DefaultOptions uses the memoized static tiling table and direct strided
// tile access.
func DefaultOptions() Options {
	return Options{
		Policy:    tuning.NewCached(tuning.Static{}),
		Transport: transport.Strided{},
	}
}

func (o Options) Validate() error {
	if o.Policy == nil {
		return fmt.Errorf("options: tiling policy is required")
	}
	if o.Transport == nil {
		return fmt.Errorf("options: transport backend is required")
	}
	if o.Parallelism < 0 {
		return fmt.Errorf("options: invalid parallelism %d", o.Parallelism)
	}
	return nil
}
