package pipeline

import "github.com/andresmejia3/cranalytics/internal/types"

// Accumulator is the ordered list of crops captured during one run.
// It is not synchronized; the Machine guards it.
type Accumulator struct {
	crops []types.FaceCrop
}

// Append assigns the next ordinal (starting at 1) and stores the crop.
func (a *Accumulator) Append(c types.FaceCrop) types.FaceCrop {
	c.Ordinal = len(a.crops) + 1
	a.crops = append(a.crops, c)
	return c
}

func (a *Accumulator) Reset() {
	a.crops = nil
}

// Snapshot returns a copy safe to hand to another goroutine.
func (a *Accumulator) Snapshot() []types.FaceCrop {
	out := make([]types.FaceCrop, len(a.crops))
	copy(out, a.crops)
	return out
}

func (a *Accumulator) Len() int {
	return len(a.crops)
}
