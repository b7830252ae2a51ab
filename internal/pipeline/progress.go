package pipeline

import (
	"math"
	"time"
)

// Progress converts playback position into a whole percentage that never
// moves backwards within a run.
type Progress struct {
	percent int
}

// Update folds in a new observation and returns the current percentage.
// An unknown or zero duration reports 0 and leaves the value unchanged.
func (p *Progress) Update(current, duration time.Duration) int {
	if duration <= 0 || current < 0 {
		return p.percent
	}
	ratio := float64(current) / float64(duration)
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return p.percent
	}

	ratio = max(0, min(1, ratio))
	if v := int(math.Round(ratio * 100)); v > p.percent {
		p.percent = v
	}
	return p.percent
}

func (p *Progress) Reset() {
	p.percent = 0
}

func (p *Progress) Percent() int {
	return p.percent
}
