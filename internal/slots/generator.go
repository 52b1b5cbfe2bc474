package slots

import (
	"time"

	"slotbook/internal/clock"
	"slotbook/internal/models"
)

// Params describes one slot generation request.
type Params struct {
	Duration time.Duration
	Buffer   time.Duration
	// Step between consecutive candidate starts. Zero means back-to-back:
	// Duration + Buffer.
	Step time.Duration
	Lead time.Duration
	Now  time.Time
}

// Candidates discretizes open intervals into slot starts. Starts sit on the
// step grid anchored at each interval's start. A start is valid when
// start >= interval.Start, start >= Now+Lead and start+Duration+Buffer <= interval.End.
func Candidates(intervals []models.Interval, p Params) []time.Time {
	if p.Duration <= 0 {
		return nil
	}
	step := p.Step
	if step <= 0 {
		step = p.Duration + p.Buffer
	}
	need := p.Duration + p.Buffer
	earliest := p.Now.Add(p.Lead)

	var out []time.Time
	for _, iv := range intervals {
		start := iv.Start
		if start.Before(earliest) {
			// jump to the first grid point not before earliest
			gap := earliest.Sub(start)
			n := gap / step
			if gap%step != 0 {
				n++
			}
			start = start.Add(n * step)
		}
		for ; !start.Add(need).After(iv.End); start = start.Add(step) {
			out = append(out, start)
		}
	}
	return out
}

// Generator produces slot starts relative to the injected clock.
type Generator struct {
	clock clock.Clock
	lead  time.Duration
}

func NewGenerator(clk clock.Clock, lead time.Duration) *Generator {
	return &Generator{clock: clock.OrReal(clk), lead: lead}
}

func (g *Generator) Generate(intervals []models.Interval, duration, buffer, step time.Duration) []time.Time {
	return Candidates(intervals, Params{
		Duration: duration,
		Buffer:   buffer,
		Step:     step,
		Lead:     g.lead,
		Now:      g.clock.Now(),
	})
}
