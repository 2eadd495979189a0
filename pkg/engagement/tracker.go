// Package engagement infers latent victim-engagement state from the
// per-turn emotion stream. Emotion codes are treated as emissions of a
// three-state sequence model; the tracker produces a posterior over the
// states and, optionally, a most-likely state path.
//
// The tracker is pluggable. A pipeline constructed without one simply skips
// hidden-state enrichment; absence is not an error condition.
package engagement

import "fmt"

// The three latent engagement states, in canonical posterior order.
const (
	StateResistant = "Resistant" // Pushing back, unlikely to comply
	StateHesitant  = "Hesitant"  // Uncertain, probing, persuadable
	StateEngaged   = "Engaged"   // Following the script, high compliance risk
)

// States is the canonical index order of the posterior vector.
var States = [3]string{StateResistant, StateHesitant, StateEngaged}

// Summary is the tracker's output for one emission sequence.
type Summary struct {
	States    []string  `json:"states"`         // Canonical state names
	Posterior []float64 `json:"posterior"`      // len 3, sums to ~1
	Path      []string  `json:"path,omitempty"` // Per-emission most-likely state
}

// Tracker consumes an ordered sequence of single-letter emotion codes
// (N/F/A/E) for one victim across a case.
type Tracker interface {
	Track(codes []string) (*Summary, error)
}

// Validate checks the structural invariants of a summary.
func (s *Summary) Validate() error {
	if len(s.Posterior) != len(States) {
		return fmt.Errorf("engagement: posterior length %d, want %d", len(s.Posterior), len(States))
	}
	var sum float64
	for _, p := range s.Posterior {
		if p < 0 {
			return fmt.Errorf("engagement: negative posterior %f", p)
		}
		sum += p
	}
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("engagement: posterior sums to %f", sum)
	}
	return nil
}
