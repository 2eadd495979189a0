package engagement

import (
	"fmt"
	"math"
)

// emission indices for the four coarse emotion codes.
var emissionIndex = map[string]int{"N": 0, "F": 1, "A": 2, "E": 3}

// HMM is a fixed-topology 3-state hidden Markov model over the 4-symbol
// emotion alphabet. Parameters are row-stochastic; defaults encode the
// working assumptions that anger signals resistance, fear and excitement
// signal engagement with the script, and state changes are sticky.
type HMM struct {
	Initial    [3]float64    // P(state) at the first emission
	Transition [3][3]float64 // Transition[i][j] = P(j | i)
	Emission   [3][4]float64 // Emission[i][k] = P(code k | state i), order N F A E
}

// NewDefaultHMM returns the shipped parameterization.
func NewDefaultHMM() *HMM {
	return &HMM{
		Initial: [3]float64{0.3, 0.5, 0.2},
		Transition: [3][3]float64{
			{0.7, 0.25, 0.05}, // Resistant stays resistant
			{0.2, 0.55, 0.25}, // Hesitant drifts either way
			{0.05, 0.25, 0.7}, // Engaged stays engaged
		},
		Emission: [3][4]float64{
			//  N     F     A     E
			{0.35, 0.05, 0.55, 0.05}, // Resistant: mostly anger / curt neutral
			{0.50, 0.25, 0.15, 0.10}, // Hesitant: neutral probing, some fear
			{0.15, 0.45, 0.05, 0.35}, // Engaged: fear or excitement
		},
	}
}

// Track runs the forward algorithm over the code sequence and returns the
// final posterior plus the Viterbi most-likely path. Unknown codes are
// rejected; an empty sequence is a caller bug.
func (h *HMM) Track(codes []string) (*Summary, error) {
	if len(codes) == 0 {
		return nil, fmt.Errorf("engagement: empty emission sequence")
	}
	obs := make([]int, len(codes))
	for i, c := range codes {
		k, ok := emissionIndex[c]
		if !ok {
			return nil, fmt.Errorf("engagement: unknown emotion code %q at position %d", c, i)
		}
		obs[i] = k
	}

	posterior := h.forward(obs)
	path := h.viterbi(obs)

	names := make([]string, len(path))
	for i, s := range path {
		names[i] = States[s]
	}

	return &Summary{
		States:    States[:],
		Posterior: posterior,
		Path:      names,
	}, nil
}

// forward computes the filtered posterior P(state | all emissions) with
// per-step normalization to avoid underflow.
func (h *HMM) forward(obs []int) []float64 {
	alpha := make([]float64, 3)
	for i := range alpha {
		alpha[i] = h.Initial[i] * h.Emission[i][obs[0]]
	}
	normalizeInPlace(alpha)

	next := make([]float64, 3)
	for t := 1; t < len(obs); t++ {
		for j := range next {
			var acc float64
			for i := range alpha {
				acc += alpha[i] * h.Transition[i][j]
			}
			next[j] = acc * h.Emission[j][obs[t]]
		}
		copy(alpha, next)
		normalizeInPlace(alpha)
	}
	return append([]float64(nil), alpha...)
}

// viterbi computes the most-likely state path in log space.
func (h *HMM) viterbi(obs []int) []int {
	n := len(obs)
	delta := make([][3]float64, n)
	back := make([][3]int, n)

	for i := 0; i < 3; i++ {
		delta[0][i] = safeLog(h.Initial[i]) + safeLog(h.Emission[i][obs[0]])
	}
	for t := 1; t < n; t++ {
		for j := 0; j < 3; j++ {
			bestScore := math.Inf(-1)
			bestPrev := 0
			for i := 0; i < 3; i++ {
				score := delta[t-1][i] + safeLog(h.Transition[i][j])
				if score > bestScore {
					bestScore = score
					bestPrev = i
				}
			}
			delta[t][j] = bestScore + safeLog(h.Emission[j][obs[t]])
			back[t][j] = bestPrev
		}
	}

	path := make([]int, n)
	best := math.Inf(-1)
	for i := 0; i < 3; i++ {
		if delta[n-1][i] > best {
			best = delta[n-1][i]
			path[n-1] = i
		}
	}
	for t := n - 1; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}
	return path
}

func safeLog(x float64) float64 {
	if x <= 0 {
		return math.Inf(-1)
	}
	return math.Log(x)
}

func normalizeInPlace(v []float64) {
	var sum float64
	for _, x := range v {
		sum += x
	}
	if sum <= 0 {
		for i := range v {
			v[i] = 1.0 / float64(len(v))
		}
		return
	}
	for i := range v {
		v[i] /= sum
	}
}
