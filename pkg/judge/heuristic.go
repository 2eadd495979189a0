package judge

import (
	"context"
	"fmt"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/engagement"
	"github.com/yoonmo01/VP2-sub000/pkg/patterns"
)

// HeuristicScorer is the offline fallback when no judge model is
// reachable. It weighs conviction trend, emotional arousal, escape cues,
// and the hidden-state trajectory into a coarse risk score.
type HeuristicScorer struct{}

// NewHeuristicScorer returns a scorer that needs no external service.
func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

// Score derives a verdict from observable signals alone.
func (h *HeuristicScorer) Score(_ context.Context, turns []dialogue.Turn) (*Verdict, error) {
	victims := 0
	convinced := 0
	lastConviction := -1
	escaped := false
	arousal := 0.0
	arousalSamples := 0
	var lastState string

	for _, t := range turns {
		if t.Role != dialogue.RoleVictim {
			continue
		}
		victims++
		if t.Victim != nil && t.Victim.IsConvinced >= 0 {
			lastConviction = t.Victim.IsConvinced
			if t.Victim.IsConvinced > 0 {
				convinced++
			}
		}
		if patterns.Get().MatchAny(t.Text, patterns.CategoryHangup, patterns.CategoryRefusal) != nil {
			escaped = true
		}
		if t.Emotion != nil {
			arousal += t.Emotion.Probs4[emotion.Index(emotion.Fear)] + t.Emotion.Probs4[emotion.Index(emotion.Excitement)]
			arousalSamples++
		}
		if t.HiddenState != nil && len(t.HiddenState.Path) > 0 {
			lastState = t.HiddenState.Path[len(t.HiddenState.Path)-1]
		}
	}
	if victims == 0 {
		return nil, fmt.Errorf("heuristic scorer: no victim turns to judge")
	}

	score := 0.0
	score += 50 * float64(convinced) / float64(victims)
	if lastConviction > 0 {
		score += 20
	}
	if arousalSamples > 0 {
		score += 20 * arousal / float64(arousalSamples)
	}
	if lastState == engagement.StateEngaged {
		score += 10
	}
	if escaped {
		score -= 30
	}
	if score < 0 {
		score = 0
	}

	success := lastConviction > 0 && !escaped
	evidence := fmt.Sprintf("%d/%d victim turns convinced; last conviction %d; escape cues: %v",
		convinced, victims, lastConviction, escaped)

	var vulns []string
	if convinced > 0 {
		vulns = append(vulns, "accepted caller's authority framing")
	}
	if arousalSamples > 0 && arousal/float64(arousalSamples) > 0.4 {
		vulns = append(vulns, "decision-making under emotional pressure")
	}

	reason := "victim still reachable"
	cont := !escaped
	if escaped {
		reason = "victim disengaged from the call"
	}

	return &Verdict{
		Phishing:        success,
		Evidence:        evidence,
		Risk:            Risk{Score: int(score)},
		Vulnerabilities: vulns,
		Continue:        Continuation{Recommendation: cont, Reason: reason},
	}, nil
}
