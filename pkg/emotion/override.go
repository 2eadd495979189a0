package emotion

import (
	"github.com/yoonmo01/VP2-sub000/pkg/patterns"
)

// OverrideConfig tunes the fear-override correction. The base classifiers
// systematically over-predict fear for assertive refusals; the correction
// remaps Fear to Neutral (hang-up/report language) or Anger (refusal and
// procedural pushback) when the victim's self-reported conviction is low.
// Thresholds are tunable, not load-bearing.
type OverrideConfig struct {
	// MaxConviction is the highest is_convinced value at which the
	// correction applies. Default 1.
	MaxConviction int

	// TransferRatio is the share of Fear probability mass moved into the
	// target category. Default 0.8.
	TransferRatio float64
}

// DefaultOverrideConfig returns the shipped thresholds.
func DefaultOverrideConfig() OverrideConfig {
	return OverrideConfig{MaxConviction: 1, TransferRatio: 0.8}
}

// ApplyOverride corrects a Fear top-label in place when the spoken line
// carries termination or refusal cues AND conviction is low. Both conditions
// are required so genuine fear is never masked. isConvinced < 0 means the
// victim payload carried no conviction value; the correction then does not
// apply.
//
// The 4-way vector keeps summing to 1: mass is moved from Fear into the
// target category, not re-minted.
func ApplyOverride(a *Annotation, spokenLine string, isConvinced int, cfg OverrideConfig) {
	if a == nil || a.Pred4 != Fear {
		return
	}
	if isConvinced < 0 || isConvinced > cfg.MaxConviction {
		return
	}

	var target string
	var cue *patterns.Pattern
	if cue = patterns.Get().MatchAny(spokenLine, patterns.CategoryHangup, patterns.CategoryDisinterest); cue != nil {
		target = Neutral
	} else if cue = patterns.Get().MatchAny(spokenLine, patterns.CategoryRefusal); cue != nil {
		target = Anger
	} else {
		return
	}

	ratio := cfg.TransferRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.8
	}

	fi, ti := Index(Fear), Index(target)
	transfer := a.Probs4[fi] * ratio
	a.Probs4[fi] -= transfer
	a.Probs4[ti] += transfer
	normalize(a.Probs4)

	a.Pred4 = target
	a.Override = &Override{From: Fear, To: target, Reason: cue.Name}
}
