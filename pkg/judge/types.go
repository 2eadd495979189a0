// Package judge scores a completed round: did the attack land, how risky
// is the victim's trajectory, and should the simulation continue.
package judge

import "fmt"

// RiskLevel buckets a 0-100 risk score.
type RiskLevel string

const (
	LevelLow      RiskLevel = "low"
	LevelMedium   RiskLevel = "medium"
	LevelHigh     RiskLevel = "high"
	LevelCritical RiskLevel = "critical"
)

// Risk is the scored exposure of the victim after a round.
type Risk struct {
	Score int       `json:"score"` // 0-100
	Level RiskLevel `json:"level"`
}

// Continuation is the judge's recommendation for the next round.
type Continuation struct {
	Recommendation bool   `json:"recommendation"`
	Reason         string `json:"reason"`
}

// Verdict is the full judgement for one round of one case.
type Verdict struct {
	CaseID          string       `json:"case_id"`
	Round           int          `json:"round"`
	Phishing        bool         `json:"phishing"`
	Evidence        string       `json:"evidence"`
	Risk            Risk         `json:"risk"`
	Vulnerabilities []string     `json:"vulnerabilities"`
	Continue        Continuation `json:"continue"`

	// Persisted reports whether the verdict survived the write-then-verify
	// round trip. A false value is degraded service, not an error.
	Persisted bool `json:"-"`
}

// LevelForScore derives the bucket for a clamped 0-100 score.
func LevelForScore(score int) RiskLevel {
	switch {
	case score >= 75:
		return LevelCritical
	case score >= 50:
		return LevelHigh
	case score >= 25:
		return LevelMedium
	default:
		return LevelLow
	}
}

// normalize clamps the score, fills a missing level, and derives the
// continue recommendation from the level: critical stops, everything else
// continues, regardless of what the scorer said.
func (v *Verdict) normalize() {
	if v.Risk.Score < 0 {
		v.Risk.Score = 0
	}
	if v.Risk.Score > 100 {
		v.Risk.Score = 100
	}
	switch v.Risk.Level {
	case LevelLow, LevelMedium, LevelHigh, LevelCritical:
	default:
		v.Risk.Level = LevelForScore(v.Risk.Score)
	}
	if v.Risk.Level == LevelCritical {
		if v.Continue.Recommendation {
			v.Continue.Recommendation = false
			if v.Continue.Reason == "" {
				v.Continue.Reason = "risk level critical"
			} else {
				v.Continue.Reason = fmt.Sprintf("risk level critical: %s", v.Continue.Reason)
			}
		}
		return
	}
	v.Continue.Recommendation = true
}
