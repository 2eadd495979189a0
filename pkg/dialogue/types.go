// Package dialogue implements the turn engine: the state machine that
// alternates attacker and victim model turns within one round, enforces
// per-role turn caps and applies the termination grammar.
package dialogue

import (
	"fmt"

	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/engagement"
	"github.com/yoonmo01/VP2-sub000/pkg/jsonx"
)

// Role identifies which side authored a turn.
type Role string

const (
	RoleAttacker Role = "attacker"
	RoleVictim   Role = "victim"
)

// RoleForIndex returns the role mandated by the alternation invariant:
// even index attacker, odd index victim.
func RoleForIndex(i int) Role {
	if i%2 == 0 {
		return RoleAttacker
	}
	return RoleVictim
}

// VictimPayload is the structured output of the victim model. Only Dialogue
// is ever spoken; Thoughts and IsConvinced are private state and never cross
// the role boundary.
type VictimPayload struct {
	IsConvinced int    `json:"is_convinced"` // 0..10; -1 when the model output carried no value
	Thoughts    string `json:"thoughts"`
	Dialogue    string `json:"dialogue"`
}

// Turn is one utterance within a round. Immutable once written.
type Turn struct {
	Role  Role   `json:"role"`
	Index int    `json:"index"`
	Text  string `json:"text"` // The spoken line (victim: payload.Dialogue only)

	// Attacker-side auxiliary intent label, when the attacker model
	// reported one. Informational only.
	Intent string `json:"intent,omitempty"`

	// Victim-side private payload. Nil on attacker turns.
	Victim *VictimPayload `json:"victim,omitempty"`

	// Annotations added by the labeling pipeline. Nil until labeled and
	// always nil on attacker turns.
	Emotion     *emotion.Annotation `json:"emotion,omitempty"`
	HiddenState *engagement.Summary `json:"hidden_state,omitempty"`
}

// EndReason records how a round ended.
type EndReason string

const (
	EndedByAttacker EndReason = "attacker" // Attacker emitted the trigger phrase
	EndedByVictim   EndReason = "victim"   // Victim line matched a termination-intent cue
	EndedByCap      EndReason = "cap"      // Turn cap reached on either role
)

// RoundResult is the output of one AdvanceRound call.
type RoundResult struct {
	Turns   []Turn
	EndedBy EndReason
}

// Natural reports whether the round reached a natural close (either side
// ended it through the termination grammar, not the cap).
func (r *RoundResult) Natural() bool {
	return r.EndedBy == EndedByAttacker || r.EndedBy == EndedByVictim
}

// AttackerBias is the per-round strategy bias injected into the attacker
// prompt from round 2 on. A projection of the guidance record; the engine
// never sees the full guidance schema.
type AttackerBias struct {
	Strategy       string
	Method         string
	Reasoning      string
	ExpectedEffect string
}

// attackerPayload is the optional structured form of attacker model output.
type attackerPayload struct {
	Intent   string `json:"intent"`
	Dialogue string `json:"dialogue"`
}

// decodeVictim normalizes the victim model's free-text output into a
// VictimPayload. Structured output is recovered through jsonx; output with
// no recoverable object is treated as a bare spoken line with unknown
// conviction.
func decodeVictim(raw string) *VictimPayload {
	p := &VictimPayload{IsConvinced: -1}
	if _, err := jsonx.Decode(raw, p); err != nil || p.Dialogue == "" {
		return &VictimPayload{IsConvinced: -1, Dialogue: raw}
	}
	if p.IsConvinced < -1 || p.IsConvinced > 10 {
		p.IsConvinced = -1
	}
	return p
}

// decodeAttacker extracts the spoken line and optional intent label from
// attacker model output. Attacker output is usually plain text; a structured
// wrapper is accepted but not required.
func decodeAttacker(raw string) (line, intent string) {
	var p attackerPayload
	if _, err := jsonx.Decode(raw, &p); err == nil && p.Dialogue != "" {
		return p.Dialogue, p.Intent
	}
	return raw, ""
}

// ValidateParity rejects a turn whose role contradicts its index. Callers
// persisting turns rely on this to catch orchestration bugs early.
func ValidateParity(index int, role Role) error {
	if want := RoleForIndex(index); role != want {
		return fmt.Errorf("dialogue: role %q at index %d violates alternation (want %q)", role, index, want)
	}
	return nil
}

// ValidateSequence checks a full turn list: contiguous indices from zero
// and strict role alternation.
func ValidateSequence(turns []Turn) error {
	for i, t := range turns {
		if t.Index != i {
			return fmt.Errorf("dialogue: turn at position %d has index %d", i, t.Index)
		}
		if err := ValidateParity(t.Index, t.Role); err != nil {
			return err
		}
	}
	return nil
}
