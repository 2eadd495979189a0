package dialogue

import (
	"strings"

	"github.com/yoonmo01/VP2-sub000/pkg/patterns"
)

// The termination grammar. Every naturally-ended round closes with the same
// two-line pair: the attacker trigger phrase followed by the fixed victim
// closing line, whichever side initiated the end. Downstream parsing
// (judgement, transcripts) relies on this closure.
const (
	// AttackerTrigger is the only sanctioned way for the attacker to end
	// a round. Matched case-insensitively as a substring of the line.
	AttackerTrigger = "wrapping up here"

	// VictimClosing is the fixed line appended after the trigger.
	VictimClosing = "Alright, goodbye."
)

// IsAttackerTrigger reports whether an attacker line ends the round.
func IsAttackerTrigger(line string) bool {
	return strings.Contains(patterns.Normalize(line), AttackerTrigger)
}

// VictimWantsOut reports whether a victim's spoken line carries
// termination intent: explicit hang-up/report language, assertive refusal,
// or disinterest. Matching runs on the spoken dialogue only; private
// thoughts never influence termination.
func VictimWantsOut(spokenLine string) bool {
	return patterns.Get().MatchAny(spokenLine,
		patterns.CategoryHangup,
		patterns.CategoryRefusal,
		patterns.CategoryDisinterest,
	) != nil
}
