package dialogue

import (
	"fmt"
	"strings"

	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

// Scenario is the attacker-side case context, immutable across rounds.
type Scenario struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"` // e.g. "institution_impersonation"
	Title      string `json:"title"`
	Script     string `json:"script"`      // The attacker's playbook text
	OffenderID string `json:"offender_id"` // Identity key; must not change across rounds
}

// VictimProfile is the victim-side case context, immutable across rounds.
type VictimProfile struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Age             int      `json:"age"`
	Persona         string   `json:"persona"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
}

const attackerSystemTemplate = `You are playing the caller in a simulated voice-phishing training call.
Stay strictly in character. Produce exactly ONE utterance per reply, plain text, no narration.

SCENARIO: %s
PLAYBOOK:
%s

Rules:
- One spoken line per turn, conversational phone register.
- Never break character or mention this is a simulation.
- When you decide the call cannot progress further, say a line containing
  the exact phrase "%s" - this is the only way you may end the call.`

const attackerBiasTemplate = `
ROUND GUIDANCE (apply this round):
- Strategy: %s
- Method: %s
- Rationale: %s
- Expected effect: %s`

const victimSystemTemplate = `You are playing the call recipient in a simulated voice-phishing training call.

PROFILE: %s, age %d.
PERSONA: %s
%s
Respond to each caller utterance with JSON only, exactly this shape:
{"is_convinced": 0-10, "thoughts": "your private reasoning", "dialogue": "the single line you speak aloud"}

- "is_convinced" is how persuaded you are right now (0 = not at all, 10 = fully).
- "thoughts" are private; the caller never hears them.
- "dialogue" is the only thing spoken. One line, in-character, natural phone speech.`

// attackerMessages builds the attacker model's view of the round: the
// scenario playbook plus the transcript with victim spoken lines only.
// Private victim state never crosses this boundary.
func attackerMessages(sc Scenario, bias *AttackerBias, turns []Turn) []llm.Message {
	system := fmt.Sprintf(attackerSystemTemplate, sc.Title, sc.Script, AttackerTrigger)
	if bias != nil {
		system += fmt.Sprintf(attackerBiasTemplate, bias.Strategy, bias.Method, bias.Reasoning, bias.ExpectedEffect)
	}

	msgs := []llm.Message{{Role: "system", Content: system}}
	for _, t := range turns {
		switch t.Role {
		case RoleAttacker:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Text})
		case RoleVictim:
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Text})
		}
	}
	if len(turns) == 0 {
		msgs = append(msgs, llm.Message{Role: "user", Content: "(The phone is answered.)"})
	}
	return msgs
}

// victimMessages builds the victim model's view: profile plus transcript,
// with the victim's own past lines echoed as spoken dialogue only.
func victimMessages(vp VictimProfile, turns []Turn) []llm.Message {
	var vulns string
	if len(vp.Vulnerabilities) > 0 {
		vulns = "KNOWN SUSCEPTIBILITIES: " + strings.Join(vp.Vulnerabilities, "; ") + "\n"
	}
	system := fmt.Sprintf(victimSystemTemplate, vp.Name, vp.Age, vp.Persona, vulns)

	msgs := []llm.Message{{Role: "system", Content: system}}
	for _, t := range turns {
		switch t.Role {
		case RoleAttacker:
			msgs = append(msgs, llm.Message{Role: "user", Content: t.Text})
		case RoleVictim:
			msgs = append(msgs, llm.Message{Role: "assistant", Content: t.Text})
		}
	}
	return msgs
}
