package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/jsonx"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

// Scorer produces the core judgement fields for a round.
type Scorer interface {
	Score(ctx context.Context, turns []dialogue.Turn) (*Verdict, error)
}

// scoreResult is the JSON contract the judge model fills in. Its schema is
// generated and embedded in the prompt.
type scoreResult struct {
	Phishing        bool     `json:"phishing" jsonschema_description:"Whether the caller's attack succeeded against this victim"`
	Evidence        string   `json:"evidence" jsonschema_description:"Transcript quotes supporting the judgement"`
	RiskScore       int      `json:"risk_score" jsonschema:"minimum=0,maximum=100" jsonschema_description:"Victim exposure, 0 to 100"`
	Vulnerabilities []string `json:"vulnerabilities" jsonschema_description:"Victim weaknesses the caller exploited"`
	Continue        bool     `json:"continue" jsonschema_description:"Whether another round is worth running"`
	Reason          string   `json:"reason" jsonschema_description:"One sentence justifying the continue decision"`
}

const judgeSystemPrompt = `You are evaluating a simulated voice-phishing call between a scam caller and a potential victim. Judge the transcript below.

Respond with a single JSON object matching this schema, nothing else:

%s`

// LLMScorer asks a judge model to evaluate the round.
type LLMScorer struct {
	chatter llm.Chatter
	model   string
	budget  int
	schema  string
}

// NewLLMScorer builds a scorer around the given judge model.
func NewLLMScorer(chatter llm.Chatter, model string, retryBudget int) *LLMScorer {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema, err := json.MarshalIndent(reflector.Reflect(&scoreResult{}), "", "  ")
	if err != nil {
		schema = []byte("{}")
	}
	return &LLMScorer{chatter: chatter, model: model, budget: retryBudget, schema: string(schema)}
}

// Score runs the judge model over the transcript and normalizes its output.
func (s *LLMScorer) Score(ctx context.Context, turns []dialogue.Turn) (*Verdict, error) {
	req := llm.Request{
		Model: s.model,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(judgeSystemPrompt, s.schema)},
			{Role: "user", Content: RenderTranscript(turns)},
		},
		Temperature: 0.2,
	}
	content, err := llm.WithRetry(ctx, s.chatter, req, s.budget)
	if err != nil {
		return nil, fmt.Errorf("judge model: %w", err)
	}

	var res scoreResult
	if _, err := jsonx.Decode(content, &res); err != nil {
		return nil, fmt.Errorf("judge response unusable: %w", err)
	}

	return &Verdict{
		Phishing:        res.Phishing,
		Evidence:        res.Evidence,
		Risk:            Risk{Score: res.RiskScore},
		Vulnerabilities: res.Vulnerabilities,
		Continue:        Continuation{Recommendation: res.Continue, Reason: res.Reason},
	}, nil
}

// RenderTranscript lays out the round for the judge, victim private state
// included. The judge sees everything; only the attacker is blinded.
func RenderTranscript(turns []dialogue.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		switch t.Role {
		case dialogue.RoleAttacker:
			fmt.Fprintf(&b, "[%d] CALLER: %s\n", t.Index, t.Text)
		case dialogue.RoleVictim:
			fmt.Fprintf(&b, "[%d] VICTIM: %s\n", t.Index, t.Text)
			if t.Victim != nil {
				fmt.Fprintf(&b, "      convinced=%d thoughts=%q\n", t.Victim.IsConvinced, t.Victim.Thoughts)
			}
			if t.Emotion != nil {
				fmt.Fprintf(&b, "      emotion=%s (%s)\n", t.Emotion.Pred4, emotion.Code(t.Emotion.Pred4))
			}
			if t.HiddenState != nil && len(t.HiddenState.Path) > 0 {
				fmt.Fprintf(&b, "      engagement=%s\n", t.HiddenState.Path[len(t.HiddenState.Path)-1])
			}
		}
	}
	return b.String()
}
