package guidance

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/yoonmo01/VP2-sub000/pkg/judge"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

const preventionPrompt = `You write personalized voice-phishing prevention advice. Below is the full history of a simulated scam call run against one victim profile: every round's transcript, verdict, and the strategy guidance that drove it.

Write a short prevention briefing for this specific victim: which tactics got traction on them, which moments they should have hung up at, and two or three concrete habits that would have stopped the call. Plain text, no JSON.`

// PreventionInput is the accumulated history a summary is written from.
type PreventionInput struct {
	CaseID     string
	Transcript string // all rounds, rendered
	Verdicts   []*judge.Verdict
	Guidances  []*Guidance
}

// GeneratePrevention produces the single end-of-run prevention summary.
// Model failure degrades to a templated summary built from the verdicts;
// the run always ends with something to show.
func GeneratePrevention(ctx context.Context, chatter llm.Chatter, model string, budget int, in PreventionInput) string {
	content, err := llm.WithRetry(ctx, chatter, llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: preventionPrompt},
			{Role: "user", Content: renderHistory(in)},
		},
		Temperature: 0.5,
	}, budget)
	if err == nil {
		if s := strings.TrimSpace(content); s != "" {
			return s
		}
	}
	log.Printf("[GUIDE] case=%s prevention model failed, using template: %v", in.CaseID, err)
	return TemplatedPrevention(in)
}

func renderHistory(in PreventionInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CASE: %s\n\nTRANSCRIPT:\n%s\n", in.CaseID, in.Transcript)
	for _, v := range in.Verdicts {
		fmt.Fprintf(&b, "\nROUND %d VERDICT: phishing=%v risk=%d(%s)\n  evidence: %s\n",
			v.Round, v.Phishing, v.Risk.Score, v.Risk.Level, v.Evidence)
	}
	for _, g := range in.Guidances {
		fmt.Fprintf(&b, "\nROUND %d GUIDANCE: strategy=%s method=%s stance=%s\n",
			g.Round, g.StrategyCode, g.MethodCode, g.Stance)
	}
	return b.String()
}

// TemplatedPrevention is the offline fallback summary.
func TemplatedPrevention(in PreventionInput) string {
	var b strings.Builder
	b.WriteString("Prevention summary (automated):\n")

	peak := 0
	succeeded := false
	vulns := make(map[string]bool)
	for _, v := range in.Verdicts {
		if v.Risk.Score > peak {
			peak = v.Risk.Score
		}
		if v.Phishing {
			succeeded = true
		}
		for _, vu := range v.Vulnerabilities {
			vulns[vu] = true
		}
	}

	if succeeded {
		fmt.Fprintf(&b, "- The simulated caller succeeded; peak risk score %d/100.\n", peak)
	} else {
		fmt.Fprintf(&b, "- The simulated caller did not succeed; peak risk score %d/100.\n", peak)
	}
	for vu := range vulns {
		fmt.Fprintf(&b, "- Exploited weakness: %s.\n", vu)
	}
	b.WriteString("- Hang up and call the institution back on its published number before acting on any request.\n")
	b.WriteString("- No legitimate agency directs transfers to a \"safe account\" or asks you to install remote-control apps.\n")
	return b.String()
}
