package guidance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
	"github.com/yoonmo01/VP2-sub000/pkg/jsonx"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

// ErrGuidanceOnFirstRound is returned when guidance is requested for round
// 1, which never receives any.
var ErrGuidanceOnFirstRound = errors.New("guidance: round 1 never receives guidance")

// Stance biases the strategy selection for the next round.
type Stance string

const (
	// StanceOffensive pushes harder: the last round did not land.
	StanceOffensive Stance = "offensive"
	// StanceDefensive consolidates: the victim is already convinced.
	StanceDefensive Stance = "defensive"
)

// Guidance is the bias injected into the next round's attacker behavior.
// Exactly one strategy code and one method code, both from the catalog.
type Guidance struct {
	CaseID         string `json:"case_id"`
	Round          int    `json:"round"` // the round this guidance is for
	Stance         Stance `json:"stance"`
	StrategyCode   string `json:"strategy_code"`
	MethodCode     string `json:"method_code"`
	EmotionCode    string `json:"emotion_code"`
	Reasoning      string `json:"reasoning"`
	ExpectedEffect string `json:"expected_effect"`
	Merged         bool   `json:"merged"` // external report folded in
}

// ReportLoader fetches the external analysis report for a case.
// Implementations return "", nil when no report exists.
type ReportLoader interface {
	LoadReport(ctx context.Context, caseID string) (string, error)
}

// Input carries the round context the generator works from.
type Input struct {
	CaseID        string
	Round         int // the upcoming round
	ScenarioKind  string
	ScenarioTitle string
	VictimPersona string
	Verdict       *judge.Verdict
	History       string // rendered transcript of the judged round
}

// Generator produces per-round guidance.
type Generator struct {
	chatter    llm.Chatter
	model      string
	budget     int
	catalogs   *CatalogSet
	reports    ReportLoader
	mergeRound int
	hinter     *Hinter
}

// Option configures the Generator.
type Option func(*Generator)

// WithCatalogs replaces the embedded catalog set.
func WithCatalogs(set *CatalogSet) Option {
	return func(g *Generator) { g.catalogs = set }
}

// WithReportLoader enables the external-report merge pass.
func WithReportLoader(r ReportLoader) Option {
	return func(g *Generator) { g.reports = r }
}

// WithMergeRound sets the round from which the merge pass runs.
func WithMergeRound(round int) Option {
	return func(g *Generator) { g.mergeRound = round }
}

// WithHinter plugs in the optional semantic strategy hinter.
func WithHinter(h *Hinter) Option {
	return func(g *Generator) { g.hinter = h }
}

// WithRetryBudget sets the per-call retry budget.
func WithRetryBudget(budget int) Option {
	return func(g *Generator) { g.budget = budget }
}

// NewGenerator builds a guidance generator around the given model.
func NewGenerator(chatter llm.Chatter, model string, opts ...Option) *Generator {
	g := &Generator{
		chatter:    chatter,
		model:      model,
		budget:     1,
		catalogs:   DefaultCatalogSet(),
		mergeRound: 4,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// generated is the JSON contract the guidance model fills in.
type generated struct {
	StrategyCode   string `json:"strategy_code"`
	MethodCode     string `json:"method_code"`
	EmotionCode    string `json:"emotion_code"`
	Reasoning      string `json:"reasoning"`
	ExpectedEffect string `json:"expected_effect"`
}

// Generate selects next-round guidance. Model trouble never blocks the
// round: anything unusable collapses to the catalog defaults. Only context
// cancellation and a round-1 request are errors.
func (g *Generator) Generate(ctx context.Context, in Input) (*Guidance, error) {
	if in.Round < 2 {
		return nil, ErrGuidanceOnFirstRound
	}
	if in.Verdict == nil {
		return nil, fmt.Errorf("guidance: case=%s round=%d has no verdict to work from", in.CaseID, in.Round)
	}

	catalog := g.catalogs.For(in.ScenarioKind)
	stance := StanceOffensive
	if in.Verdict.Phishing {
		stance = StanceDefensive
	}

	out := &Guidance{CaseID: in.CaseID, Round: in.Round, Stance: stance}
	g.firstPass(ctx, in, catalog, stance, out)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mergePass(ctx, in, catalog, out)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (g *Generator) firstPass(ctx context.Context, in Input, catalog Catalog, stance Stance, out *Guidance) {
	hint := ""
	if g.hinter != nil {
		hint = g.hinter.Hint(ctx, in.Verdict.Evidence)
	}

	content, err := llm.WithRetry(ctx, g.chatter, llm.Request{
		Model: g.model,
		Messages: []llm.Message{
			{Role: "system", Content: selectionPrompt(catalog, stance, hint)},
			{Role: "user", Content: roundContext(in)},
		},
		Temperature: 0.4,
	}, g.budget)
	if err != nil {
		log.Printf("[GUIDE] case=%s round=%d model call failed, using catalog defaults: %v", in.CaseID, in.Round, err)
		applyDefaults(catalog, out)
		return
	}

	var res generated
	if _, err := jsonx.Decode(content, &res); err != nil {
		log.Printf("[GUIDE] case=%s round=%d unusable model output, using catalog defaults: %v", in.CaseID, in.Round, err)
		applyDefaults(catalog, out)
		return
	}
	adopt(catalog, res, out, in)
}

// mergePass folds the external report's techniques into already-generated
// guidance. Schema never changes: still one strategy, one method.
func (g *Generator) mergePass(ctx context.Context, in Input, catalog Catalog, out *Guidance) {
	if g.reports == nil || in.Round < g.mergeRound {
		return
	}
	report, err := g.reports.LoadReport(ctx, in.CaseID)
	if err != nil {
		log.Printf("[GUIDE] case=%s round=%d report lookup failed, merge skipped: %v", in.CaseID, in.Round, err)
		return
	}
	if strings.TrimSpace(report) == "" {
		return
	}

	content, err := llm.WithRetry(ctx, g.chatter, llm.Request{
		Model: g.model,
		Messages: []llm.Message{
			{Role: "system", Content: mergePrompt(catalog)},
			{Role: "user", Content: fmt.Sprintf("CURRENT GUIDANCE:\nstrategy=%s method=%s\nreasoning: %s\n\nEXTERNAL REPORT:\n%s",
				out.StrategyCode, out.MethodCode, out.Reasoning, report)},
		},
		Temperature: 0.4,
	}, g.budget)
	if err != nil {
		log.Printf("[GUIDE] case=%s round=%d merge call failed, keeping first pass: %v", in.CaseID, in.Round, err)
		return
	}

	var res generated
	if _, err := jsonx.Decode(content, &res); err != nil {
		log.Printf("[GUIDE] case=%s round=%d unusable merge output, keeping first pass: %v", in.CaseID, in.Round, err)
		return
	}
	if !catalog.HasStrategy(res.StrategyCode) || !catalog.HasMethod(res.MethodCode) {
		log.Printf("[GUIDE] case=%s round=%d merge wandered off-catalog (%q/%q), keeping first pass",
			in.CaseID, in.Round, res.StrategyCode, res.MethodCode)
		return
	}
	adopt(catalog, res, out, in)
	out.Merged = true
}

// adopt copies model output into the guidance, normalizing any off-catalog
// code to the catalog default.
func adopt(catalog Catalog, res generated, out *Guidance, in Input) {
	out.StrategyCode = res.StrategyCode
	out.MethodCode = res.MethodCode
	if !catalog.HasStrategy(out.StrategyCode) {
		log.Printf("[GUIDE] case=%s round=%d strategy %q not in catalog, defaulting", in.CaseID, in.Round, out.StrategyCode)
		out.StrategyCode = catalog.Strategies[0].Code
	}
	if !catalog.HasMethod(out.MethodCode) {
		log.Printf("[GUIDE] case=%s round=%d method %q not in catalog, defaulting", in.CaseID, in.Round, out.MethodCode)
		out.MethodCode = catalog.Methods[0].Code
	}
	switch res.EmotionCode {
	case "N", "F", "A", "E":
		out.EmotionCode = res.EmotionCode
	default:
		// category names ("Fear") and garbage both fold to a valid code
		out.EmotionCode = emotion.Code(res.EmotionCode)
	}
	out.Reasoning = res.Reasoning
	out.ExpectedEffect = res.ExpectedEffect
}

func applyDefaults(catalog Catalog, out *Guidance) {
	out.StrategyCode = catalog.Strategies[0].Code
	out.MethodCode = catalog.Methods[0].Code
	out.EmotionCode = "N"
	out.Reasoning = "model output unavailable; catalog defaults applied"
	out.ExpectedEffect = "maintain pressure with the baseline approach"
}

func selectionPrompt(catalog Catalog, stance Stance, hint string) string {
	var b strings.Builder
	b.WriteString("You plan the next round of a simulated voice-phishing call used for prevention research.\n\n")
	fmt.Fprintf(&b, "Stance for this round: %s.\n", stance)
	if stance == StanceDefensive {
		b.WriteString("The victim is already convinced; consolidate trust and avoid spooking them.\n")
	} else {
		b.WriteString("The victim is not convinced yet; shift approach to gain ground.\n")
	}
	b.WriteString("\nPick EXACTLY ONE strategy code:\n")
	for _, e := range catalog.Strategies {
		fmt.Fprintf(&b, "- %s: %s\n", e.Code, e.Description)
	}
	b.WriteString("\nPick EXACTLY ONE method code:\n")
	for _, e := range catalog.Methods {
		fmt.Fprintf(&b, "- %s: %s\n", e.Code, e.Description)
	}
	if hint != "" {
		fmt.Fprintf(&b, "\nA similarity search over past rounds suggests: %s\n", hint)
	}
	b.WriteString("\nRespond with one JSON object only:\n" +
		`{"strategy_code": "...", "method_code": "...", "emotion_code": "N|F|A|E", "reasoning": "...", "expected_effect": "..."}`)
	return b.String()
}

func mergePrompt(catalog Catalog) string {
	var b strings.Builder
	b.WriteString("Fold the external report's recommended techniques into the current guidance. " +
		"Keep the same JSON shape and stay inside the catalogs.\n\nStrategy codes: ")
	for i, e := range catalog.Strategies {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Code)
	}
	b.WriteString("\nMethod codes: ")
	for i, e := range catalog.Methods {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(e.Code)
	}
	b.WriteString("\n\nRespond with one JSON object only:\n" +
		`{"strategy_code": "...", "method_code": "...", "emotion_code": "N|F|A|E", "reasoning": "...", "expected_effect": "..."}`)
	return b.String()
}

func roundContext(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SCENARIO: %s (%s)\n", in.ScenarioTitle, in.ScenarioKind)
	if in.VictimPersona != "" {
		fmt.Fprintf(&b, "VICTIM: %s\n", in.VictimPersona)
	}
	fmt.Fprintf(&b, "LAST VERDICT: phishing=%v risk=%d(%s) continue=%v\nEVIDENCE: %s\n",
		in.Verdict.Phishing, in.Verdict.Risk.Score, in.Verdict.Risk.Level,
		in.Verdict.Continue.Recommendation, in.Verdict.Evidence)
	if len(in.Verdict.Vulnerabilities) > 0 {
		fmt.Fprintf(&b, "VULNERABILITIES: %s\n", strings.Join(in.Verdict.Vulnerabilities, "; "))
	}
	if in.History != "" {
		fmt.Fprintf(&b, "\nTRANSCRIPT:\n%s", in.History)
	}
	return b.String()
}
