package emotion

import (
	"context"
	"fmt"

	"github.com/yoonmo01/VP2-sub000/pkg/jsonx"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

const classifierPrompt = `You are an emotion classifier for phone-call transcripts.
Classify the speaker's emotional state in the INPUT into exactly one of:
- Neutral: calm, matter-of-fact, procedural
- Fear: anxious, panicked, worried about consequences
- Anger: irritated, assertive refusal, accusatory
- Excitement: eager, hopeful, enthusiastic about an offer

The INPUT may carry a CONTEXT line (the other party's previous utterance or the
speaker's private thoughts). Use it only to disambiguate; classify the INPUT line.

Respond with JSON only:
{"label": "Neutral|Fear|Anger|Excitement", "probs": {"Neutral": 0.0, "Fear": 0.0, "Anger": 0.0, "Excitement": 0.0}}
The four probabilities must sum to 1.`

// LLMClassifier classifies emotions through a chat model. Used when no local
// ONNX model is available.
type LLMClassifier struct {
	chatter llm.Chatter
	model   string
	budget  int
}

// NewLLMClassifier wraps a chat model as an emotion classifier.
func NewLLMClassifier(chatter llm.Chatter, model string, retryBudget int) *LLMClassifier {
	return &LLMClassifier{chatter: chatter, model: model, budget: retryBudget}
}

// Ready reports whether a chat backend is configured.
func (c *LLMClassifier) Ready() bool {
	return c.chatter != nil
}

type llmEmotionResult struct {
	Label string             `json:"label"`
	Probs map[string]float64 `json:"probs"`
}

// Classify asks the model for a 4-way distribution and recovers its output
// through the jsonx chain. A parseable label with an unusable distribution
// degrades into a peaked distribution on the label rather than failing.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (*Annotation, error) {
	if c.chatter == nil {
		return nil, fmt.Errorf("emotion: no chat backend configured")
	}

	out, err := llm.WithRetry(ctx, c.chatter, llm.Request{
		Model:       c.model,
		Temperature: 0.1,
		Messages: []llm.Message{
			{Role: "system", Content: classifierPrompt},
			{Role: "user", Content: "INPUT: " + text},
		},
	}, c.budget)
	if err != nil {
		return nil, err
	}

	var result llmEmotionResult
	if _, err := jsonx.Decode(out, &result); err != nil {
		return nil, fmt.Errorf("emotion: unparseable classifier output: %w", err)
	}
	if Index(result.Label) < 0 {
		return nil, fmt.Errorf("emotion: unknown label %q", result.Label)
	}

	ann := &Annotation{Pred4: result.Label, Probs4: make([]float64, 4)}
	var sum float64
	for cat, p := range result.Probs {
		if i := Index(cat); i >= 0 && p > 0 {
			ann.Probs4[i] = p
			sum += p
		}
	}
	if sum <= 0 {
		// Distribution missing or garbage: peak on the label.
		for i := range ann.Probs4 {
			ann.Probs4[i] = 0.05
		}
		ann.Probs4[Index(result.Label)] = 0.85
	}
	normalize(ann.Probs4)

	// The label wins over the distribution's argmax when they disagree;
	// models are better at the label than at the numbers.
	if Categories4[argmax4(ann.Probs4)] != result.Label {
		ann.Probs4[Index(result.Label)] = ann.Probs4[argmax4(ann.Probs4)] + 0.01
		normalize(ann.Probs4)
	}

	return ann, nil
}
