// Package emotion classifies victim utterances into a categorical emotion
// distribution. The primary classifier is a local ONNX model driven through
// hugot; an LLM-backed classifier serves as fallback. Both produce the same
// 4-way distribution, optionally enriched with an 8-way fine distribution
// when the underlying model provides one.
package emotion

import (
	"context"
	"fmt"
)

// The 4-way coarse categories, in canonical probability-vector order.
const (
	Neutral    = "Neutral"
	Fear       = "Fear"
	Anger      = "Anger"
	Excitement = "Excitement"
)

// Categories4 is the canonical index order of the 4-way distribution.
var Categories4 = [4]string{Neutral, Fear, Anger, Excitement}

// codes maps categories to the single-letter emission codes consumed by the
// hidden-state tracker.
var codes = map[string]string{
	Neutral:    "N",
	Fear:       "F",
	Anger:      "A",
	Excitement: "E",
}

// Code returns the single-letter emission code for a 4-way category.
func Code(category string) string {
	if c, ok := codes[category]; ok {
		return c
	}
	return "N"
}

// Index returns the canonical index of a 4-way category, or -1.
func Index(category string) int {
	for i, c := range Categories4 {
		if c == category {
			return i
		}
	}
	return -1
}

// Override records a post-classification label correction.
type Override struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// Annotation is the emotion labeling attached to one victim turn.
type Annotation struct {
	Pred4  string    `json:"pred4"`
	Probs4 []float64 `json:"probs4"` // len 4, canonical order, sums to ~1

	// Fine-grained labels when the model supports them. Optional.
	Pred8  string    `json:"pred8,omitempty"`
	Probs8 []float64 `json:"probs8,omitempty"`

	Override *Override `json:"override,omitempty"`
}

// Classifier maps one classifier input (a victim line, possibly paired with
// context) to an emotion distribution.
type Classifier interface {
	Classify(ctx context.Context, text string) (*Annotation, error)

	// Ready reports whether the classifier backend is initialized. Callers
	// skip classifiers that never became ready rather than erroring.
	Ready() bool
}

// Validate checks the structural invariants of an annotation: known
// category, 4-way vector of the right length summing to ~1.
func (a *Annotation) Validate() error {
	if Index(a.Pred4) < 0 {
		return fmt.Errorf("emotion: unknown category %q", a.Pred4)
	}
	if len(a.Probs4) != 4 {
		return fmt.Errorf("emotion: probs4 length %d, want 4", len(a.Probs4))
	}
	var sum float64
	for _, p := range a.Probs4 {
		if p < 0 {
			return fmt.Errorf("emotion: negative probability %f", p)
		}
		sum += p
	}
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("emotion: probs4 sums to %f", sum)
	}
	return nil
}

// normalize rescales a probability vector to sum to 1 in place. No-op for a
// zero vector.
func normalize(probs []float64) {
	var sum float64
	for _, p := range probs {
		sum += p
	}
	if sum <= 0 {
		return
	}
	for i := range probs {
		probs[i] /= sum
	}
}
