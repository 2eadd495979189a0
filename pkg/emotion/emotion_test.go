package emotion

import (
	"context"
	"math"
	"testing"

	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

func probsSum(probs []float64) float64 {
	var s float64
	for _, p := range probs {
		s += p
	}
	return s
}

func TestApplyOverride(t *testing.T) {
	cfg := DefaultOverrideConfig()

	cases := []struct {
		name        string
		line        string
		isConvinced int
		wantPred    string
		wantRemap   bool
	}{
		{"hangup cue low conviction", "I'm hanging up and reporting this", 0, Neutral, true},
		{"refusal cue low conviction", "I won't give you my account number", 1, Anger, true},
		{"cue but high conviction", "I'm hanging up and reporting this", 7, Fear, false},
		{"cue but unknown conviction", "I'm hanging up and reporting this", -1, Fear, false},
		{"no cue", "Oh no, what should I do about my account?", 0, Fear, false},
		{"korean report cue", "지금 경찰에 신고할 거예요", 0, Neutral, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ann := &Annotation{
				Pred4:  Fear,
				Probs4: []float64{0.1, 0.7, 0.1, 0.1},
			}
			ApplyOverride(ann, tc.line, tc.isConvinced, cfg)

			if ann.Pred4 != tc.wantPred {
				t.Errorf("pred = %q, want %q", ann.Pred4, tc.wantPred)
			}
			if (ann.Override != nil) != tc.wantRemap {
				t.Errorf("override recorded = %v, want %v", ann.Override != nil, tc.wantRemap)
			}
			if s := probsSum(ann.Probs4); math.Abs(s-1.0) > 1e-9 {
				t.Errorf("probs sum to %f after override", s)
			}
			if err := ann.Validate(); err != nil {
				t.Errorf("annotation invalid after override: %v", err)
			}
		})
	}
}

func TestApplyOverrideSkipsNonFear(t *testing.T) {
	ann := &Annotation{Pred4: Anger, Probs4: []float64{0.1, 0.1, 0.7, 0.1}}
	ApplyOverride(ann, "I'm hanging up", 0, DefaultOverrideConfig())
	if ann.Pred4 != Anger || ann.Override != nil {
		t.Errorf("non-Fear annotation mutated: %+v", ann)
	}
}

func TestAnnotationValidate(t *testing.T) {
	cases := []struct {
		name string
		ann  Annotation
		ok   bool
	}{
		{"valid", Annotation{Pred4: Neutral, Probs4: []float64{0.7, 0.1, 0.1, 0.1}}, true},
		{"bad category", Annotation{Pred4: "Confused", Probs4: []float64{1, 0, 0, 0}}, false},
		{"short vector", Annotation{Pred4: Fear, Probs4: []float64{1, 0}}, false},
		{"bad sum", Annotation{Pred4: Fear, Probs4: []float64{0.5, 0.5, 0.5, 0.5}}, false},
		{"negative prob", Annotation{Pred4: Fear, Probs4: []float64{1.2, -0.2, 0, 0}}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ann.Validate()
			if tc.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

type scriptedChatter struct{ reply string }

func (s scriptedChatter) Chat(ctx context.Context, req llm.Request) (string, error) {
	return s.reply, nil
}

func TestLLMClassifier(t *testing.T) {
	t.Run("clean output", func(t *testing.T) {
		c := NewLLMClassifier(scriptedChatter{
			reply: `{"label": "Anger", "probs": {"Neutral": 0.1, "Fear": 0.2, "Anger": 0.6, "Excitement": 0.1}}`,
		}, "m", 0)
		ann, err := c.Classify(context.Background(), "no way, I refuse")
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if ann.Pred4 != Anger {
			t.Errorf("pred = %q", ann.Pred4)
		}
		if err := ann.Validate(); err != nil {
			t.Errorf("invalid annotation: %v", err)
		}
	})

	t.Run("fenced output with missing probs", func(t *testing.T) {
		c := NewLLMClassifier(scriptedChatter{reply: "```json\n{\"label\": \"Fear\"}\n```"}, "m", 0)
		ann, err := c.Classify(context.Background(), "oh no")
		if err != nil {
			t.Fatalf("Classify: %v", err)
		}
		if ann.Pred4 != Fear {
			t.Errorf("pred = %q", ann.Pred4)
		}
		if err := ann.Validate(); err != nil {
			t.Errorf("invalid annotation: %v", err)
		}
	})

	t.Run("garbage label", func(t *testing.T) {
		c := NewLLMClassifier(scriptedChatter{reply: `{"label": "Melancholy"}`}, "m", 0)
		if _, err := c.Classify(context.Background(), "hm"); err == nil {
			t.Error("expected error for unknown label")
		}
	})
}

func TestCodeMapping(t *testing.T) {
	for _, cat := range Categories4 {
		if Code(cat) == "" {
			t.Errorf("no code for %s", cat)
		}
	}
	if Code("Unknown") != "N" {
		t.Errorf("unknown category should code as N")
	}
}
