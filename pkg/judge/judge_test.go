package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

type memoryVerdicts struct {
	saved    map[string]*Verdict
	saveErr  error
	loadErr  error
	failures int // fail the first N saves
}

func newMemoryVerdicts() *memoryVerdicts {
	return &memoryVerdicts{saved: make(map[string]*Verdict)}
}

func (m *memoryVerdicts) SaveVerdict(_ context.Context, v *Verdict) error {
	if m.failures > 0 {
		m.failures--
		return errors.New("storage flake")
	}
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *v
	m.saved[fmt.Sprintf("%s/%d", v.CaseID, v.Round)] = &cp
	return nil
}

func (m *memoryVerdicts) LoadVerdict(_ context.Context, caseID string, round int) (*Verdict, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.saved[fmt.Sprintf("%s/%d", caseID, round)], nil
}

type scorerFunc func(ctx context.Context, turns []dialogue.Turn) (*Verdict, error)

func (f scorerFunc) Score(ctx context.Context, turns []dialogue.Turn) (*Verdict, error) {
	return f(ctx, turns)
}

func fixedScorer(v Verdict) Scorer {
	return scorerFunc(func(context.Context, []dialogue.Turn) (*Verdict, error) {
		cp := v
		return &cp, nil
	})
}

func labeledTurns(conviction int, victimLine string) []dialogue.Turn {
	return []dialogue.Turn{
		{Role: dialogue.RoleAttacker, Index: 0, Text: "This is prosecutor Kim. Your account is involved in a case."},
		{Role: dialogue.RoleVictim, Index: 1, Text: victimLine,
			Victim:  &dialogue.VictimPayload{IsConvinced: conviction, Dialogue: victimLine},
			Emotion: &emotion.Annotation{Pred4: emotion.Fear, Probs4: []float64{0.1, 0.6, 0.1, 0.2}}},
	}
}

func TestLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{0, LevelLow}, {24, LevelLow},
		{25, LevelMedium}, {49, LevelMedium},
		{50, LevelHigh}, {74, LevelHigh},
		{75, LevelCritical}, {100, LevelCritical},
	}
	for _, tt := range tests {
		if got := LevelForScore(tt.score); got != tt.want {
			t.Errorf("LevelForScore(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

// A score of 82 must come back critical with a stop recommendation even
// when the scorer said to continue.
func TestJudgeCriticalForcesStop(t *testing.T) {
	store := newMemoryVerdicts()
	e := NewEngine(fixedScorer(Verdict{
		Phishing: true,
		Risk:     Risk{Score: 82},
		Continue: Continuation{Recommendation: true, Reason: "momentum"},
	}), store)

	v, err := e.Judge(context.Background(), "case-1", 2, labeledTurns(1, "Okay, tell me the account number."))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if v.Risk.Level != LevelCritical {
		t.Errorf("level = %s, want critical", v.Risk.Level)
	}
	if v.Continue.Recommendation {
		t.Error("critical risk must force a stop recommendation")
	}
	if !strings.Contains(v.Continue.Reason, "critical") {
		t.Errorf("reason %q should mention critical", v.Continue.Reason)
	}
	if !v.Persisted {
		t.Error("verdict should have persisted")
	}
}

// The recommendation is derived from the level in both directions: a
// scorer that says stop below critical is overridden to continue.
func TestJudgeNonCriticalForcesContinue(t *testing.T) {
	e := NewEngine(fixedScorer(Verdict{
		Phishing: true,
		Risk:     Risk{Score: 60},
		Continue: Continuation{Recommendation: false, Reason: "scorer gave up early"},
	}), newMemoryVerdicts())

	v, err := e.Judge(context.Background(), "case-1", 2, labeledTurns(1, "Okay, tell me the account number."))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if v.Risk.Level != LevelHigh {
		t.Errorf("level = %s, want high", v.Risk.Level)
	}
	if !v.Continue.Recommendation {
		t.Error("non-critical risk must recommend continuing")
	}
}

func TestJudgeClampsScore(t *testing.T) {
	tests := []struct {
		in, want  int
		wantLevel RiskLevel
	}{
		{-10, 0, LevelLow},
		{130, 100, LevelCritical},
		{40, 40, LevelMedium},
	}
	for _, tt := range tests {
		e := NewEngine(fixedScorer(Verdict{Risk: Risk{Score: tt.in}}), newMemoryVerdicts())
		v, err := e.Judge(context.Background(), "case-1", 1, labeledTurns(0, "I'm not sure."))
		if err != nil {
			t.Fatalf("Judge(%d): %v", tt.in, err)
		}
		if v.Risk.Score != tt.want || v.Risk.Level != tt.wantLevel {
			t.Errorf("score %d -> (%d, %s), want (%d, %s)", tt.in, v.Risk.Score, v.Risk.Level, tt.want, tt.wantLevel)
		}
	}
}

func TestJudgeRejectsUnlabeledVictimTurns(t *testing.T) {
	turns := labeledTurns(0, "Hello?")
	turns[1].Emotion = nil
	e := NewEngine(fixedScorer(Verdict{}), newMemoryVerdicts(), WithEmotionRequired(true))
	if _, err := e.Judge(context.Background(), "case-1", 1, turns); err == nil {
		t.Fatal("expected rejection of unlabeled victim turn")
	}
}

func TestJudgeFallbackScorer(t *testing.T) {
	primary := scorerFunc(func(context.Context, []dialogue.Turn) (*Verdict, error) {
		return nil, errors.New("model down")
	})
	e := NewEngine(primary, newMemoryVerdicts(), WithFallbackScorer(NewHeuristicScorer()))

	v, err := e.Judge(context.Background(), "case-1", 1, labeledTurns(1, "Yes, I'll go to the ATM now."))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if !v.Phishing {
		t.Error("convinced victim with no escape cues should read as a successful attack")
	}
	if v.Risk.Score <= 0 {
		t.Errorf("score = %d, want positive", v.Risk.Score)
	}
}

func TestJudgePersistRetriesOnce(t *testing.T) {
	store := newMemoryVerdicts()
	store.failures = 1
	e := NewEngine(fixedScorer(Verdict{Risk: Risk{Score: 30}}), store)

	v, err := e.Judge(context.Background(), "case-1", 1, labeledTurns(0, "Hm."))
	if err != nil {
		t.Fatalf("Judge: %v", err)
	}
	if !v.Persisted {
		t.Error("second save attempt should have succeeded")
	}
}

func TestJudgePersistFailureIsNotAnError(t *testing.T) {
	store := newMemoryVerdicts()
	store.saveErr = errors.New("db gone")
	e := NewEngine(fixedScorer(Verdict{Risk: Risk{Score: 30}}), store)

	v, err := e.Judge(context.Background(), "case-1", 1, labeledTurns(0, "Hm."))
	if err != nil {
		t.Fatalf("persistence failure must not fail the judgement: %v", err)
	}
	if v.Persisted {
		t.Error("Persisted should be false when every save fails")
	}
}

func TestHeuristicScorerEscapeCues(t *testing.T) {
	s := NewHeuristicScorer()
	v, err := s.Score(context.Background(), labeledTurns(0, "I'm hanging up and calling the police."))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if v.Phishing {
		t.Error("escaped victim should not count as a successful attack")
	}
	if v.Continue.Recommendation {
		t.Error("no point continuing after the victim disengaged")
	}
}

func TestHeuristicScorerNoVictims(t *testing.T) {
	s := NewHeuristicScorer()
	if _, err := s.Score(context.Background(), []dialogue.Turn{{Role: dialogue.RoleAttacker, Text: "Hello?"}}); err == nil {
		t.Fatal("expected error with no victim turns")
	}
}

func TestLLMScorerDecodesFencedResponse(t *testing.T) {
	chatter := chatterFunc(func(_ context.Context, req llm.Request) (string, error) {
		if !strings.Contains(req.Messages[0].Content, "risk_score") {
			t.Error("prompt should embed the response schema")
		}
		return "```json\n{\"phishing\": true, \"evidence\": \"victim agreed to transfer\", \"risk_score\": 82, \"vulnerabilities\": [\"authority\"], \"continue\": true, \"reason\": \"still talking\"}\n```", nil
	})
	s := NewLLMScorer(chatter, "judge-model", 0)
	v, err := s.Score(context.Background(), labeledTurns(1, "Okay."))
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if !v.Phishing || v.Risk.Score != 82 {
		t.Errorf("got %+v", v)
	}
}

func TestRenderTranscriptExposesPrivateState(t *testing.T) {
	turns := labeledTurns(1, "Alright.")
	turns[1].Victim.Thoughts = "He sounds official."
	got := RenderTranscript(turns)
	for _, want := range []string{"CALLER:", "VICTIM:", "convinced=1", "He sounds official.", "emotion=" + emotion.Fear} {
		if !strings.Contains(got, want) {
			t.Errorf("transcript missing %q:\n%s", want, got)
		}
	}
}

type chatterFunc func(ctx context.Context, req llm.Request) (string, error)

func (f chatterFunc) Chat(ctx context.Context, req llm.Request) (string, error) { return f(ctx, req) }
