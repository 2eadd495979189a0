package dialogue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

// scriptedChatter replays canned replies, deciding per call whether the
// attacker or victim prompt is being served by inspecting the system message.
type scriptedChatter struct {
	mu       sync.Mutex
	attacker []string
	victim   []string
	ai, vi   int
	requests []llm.Request
}

func (s *scriptedChatter) Chat(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if strings.Contains(req.Messages[0].Content, "playing the caller") {
		if s.ai >= len(s.attacker) {
			return "", fmt.Errorf("script exhausted for attacker")
		}
		s.ai++
		return s.attacker[s.ai-1], nil
	}
	if s.vi >= len(s.victim) {
		return "", fmt.Errorf("script exhausted for victim")
	}
	s.vi++
	return s.victim[s.vi-1], nil
}

type memorySink struct {
	mu    sync.Mutex
	turns []Turn
	fail  bool
}

func (m *memorySink) PersistTurn(ctx context.Context, caseID string, round int, turn Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return fmt.Errorf("sink unavailable")
	}
	if err := ValidateParity(turn.Index, turn.Role); err != nil {
		return err
	}
	m.turns = append(m.turns, turn)
	return nil
}

func victimJSON(convinced int, thoughts, dialogue string) string {
	return fmt.Sprintf(`{"is_convinced": %d, "thoughts": %q, "dialogue": %q}`, convinced, thoughts, dialogue)
}

func testInput(round int) RoundInput {
	return RoundInput{
		CaseID: "case-1",
		Round:  round,
		Scenario: Scenario{
			ID: "sc-1", Kind: "institution_impersonation",
			Title: "Prosecutor impersonation", Script: "Claim an account was used in fraud.",
		},
		Victim: VictimProfile{ID: "v-1", Name: "Kim", Age: 63, Persona: "Cautious retiree"},
	}
}

func checkAlternation(t *testing.T, turns []Turn) {
	t.Helper()
	for i, turn := range turns {
		if turn.Index != i {
			t.Errorf("turn %d carries index %d", i, turn.Index)
		}
		if turn.Role != RoleForIndex(i) {
			t.Errorf("turn %d role %q violates alternation", i, turn.Role)
		}
	}
}

func TestAdvanceRoundAttackerTrigger(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{
			"This is the district prosecutor's office.",
			"I see. We are wrapping up here, goodbye.",
		},
		victim: []string{
			victimJSON(2, "sounds odd", "Who is this exactly?"),
		},
	}
	sink := &memorySink{}
	e := NewEngine(chat, "m", sink)

	res, err := e.AdvanceRound(context.Background(), testInput(1))
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if res.EndedBy != EndedByAttacker {
		t.Errorf("ended_by = %q, want %q", res.EndedBy, EndedByAttacker)
	}
	checkAlternation(t, res.Turns)

	// Termination-grammar closure: trigger at k implies victim closing at k+1.
	last := res.Turns[len(res.Turns)-1]
	if last.Role != RoleVictim || last.Text != VictimClosing {
		t.Errorf("round must end with the fixed victim closing, got %+v", last)
	}
	prev := res.Turns[len(res.Turns)-2]
	if !IsAttackerTrigger(prev.Text) {
		t.Errorf("turn before closing must carry the trigger, got %q", prev.Text)
	}
	if len(sink.turns) != len(res.Turns) {
		t.Errorf("persisted %d turns, returned %d", len(sink.turns), len(res.Turns))
	}
}

func TestAdvanceRoundVictimTermination(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{
			"This is your bank's security team.",
			"We detected a suspicious transfer.",
			"You must move your funds to a safe account now.",
		},
		victim: []string{
			victimJSON(3, "hm", "Which bank did you say?"),
			victimJSON(1, "this is a scam", "What transfer? I didn't make one."),
			victimJSON(0, "definitely a scam", "I'm hanging up and reporting this"),
		},
	}
	sink := &memorySink{}
	e := NewEngine(chat, "m", sink, WithTurnCaps(15, 15))

	res, err := e.AdvanceRound(context.Background(), testInput(1))
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if res.EndedBy != EndedByVictim {
		t.Errorf("ended_by = %q, want %q", res.EndedBy, EndedByVictim)
	}
	checkAlternation(t, res.Turns)

	// Victim termination line is turn 5; synthesized trigger must be turn 6
	// and the fixed closing turn 7, with no further generated turns.
	if len(res.Turns) != 8 {
		t.Fatalf("expected 8 turns, got %d", len(res.Turns))
	}
	if !IsAttackerTrigger(res.Turns[6].Text) {
		t.Errorf("turn 6 should carry the synthesized trigger, got %q", res.Turns[6].Text)
	}
	if res.Turns[7].Text != VictimClosing {
		t.Errorf("turn 7 should be the fixed closing, got %q", res.Turns[7].Text)
	}
}

func TestAdvanceRoundTurnCap(t *testing.T) {
	var attacker, victim []string
	for i := 0; i < 10; i++ {
		attacker = append(attacker, fmt.Sprintf("Attacker line %d, please listen.", i))
		victim = append(victim, victimJSON(5, "unsure", fmt.Sprintf("Tell me more about item %d.", i)))
	}
	chat := &scriptedChatter{attacker: attacker, victim: victim}
	e := NewEngine(chat, "m", &memorySink{}, WithTurnCaps(3, 3))

	res, err := e.AdvanceRound(context.Background(), testInput(1))
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	if res.EndedBy != EndedByCap {
		t.Errorf("ended_by = %q, want %q", res.EndedBy, EndedByCap)
	}
	if res.Natural() {
		t.Error("cap-ended round must not report a natural finish")
	}
	if len(res.Turns) != 6 {
		t.Errorf("expected 6 turns at cap 3/3, got %d", len(res.Turns))
	}
	checkAlternation(t, res.Turns)
}

func TestAdvanceRoundDropsRound1Guidance(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{"Hello, we are wrapping up here."},
	}
	e := NewEngine(chat, "m", &memorySink{})

	in := testInput(1)
	in.Bias = &AttackerBias{Strategy: "urgency_escalation", Method: "official_document"}

	if _, err := e.AdvanceRound(context.Background(), in); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}

	// Guard must be observable: no guidance effect on the round-1 prompt.
	for _, req := range chat.requests {
		if strings.Contains(req.Messages[0].Content, "urgency_escalation") {
			t.Error("round-1 attacker prompt carries guidance")
		}
	}
}

func TestAdvanceRoundPrivateStateStaysPrivate(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{
			"Your account is at risk.",
			"We are wrapping up here.",
		},
		victim: []string{
			victimJSON(8, "maybe this is real, I am scared", "Oh no, what do I do?"),
		},
	}
	e := NewEngine(chat, "m", &memorySink{})

	if _, err := e.AdvanceRound(context.Background(), testInput(1)); err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}

	for _, req := range chat.requests {
		if !strings.Contains(req.Messages[0].Content, "playing the caller") {
			continue
		}
		for _, m := range req.Messages {
			if strings.Contains(m.Content, "is_convinced") || strings.Contains(m.Content, "maybe this is real") {
				t.Errorf("victim private state leaked into attacker prompt: %q", m.Content)
			}
		}
	}
}

func TestAdvanceRoundMalformedVictimPayload(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{
			"Hello, this is the tax office.",
			"We are wrapping up here.",
		},
		victim: []string{
			"Um, okay, what is this about?", // bare text, no JSON
		},
	}
	e := NewEngine(chat, "m", &memorySink{})

	res, err := e.AdvanceRound(context.Background(), testInput(1))
	if err != nil {
		t.Fatalf("AdvanceRound: %v", err)
	}
	v := res.Turns[1]
	if v.Text != "Um, okay, what is this about?" {
		t.Errorf("bare text should become the spoken line, got %q", v.Text)
	}
	if v.Victim == nil || v.Victim.IsConvinced != -1 {
		t.Errorf("malformed payload should carry unknown conviction, got %+v", v.Victim)
	}
}

func TestAdvanceRoundPersistFailureLeavesPrefix(t *testing.T) {
	chat := &scriptedChatter{
		attacker: []string{"First line.", "Second line."},
		victim:   []string{victimJSON(5, "x", "Go on.")},
	}
	sink := &memorySink{}
	e := NewEngine(chat, "m", sink)

	// Fail persistence from the third turn on.
	wrapped := &failAfterSink{inner: sink, allow: 2}
	e.sink = wrapped

	res, err := e.AdvanceRound(context.Background(), testInput(1))
	if err == nil {
		t.Fatal("expected persistence error")
	}
	if len(res.Turns) != 2 {
		t.Errorf("valid prefix should be 2 turns, got %d", len(res.Turns))
	}
	checkAlternation(t, res.Turns)
}

type failAfterSink struct {
	inner *memorySink
	allow int
	seen  int
}

func (f *failAfterSink) PersistTurn(ctx context.Context, caseID string, round int, turn Turn) error {
	f.seen++
	if f.seen > f.allow {
		return fmt.Errorf("sink unavailable")
	}
	return f.inner.PersistTurn(ctx, caseID, round, turn)
}

func TestValidateParity(t *testing.T) {
	if err := ValidateParity(0, RoleAttacker); err != nil {
		t.Errorf("even index attacker should pass: %v", err)
	}
	if err := ValidateParity(1, RoleVictim); err != nil {
		t.Errorf("odd index victim should pass: %v", err)
	}
	if err := ValidateParity(2, RoleVictim); err == nil {
		t.Error("victim at even index should fail")
	}
	if err := ValidateParity(3, RoleAttacker); err == nil {
		t.Error("attacker at odd index should fail")
	}
}
