package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/events"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
	"github.com/yoonmo01/VP2-sub000/pkg/store"
)

// scriptedEngine replays canned round results and records the bias each
// round received.
type scriptedEngine struct {
	mu       sync.Mutex
	results  []*dialogue.RoundResult
	biases   []*dialogue.AttackerBias
	observer dialogue.TurnObserver
	err      error
}

func (s *scriptedEngine) AdvanceRound(_ context.Context, in dialogue.RoundInput) (*dialogue.RoundResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.biases = append(s.biases, in.Bias)
	i := len(s.biases) - 1
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	res := s.results[i]
	if s.observer != nil {
		for _, t := range res.Turns {
			s.observer(t)
		}
	}
	return res, nil
}

type scriptedJudge struct {
	verdicts []*judge.Verdict
	calls    int
	err      error
}

func (s *scriptedJudge) Judge(_ context.Context, caseID string, round int, _ []dialogue.Turn) (*judge.Verdict, error) {
	if s.err != nil {
		return nil, s.err
	}
	i := s.calls
	if i >= len(s.verdicts) {
		i = len(s.verdicts) - 1
	}
	s.calls++
	v := *s.verdicts[i]
	v.CaseID = caseID
	v.Round = round
	return &v, nil
}

type scriptedGuide struct {
	calls []guidance.Input
	err   error
}

func (s *scriptedGuide) Generate(_ context.Context, in guidance.Input) (*guidance.Guidance, error) {
	s.calls = append(s.calls, in)
	if s.err != nil {
		return nil, s.err
	}
	return &guidance.Guidance{
		CaseID:       in.CaseID,
		Round:        in.Round,
		Stance:       guidance.StanceOffensive,
		StrategyCode: "fear_amplification",
		MethodCode:   "remote_app_install",
		Reasoning:    "escalate",
	}, nil
}

func naturalRound() *dialogue.RoundResult {
	return &dialogue.RoundResult{
		EndedBy: dialogue.EndedByAttacker,
		Turns: []dialogue.Turn{
			{Role: dialogue.RoleAttacker, Index: 0, Text: "This is the fraud desk."},
			{Role: dialogue.RoleVictim, Index: 1, Text: "Which bank?"},
			{Role: dialogue.RoleAttacker, Index: 2, Text: "We are wrapping up here for today."},
			{Role: dialogue.RoleVictim, Index: 3, Text: dialogue.VictimClosing},
		},
	}
}

func cappedRound() *dialogue.RoundResult {
	return &dialogue.RoundResult{
		EndedBy: dialogue.EndedByCap,
		Turns: []dialogue.Turn{
			{Role: dialogue.RoleAttacker, Index: 0, Text: "Your account is flagged."},
			{Role: dialogue.RoleVictim, Index: 1, Text: "I see."},
		},
	}
}

func verdictWith(score int, persisted bool) *judge.Verdict {
	return &judge.Verdict{
		Risk:      judge.Risk{Score: score, Level: judge.LevelForScore(score)},
		Continue:  judge.Continuation{Recommendation: true},
		Persisted: persisted,
	}
}

type fixture struct {
	orch   *Orchestrator
	engine *scriptedEngine
	guide  *scriptedGuide
	bus    *events.Bus
	store  *store.MemoryStore
}

func newFixture(t *testing.T, engine *scriptedEngine, j RoundJudge, g *scriptedGuide, opts ...Option) *fixture {
	t.Helper()
	cfg := config.NewDefaultConfig()
	st := store.NewMemoryStore()
	st.SeedScenario(dialogue.Scenario{ID: "sc-1", Kind: "institution_impersonation",
		Title: "Prosecutor's office", OffenderID: "off-1"})
	st.SeedVictim(dialogue.VictimProfile{ID: "vic-1", Name: "Ms. Park", Persona: "retired teacher"})

	bus := events.NewBus()
	factory := func(observer dialogue.TurnObserver, _ int) RoundEngine {
		engine.observer = observer
		return engine
	}
	o := New(cfg, st, events.NewEmitter(bus, nil), factory, j, g, opts...)
	return &fixture{orch: o, engine: engine, guide: g, bus: bus, store: st}
}

func baseRequest() StartRequest {
	return StartRequest{OffenderID: "off-1", VictimID: "vic-1", RoundLimit: 3}
}

func drainKinds(t *testing.T, bus *events.Bus, runID string) []events.Kind {
	t.Helper()
	evs, _, err := bus.Drain(context.Background(), runID, 0)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	kinds := make([]events.Kind, len(evs))
	for i, ev := range evs {
		kinds[i] = ev.Kind
	}
	return kinds
}

func TestRunStopsAtRoundCap(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 3 {
		t.Errorf("rounds = %d, want 3 (the cap)", res.RoundsCompleted)
	}
	// guidance for rounds 2 and 3 only
	if len(g.calls) != 2 {
		t.Errorf("guidance calls = %d, want 2", len(g.calls))
	}
	if res.PreventionSummary == "" {
		t.Error("missing prevention summary")
	}
}

func TestRunNaturalFinishStops(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound(), naturalRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 2 {
		t.Errorf("rounds = %d, want 2 (natural finish)", res.RoundsCompleted)
	}
}

func TestRoundOneNeverTerminatesTheRun(t *testing.T) {
	// natural end AND critical risk in round 1: the run must still reach
	// round 2
	engine := &scriptedEngine{results: []*dialogue.RoundResult{naturalRound(), naturalRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(90, true)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 2 {
		t.Errorf("rounds = %d, want 2", res.RoundsCompleted)
	}
}

func TestCriticalRiskStops(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true), verdictWith(82, true)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 2 {
		t.Errorf("rounds = %d, want 2 (critical at round 2)", res.RoundsCompleted)
	}
}

func TestGuidanceBiasReachesNextRound(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound(), naturalRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	if engine.biases[0] != nil {
		t.Error("round 1 must run without bias")
	}
	if engine.biases[1] == nil || engine.biases[1].Strategy != "fear_amplification" {
		t.Errorf("round 2 bias = %+v", engine.biases[1])
	}
	if g.calls[0].Round != 2 {
		t.Errorf("guidance requested for round %d, want 2", g.calls[0].Round)
	}

	// guidance record persisted for round 2
	stored, err := f.store.LoadGuidance(context.Background(), res.CaseID, 2)
	if err != nil || stored == nil {
		t.Fatalf("stored guidance: %v, %v", stored, err)
	}
}

func TestUnpersistedVerdictSkipsGuidance(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, false)}}
	g := &scriptedGuide{}
	f := newFixture(t, engine, j, g)

	req := baseRequest()
	req.RoundLimit = 2
	res, err := f.orch.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if len(g.calls) != 0 {
		t.Errorf("guidance calls = %d, want 0 with unpersisted verdicts", len(g.calls))
	}
	if engine.biases[1] != nil {
		t.Error("round 2 must run unbiased when the verdict did not persist")
	}
	for _, kind := range drainKinds(t, f.bus, res.CaseID) {
		if kind == events.KindGuidanceReady {
			t.Error("guidance_ready must not be emitted")
		}
	}
}

func TestGuidanceFailureDoesNotBlockRun(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	g := &scriptedGuide{err: errors.New("guidance model gone")}
	f := newFixture(t, engine, j, g)

	req := baseRequest()
	req.RoundLimit = 2
	res, err := f.orch.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 2 {
		t.Errorf("rounds = %d, want 2", res.RoundsCompleted)
	}
	if engine.biases[1] != nil {
		t.Error("failed guidance should leave round 2 unbiased")
	}
}

func TestDuplicateRunGuard(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	run, err := f.orch.Prepare(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := f.orch.Prepare(context.Background(), baseRequest()); !errors.Is(err, ErrDuplicateRun) {
		t.Fatalf("second Prepare err = %v, want ErrDuplicateRun", err)
	}

	if _, err := f.orch.Execute(context.Background(), run); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	// pairing released after the run
	if _, err := f.orch.Prepare(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Prepare after release: %v", err)
	}
}

func TestUnknownSeedsRejected(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	_, err := f.orch.StartRun(context.Background(), StartRequest{OffenderID: "nope", VictimID: "vic-1"})
	if !errors.Is(err, ErrUnknownSeed) {
		t.Fatalf("err = %v, want ErrUnknownSeed", err)
	}
	// guard must be released after the failed prepare
	if _, err := f.orch.Prepare(context.Background(), StartRequest{OffenderID: "nope", VictimID: "vic-1", ScenarioSeed: &dialogue.Scenario{ID: "x", Title: "inline"}, VictimSeed: &dialogue.VictimProfile{ID: "y"}}); err != nil {
		t.Fatalf("Prepare with inline seeds: %v", err)
	}
}

func TestInlineSeedsBypassStore(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	req := StartRequest{
		OffenderID:   "unseeded-off",
		VictimID:     "unseeded-vic",
		ScenarioSeed: &dialogue.Scenario{ID: "sc-x", Kind: "loan_scam", Title: "Low-interest refinance"},
		VictimSeed:   &dialogue.VictimProfile{ID: "vic-x", Name: "Mr. Lee"},
		RoundLimit:   2,
	}
	if _, err := f.orch.StartRun(context.Background(), req); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
}

func TestEventSequence(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound(), naturalRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	kinds := drainKinds(t, f.bus, res.CaseID)
	want := []events.Kind{
		events.KindRoundStarted,
		events.KindTurnGenerated, events.KindTurnGenerated,
		events.KindVerdictReady,
		events.KindGuidanceReady,
		events.KindRoundStarted,
		events.KindTurnGenerated, events.KindTurnGenerated, events.KindTurnGenerated, events.KindTurnGenerated,
		events.KindVerdictReady,
		events.KindRunFinished,
	}
	if len(kinds) != len(want) {
		t.Fatalf("got %d events %v, want %d", len(kinds), kinds, len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if kinds[len(kinds)-1] != events.KindRunFinished {
		t.Error("run must end with run_finished")
	}
}

func TestJudgeFailureFailsRun(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{err: errors.New("no scorer")}
	f := newFixture(t, engine, j, &scriptedGuide{})

	run, err := f.orch.Prepare(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if _, err := f.orch.Execute(context.Background(), run); err == nil {
		t.Fatal("expected run failure")
	}

	kinds := drainKinds(t, f.bus, run.ID)
	if kinds[len(kinds)-1] != events.KindRunFailed {
		t.Errorf("last event = %s, want run_failed", kinds[len(kinds)-1])
	}
}

func TestCancellationFailsRun(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.orch.StartRun(ctx, baseRequest()); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestRoundLimitClamped(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	f := newFixture(t, engine, j, &scriptedGuide{})

	req := baseRequest()
	req.RoundLimit = 9
	res, err := f.orch.StartRun(context.Background(), req)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if res.RoundsCompleted != 5 {
		t.Errorf("rounds = %d, want 5 (clamped)", res.RoundsCompleted)
	}
}

func TestPreventionSummaryGeneratedOnce(t *testing.T) {
	engine := &scriptedEngine{results: []*dialogue.RoundResult{cappedRound(), naturalRound()}}
	j := &scriptedJudge{verdicts: []*judge.Verdict{verdictWith(30, true)}}
	calls := 0
	f := newFixture(t, engine, j, &scriptedGuide{}, WithPrevention(func(_ context.Context, in guidance.PreventionInput) string {
		calls++
		if !strings.Contains(in.Transcript, "ROUND 1") || !strings.Contains(in.Transcript, "ROUND 2") {
			t.Error("prevention input should carry the full transcript")
		}
		return "stay skeptical"
	}))

	res, err := f.orch.StartRun(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if calls != 1 {
		t.Errorf("prevention calls = %d, want exactly 1", calls)
	}
	if res.PreventionSummary != "stay skeptical" {
		t.Errorf("summary = %q", res.PreventionSummary)
	}
}
