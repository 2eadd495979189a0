package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/events"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
)

// Run is a prepared but not yet executed run. Its ID doubles as the case
// id and the event-stream key.
type Run struct {
	ID       string
	scenario dialogue.Scenario
	victim   dialogue.VictimProfile
	limit    int
	maxTurns int
	release  func()
}

// Prepare reserves the pairing, resolves seeds, and creates the case.
// Execute must be called exactly once on the returned Run, even on a
// caller-side abort, so the pairing is released.
func (o *Orchestrator) Prepare(ctx context.Context, req StartRequest) (*Run, error) {
	release, err := o.acquire(req)
	if err != nil {
		return nil, err
	}

	scenario, victim, err := o.resolveSeeds(ctx, req)
	if err != nil {
		release()
		return nil, err
	}
	c, err := o.store.CreateCase(ctx, *scenario, *victim)
	if err != nil {
		release()
		return nil, fmt.Errorf("create case: %w", err)
	}

	return &Run{
		ID:       c.ID,
		scenario: *scenario,
		victim:   *victim,
		limit:    o.roundLimit(req),
		maxTurns: req.MaxTurns,
		release:  release,
	}, nil
}

// StartRun is the synchronous entry point: prepare, execute, return.
func (o *Orchestrator) StartRun(ctx context.Context, req StartRequest) (*RunResult, error) {
	run, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, run)
}

// Execute drives the round loop to termination. The run always ends with
// exactly one terminal event: run_finished with the prevention summary, or
// run_failed with the error.
func (o *Orchestrator) Execute(ctx context.Context, run *Run) (*RunResult, error) {
	defer run.release()

	state := &RunState{CaseID: run.ID}
	engine := o.newEngine(func(t dialogue.Turn) {
		o.emitter.Emit(run.ID, events.KindTurnGenerated, state.Round, map[string]any{
			"index": t.Index,
			"role":  string(t.Role),
		})
	}, run.maxTurns)

	var bias *dialogue.AttackerBias
	for round := 1; round <= run.limit && !state.Terminal; round++ {
		if err := ctx.Err(); err != nil {
			return nil, o.fail(run.ID, round, fmt.Errorf("run cancelled: %w", err))
		}
		state.Round = round
		o.emitter.Emit(run.ID, events.KindRoundStarted, round, map[string]any{
			"round_limit": run.limit,
		})

		verdict, err := o.playRound(ctx, run, state, engine, bias)
		if err != nil {
			return nil, o.fail(run.ID, round, err)
		}

		bias = nil
		if o.shouldStop(state, verdict, round, run.limit) {
			state.Terminal = true
			continue
		}
		bias = o.nextBias(ctx, run, state, verdict, round)
	}

	summary := o.prevention(ctx, guidance.PreventionInput{
		CaseID:     run.ID,
		Transcript: o.fullTranscript(state),
		Verdicts:   state.Verdicts,
		Guidances:  state.Guidances,
	})

	o.emitter.Emit(run.ID, events.KindRunFinished, state.Round, map[string]any{
		"rounds_completed": state.Round,
	})
	return &RunResult{
		CaseID:            run.ID,
		RoundsCompleted:   state.Round,
		PreventionSummary: summary,
	}, nil
}

// playRound runs dialogue, labeling, and judgement for one round and
// appends everything to the run state.
func (o *Orchestrator) playRound(ctx context.Context, run *Run, state *RunState, engine RoundEngine, bias *dialogue.AttackerBias) (*judge.Verdict, error) {
	result, err := engine.AdvanceRound(ctx, dialogue.RoundInput{
		CaseID:   run.ID,
		Round:    state.Round,
		Scenario: run.scenario,
		Victim:   run.victim,
		Bias:     bias,
	})
	if err != nil {
		return nil, fmt.Errorf("round %d dialogue: %w", state.Round, err)
	}

	turns := result.Turns
	if o.labeler != nil {
		labeled, err := o.labeler.Label(ctx, turns)
		if err != nil {
			return nil, fmt.Errorf("round %d labeling: %w", state.Round, err)
		}
		turns = labeled
		o.emitter.Emit(run.ID, events.KindTurnsLabeled, state.Round, map[string]any{
			"turns": len(turns),
		})
	}
	state.Turns = append(state.Turns, turns)

	verdict, err := o.judge.Judge(ctx, run.ID, state.Round, turns)
	if err != nil {
		return nil, fmt.Errorf("round %d judgement: %w", state.Round, err)
	}
	state.Verdicts = append(state.Verdicts, verdict)
	o.emitter.Emit(run.ID, events.KindVerdictReady, state.Round, map[string]any{
		"score":     verdict.Risk.Score,
		"level":     string(verdict.Risk.Level),
		"phishing":  verdict.Phishing,
		"persisted": verdict.Persisted,
	})

	// natural round ends come with the two-line closing pair; anything
	// else here is an orchestration bug worth failing loudly on
	if result.Natural() && len(turns) >= 2 {
		closing := turns[len(turns)-1]
		if closing.Role != dialogue.RoleVictim || !strings.Contains(closing.Text, dialogue.VictimClosing) {
			return nil, fmt.Errorf("round %d: natural end without closing pair", state.Round)
		}
	}

	state.lastEndReason = result.EndedBy
	return verdict, nil
}

// shouldStop applies the stop conditions in order: natural finish,
// critical risk, round cap. Round 1 alone never ends the run.
func (o *Orchestrator) shouldStop(state *RunState, verdict *judge.Verdict, round, limit int) bool {
	if round < 2 {
		return false
	}
	if state.lastEndReason == dialogue.EndedByAttacker || state.lastEndReason == dialogue.EndedByVictim {
		return true
	}
	if verdict.Risk.Level == judge.LevelCritical {
		return true
	}
	return round >= limit
}

// nextBias generates and persists guidance for the next round. Guidance is
// attached only when the verdict actually persisted; otherwise the next
// round runs unbiased rather than building on unverified state.
func (o *Orchestrator) nextBias(ctx context.Context, run *Run, state *RunState, verdict *judge.Verdict, round int) *dialogue.AttackerBias {
	if !verdict.Persisted {
		log.Printf("[ORCH] case=%s round=%d verdict not persisted, next round runs without guidance", run.ID, round)
		return nil
	}

	g, err := o.guide.Generate(ctx, guidance.Input{
		CaseID:        run.ID,
		Round:         round + 1,
		ScenarioKind:  run.scenario.Kind,
		ScenarioTitle: run.scenario.Title,
		VictimPersona: run.victim.Persona,
		Verdict:       verdict,
		History:       judge.RenderTranscript(state.Turns[len(state.Turns)-1]),
	})
	if err != nil {
		log.Printf("[ORCH] case=%s round=%d guidance generation failed, next round runs without guidance: %v", run.ID, round, err)
		return nil
	}

	if err := o.store.SaveGuidance(ctx, g); err != nil {
		log.Printf("[ORCH] case=%s round=%d guidance not persisted: %v", run.ID, round, err)
	}
	state.Guidances = append(state.Guidances, g)
	o.emitter.Emit(run.ID, events.KindGuidanceReady, round+1, map[string]any{
		"strategy": g.StrategyCode,
		"method":   g.MethodCode,
		"stance":   string(g.Stance),
		"merged":   g.Merged,
	})

	return &dialogue.AttackerBias{
		Strategy:       g.StrategyCode,
		Method:         g.MethodCode,
		Reasoning:      g.Reasoning,
		ExpectedEffect: g.ExpectedEffect,
	}
}

func (o *Orchestrator) fail(runID string, round int, err error) error {
	o.emitter.Emit(runID, events.KindRunFailed, round, map[string]any{
		"error": err.Error(),
	})
	return err
}

func (o *Orchestrator) fullTranscript(state *RunState) string {
	var b strings.Builder
	for i, turns := range state.Turns {
		fmt.Fprintf(&b, "=== ROUND %d ===\n%s", i+1, judge.RenderTranscript(turns))
	}
	return b.String()
}
