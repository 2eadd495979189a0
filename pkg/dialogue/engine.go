package dialogue

import (
	"context"
	"fmt"
	"log"

	"github.com/yoonmo01/VP2-sub000/pkg/llm"
)

// TurnSink persists one turn. The engine hands every turn to the sink
// before generating the next one, so a failure mid-round leaves a valid
// persisted prefix. Implementations must enforce the alternation invariant.
type TurnSink interface {
	PersistTurn(ctx context.Context, caseID string, round int, turn Turn) error
}

// TurnObserver is notified after each turn is persisted. Used by the
// orchestrator for progress events; must not block.
type TurnObserver func(turn Turn)

// RoundInput is the immutable per-round context for AdvanceRound.
type RoundInput struct {
	CaseID   string
	Round    int // 1-based
	Scenario Scenario
	Victim   VictimProfile

	// Bias is nil on round 1 by contract; the engine also guards against
	// a caller that forgets (the guidance is dropped, not applied).
	Bias *AttackerBias
}

// Engine drives one round of alternating attacker/victim turns.
type Engine struct {
	chatter     llm.Chatter
	model       string
	attackerCap int
	victimCap   int
	retryBudget int
	temperature float64
	sink        TurnSink
	observer    TurnObserver
}

// EngineOption is a functional option for configuring the Engine.
type EngineOption func(*Engine)

// WithTurnCaps sets the per-role turn caps for one round.
func WithTurnCaps(attacker, victim int) EngineOption {
	return func(e *Engine) {
		if attacker > 0 {
			e.attackerCap = attacker
		}
		if victim > 0 {
			e.victimCap = victim
		}
	}
}

// WithRetryBudget sets how many times a failed model call is retried.
func WithRetryBudget(n int) EngineOption {
	return func(e *Engine) { e.retryBudget = n }
}

// WithObserver registers a per-turn observer.
func WithObserver(fn TurnObserver) EngineOption {
	return func(e *Engine) { e.observer = fn }
}

// WithTemperature sets the sampling temperature for both roles.
func WithTemperature(t float64) EngineOption {
	return func(e *Engine) { e.temperature = t }
}

// NewEngine creates a turn engine. The sink is required; chatter drives
// both roles with the same model.
func NewEngine(chatter llm.Chatter, model string, sink TurnSink, opts ...EngineOption) *Engine {
	e := &Engine{
		chatter:     chatter,
		model:       model,
		attackerCap: 15,
		victimCap:   15,
		retryBudget: 1,
		temperature: 0.7,
		sink:        sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AdvanceRound runs one full round. Turn 0 is always the attacker; roles
// alternate strictly. The round ends through the termination grammar or a
// turn cap. Returned turns are whatever was generated and persisted, even
// on error, so callers can account for the valid prefix.
func (e *Engine) AdvanceRound(ctx context.Context, in RoundInput) (*RoundResult, error) {
	if in.Round == 1 && in.Bias != nil {
		// Round 1 never receives guidance. Dropping (rather than failing)
		// keeps the guard observable without killing the run.
		log.Printf("[ENGINE] case=%s round=1 guidance dropped (not allowed on first round)", in.CaseID)
		in.Bias = nil
	}

	var turns []Turn
	attackerCount, victimCount := 0, 0

	for {
		// Cancellation is cooperative: observed between turns, never
		// inside a model call.
		if err := ctx.Err(); err != nil {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, err
		}

		if attackerCount >= e.attackerCap || victimCount >= e.victimCap {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, nil
		}

		// Attacker turn (even index).
		raw, err := llm.WithRetry(ctx, e.chatter, llm.Request{
			Model:       e.model,
			Temperature: e.temperature,
			Messages:    attackerMessages(in.Scenario, in.Bias, turns),
		}, e.retryBudget)
		if err != nil {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, fmt.Errorf("attacker turn %d: %w", len(turns), err)
		}
		line, intent := decodeAttacker(raw)
		turn := Turn{Role: RoleAttacker, Index: len(turns), Text: line, Intent: intent}
		if turns, err = e.commit(ctx, in, turns, turn); err != nil {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, err
		}
		attackerCount++

		if IsAttackerTrigger(line) {
			turns, err = e.closeWithVictimLine(ctx, in, turns)
			return &RoundResult{Turns: turns, EndedBy: EndedByAttacker}, err
		}

		if victimCount >= e.victimCap {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, nil
		}

		// Victim turn (odd index).
		raw, err = llm.WithRetry(ctx, e.chatter, llm.Request{
			Model:       e.model,
			Temperature: e.temperature,
			Messages:    victimMessages(in.Victim, turns),
		}, e.retryBudget)
		if err != nil {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, fmt.Errorf("victim turn %d: %w", len(turns), err)
		}
		payload := decodeVictim(raw)
		turn = Turn{Role: RoleVictim, Index: len(turns), Text: payload.Dialogue, Victim: payload}
		if turns, err = e.commit(ctx, in, turns, turn); err != nil {
			return &RoundResult{Turns: turns, EndedBy: EndedByCap}, err
		}
		victimCount++

		if VictimWantsOut(payload.Dialogue) {
			// Synthesize the attacker trigger so every natural end closes
			// with the same two-line pair.
			trigger := Turn{Role: RoleAttacker, Index: len(turns), Text: "Understood, we're " + AttackerTrigger + "."}
			if turns, err = e.commit(ctx, in, turns, trigger); err != nil {
				return &RoundResult{Turns: turns, EndedBy: EndedByVictim}, err
			}
			turns, err = e.closeWithVictimLine(ctx, in, turns)
			return &RoundResult{Turns: turns, EndedBy: EndedByVictim}, err
		}
	}
}

// closeWithVictimLine appends the fixed victim closing line after an
// attacker trigger.
func (e *Engine) closeWithVictimLine(ctx context.Context, in RoundInput, turns []Turn) ([]Turn, error) {
	closing := Turn{
		Role:   RoleVictim,
		Index:  len(turns),
		Text:   VictimClosing,
		Victim: &VictimPayload{IsConvinced: -1, Dialogue: VictimClosing},
	}
	return e.commit(ctx, in, turns, closing)
}

// commit validates parity, persists the turn, then appends and observes it.
func (e *Engine) commit(ctx context.Context, in RoundInput, turns []Turn, turn Turn) ([]Turn, error) {
	if err := ValidateParity(turn.Index, turn.Role); err != nil {
		return turns, err
	}
	if err := e.sink.PersistTurn(ctx, in.CaseID, in.Round, turn); err != nil {
		return turns, fmt.Errorf("persist turn %d: %w", turn.Index, err)
	}
	turns = append(turns, turn)
	if e.observer != nil {
		e.observer(turn)
	}
	return turns, nil
}
