// Package orchestrator sequences the per-round pipeline: dialogue turns,
// labeling, judgement, guidance, and the end-of-run prevention summary. It
// owns the RunState for the lifetime of one run and guards against
// concurrent runs over the same offender/victim pairing.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/events"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
	"github.com/yoonmo01/VP2-sub000/pkg/store"
)

// ErrDuplicateRun is returned when a run for the same offender/victim
// pairing is already in flight.
var ErrDuplicateRun = errors.New("orchestrator: run already in flight for this pairing")

// ErrUnknownSeed is returned when an offender or victim id resolves to
// nothing and no inline seed was supplied.
var ErrUnknownSeed = errors.New("orchestrator: unknown offender or victim id")

// RoundEngine produces one round of dialogue.
type RoundEngine interface {
	AdvanceRound(ctx context.Context, in dialogue.RoundInput) (*dialogue.RoundResult, error)
}

// EngineFactory builds a round engine wired to a per-run turn observer.
// maxTurnsPerRole caps each role's turns for the run; zero keeps the
// configured default.
type EngineFactory func(observer dialogue.TurnObserver, maxTurnsPerRole int) RoundEngine

// RoundJudge scores a round.
type RoundJudge interface {
	Judge(ctx context.Context, caseID string, round int, turns []dialogue.Turn) (*judge.Verdict, error)
}

// Labeler annotates victim turns.
type Labeler interface {
	Label(ctx context.Context, turns []dialogue.Turn) ([]dialogue.Turn, error)
}

// GuidanceGenerator produces next-round guidance.
type GuidanceGenerator interface {
	Generate(ctx context.Context, in guidance.Input) (*guidance.Guidance, error)
}

// PreventionFunc writes the single end-of-run prevention summary.
type PreventionFunc func(ctx context.Context, in guidance.PreventionInput) string

// StartRequest describes one run. Inline seeds override store lookups so
// callers can run ad-hoc scenarios without seeding the store first.
type StartRequest struct {
	OffenderID   string                  `json:"offender_id"`
	VictimID     string                  `json:"victim_id"`
	ScenarioSeed *dialogue.Scenario      `json:"scenario_seed,omitempty"`
	VictimSeed   *dialogue.VictimProfile `json:"victim_seed,omitempty"`
	RoundLimit   int                     `json:"round_limit,omitempty"`   // clamped to [2,5]
	MaxTurns     int                     `json:"max_turns,omitempty"`     // per role per round
}

// RunResult is what StartRun hands back once the run is over.
type RunResult struct {
	CaseID            string `json:"case_id"`
	RoundsCompleted   int    `json:"rounds_completed"`
	PreventionSummary string `json:"final_prevention_summary"`
}

// RunState is the orchestrator's working memory for one run. Never shared
// across runs; discarded at run end while the persisted history remains.
type RunState struct {
	CaseID    string
	Round     int
	Turns     [][]dialogue.Turn // per round
	Verdicts  []*judge.Verdict
	Guidances []*guidance.Guidance
	Terminal  bool

	lastEndReason dialogue.EndReason
}

// Orchestrator runs the full per-round loop.
type Orchestrator struct {
	cfg        *config.Config
	store      store.Store
	emitter    *events.Emitter
	newEngine  EngineFactory
	judge      RoundJudge
	guide      GuidanceGenerator
	labeler    Labeler
	prevention PreventionFunc

	mu     sync.Mutex
	active map[string]bool
}

// Option configures the Orchestrator.
type Option func(*Orchestrator)

// WithLabeler enables the turn labeling stage.
func WithLabeler(l Labeler) Option {
	return func(o *Orchestrator) { o.labeler = l }
}

// WithPrevention replaces the prevention-summary writer.
func WithPrevention(fn PreventionFunc) Option {
	return func(o *Orchestrator) { o.prevention = fn }
}

// New wires up an orchestrator. engineFactory, roundJudge, and guide are
// required; the labeler is optional.
func New(cfg *config.Config, st store.Store, emitter *events.Emitter,
	engineFactory EngineFactory, roundJudge RoundJudge, guide GuidanceGenerator,
	opts ...Option) *Orchestrator {

	o := &Orchestrator{
		cfg:       cfg,
		store:     st,
		emitter:   emitter,
		newEngine: engineFactory,
		judge:     roundJudge,
		guide:     guide,
		prevention: func(_ context.Context, in guidance.PreventionInput) string {
			return guidance.TemplatedPrevention(in)
		},
		active: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func pairingKey(req StartRequest) string {
	return fmt.Sprintf("%s|%s", req.OffenderID, req.VictimID)
}

// acquire reserves the pairing, failing fast on a duplicate.
func (o *Orchestrator) acquire(req StartRequest) (release func(), err error) {
	key := pairingKey(req)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[key] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRun, key)
	}
	o.active[key] = true
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.active, key)
	}, nil
}

// resolveSeeds turns the request into concrete scenario and victim
// profiles, preferring inline seeds over store lookups.
func (o *Orchestrator) resolveSeeds(ctx context.Context, req StartRequest) (*dialogue.Scenario, *dialogue.VictimProfile, error) {
	scenario := req.ScenarioSeed
	if scenario == nil {
		s, err := o.store.LoadScenario(ctx, req.OffenderID)
		if err != nil {
			return nil, nil, fmt.Errorf("load scenario: %w", err)
		}
		scenario = s
	}
	victim := req.VictimSeed
	if victim == nil {
		v, err := o.store.LoadVictim(ctx, req.VictimID)
		if err != nil {
			return nil, nil, fmt.Errorf("load victim: %w", err)
		}
		victim = v
	}
	if scenario == nil || victim == nil {
		return nil, nil, fmt.Errorf("%w: offender=%q victim=%q", ErrUnknownSeed, req.OffenderID, req.VictimID)
	}
	return scenario, victim, nil
}

// roundLimit resolves and clamps the effective round cap.
func (o *Orchestrator) roundLimit(req StartRequest) int {
	limit := req.RoundLimit
	if limit == 0 {
		limit = o.cfg.RoundLimit
	}
	if limit < 2 {
		limit = 2
	}
	if limit > 5 {
		limit = 5
	}
	return limit
}
