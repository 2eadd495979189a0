package judge

import (
	"context"
	"fmt"
	"log"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
)

// VerdictStore persists verdicts. SaveVerdict is an upsert keyed by
// (case, round); LoadVerdict returns nil, nil when absent.
type VerdictStore interface {
	SaveVerdict(ctx context.Context, v *Verdict) error
	LoadVerdict(ctx context.Context, caseID string, round int) (*Verdict, error)
}

// Engine runs the judgement step for a round.
type Engine struct {
	scorer         Scorer
	fallback       Scorer
	store          VerdictStore
	requireEmotion bool
}

// Option configures the Engine.
type Option func(*Engine)

// WithFallbackScorer sets the scorer used when the primary fails.
func WithFallbackScorer(s Scorer) Option {
	return func(e *Engine) { e.fallback = s }
}

// WithEmotionRequired makes the engine reject rounds whose victim turns
// carry no emotion annotation.
func WithEmotionRequired(required bool) Option {
	return func(e *Engine) { e.requireEmotion = required }
}

// NewEngine builds a judgement engine. store may be nil, in which case
// verdicts are returned with Persisted=false.
func NewEngine(scorer Scorer, store VerdictStore, opts ...Option) *Engine {
	e := &Engine{scorer: scorer, store: store}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Judge scores one round and persists the verdict. Persistence failure is
// reported through Verdict.Persisted, not as an error: a usable verdict
// beats a lost round.
func (e *Engine) Judge(ctx context.Context, caseID string, round int, turns []dialogue.Turn) (*Verdict, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("judge: case=%s round=%d has no turns", caseID, round)
	}
	if err := dialogue.ValidateSequence(turns); err != nil {
		return nil, fmt.Errorf("judge: case=%s round=%d: %w", caseID, round, err)
	}
	if e.requireEmotion {
		for _, t := range turns {
			if t.Role == dialogue.RoleVictim && t.Emotion == nil {
				return nil, fmt.Errorf("judge: case=%s round=%d turn=%d lacks emotion labels", caseID, round, t.Index)
			}
		}
	}

	v, err := e.scorer.Score(ctx, turns)
	if err != nil {
		if e.fallback == nil {
			return nil, err
		}
		log.Printf("[JUDGE] case=%s round=%d primary scorer failed, using fallback: %v", caseID, round, err)
		v, err = e.fallback.Score(ctx, turns)
		if err != nil {
			return nil, fmt.Errorf("judge: fallback scorer: %w", err)
		}
	}

	v.CaseID = caseID
	v.Round = round
	v.normalize()
	v.Persisted = e.persist(ctx, v)
	return v, nil
}

// persist writes the verdict and reads it back to confirm the write took,
// retrying the full cycle once.
func (e *Engine) persist(ctx context.Context, v *Verdict) bool {
	if e.store == nil {
		return false
	}
	for attempt := 0; attempt < 2; attempt++ {
		if err := e.store.SaveVerdict(ctx, v); err != nil {
			log.Printf("[JUDGE] case=%s round=%d save attempt %d failed: %v", v.CaseID, v.Round, attempt+1, err)
			continue
		}
		got, err := e.store.LoadVerdict(ctx, v.CaseID, v.Round)
		if err != nil || got == nil {
			log.Printf("[JUDGE] case=%s round=%d verify attempt %d failed: %v", v.CaseID, v.Round, attempt+1, err)
			continue
		}
		if got.Risk.Score != v.Risk.Score || got.Phishing != v.Phishing {
			log.Printf("[JUDGE] case=%s round=%d verify mismatch on attempt %d", v.CaseID, v.Round, attempt+1)
			continue
		}
		return true
	}
	log.Printf("[JUDGE] case=%s round=%d verdict not persisted", v.CaseID, v.Round)
	return false
}
