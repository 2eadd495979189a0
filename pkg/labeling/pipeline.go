// Package labeling orchestrates the emotion classifier and the hidden-state
// tracker over a full turn list. Victim turns gain annotations; dialogue
// content is never mutated and attacker turns pass through untouched.
package labeling

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/yoonmo01/VP2-sub000/pkg/config"
	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/emotion"
	"github.com/yoonmo01/VP2-sub000/pkg/engagement"
)

// BatchClassifier is an optional batch-capable labeling backend. Backends
// are allowed to return either one result per input turn or victim-only
// results; the pipeline splices either shape back into victim positions.
type BatchClassifier interface {
	ClassifyBatch(ctx context.Context, texts []string) ([]*emotion.Annotation, error)
	Ready() bool
}

// Pipeline labels victim turns and optionally enriches them with
// hidden-state summaries.
type Pipeline struct {
	primary  emotion.Classifier // usually the local ONNX classifier
	fallback emotion.Classifier // usually the LLM classifier
	batch    BatchClassifier    // optional, preferred when ready

	tracker  engagement.Tracker // nil = skip hidden-state enrichment
	pairMode config.PairMode
	attach   config.AttachMode
	override emotion.OverrideConfig
	timeout  time.Duration // per classifier call; zero = unbounded
}

// Option is a functional option for configuring the Pipeline.
type Option func(*Pipeline)

// WithFallback sets the classifier used when the primary is not ready or
// fails on a turn.
func WithFallback(c emotion.Classifier) Option {
	return func(p *Pipeline) { p.fallback = c }
}

// WithBatchClassifier sets a batch backend, preferred over per-turn
// classification when ready.
func WithBatchClassifier(b BatchClassifier) Option {
	return func(p *Pipeline) { p.batch = b }
}

// WithTracker plugs in a hidden-state tracker. Absence is not an error;
// the pipeline simply skips enrichment.
func WithTracker(t engagement.Tracker) Option {
	return func(p *Pipeline) { p.tracker = t }
}

// WithPairMode sets the classifier-input pairing mode.
func WithPairMode(m config.PairMode) Option {
	return func(p *Pipeline) { p.pairMode = m }
}

// WithAttachMode sets where hidden-state summaries are attached.
func WithAttachMode(m config.AttachMode) Option {
	return func(p *Pipeline) { p.attach = m }
}

// WithOverrideConfig tunes the fear-override correction.
func WithOverrideConfig(cfg emotion.OverrideConfig) Option {
	return func(p *Pipeline) { p.override = cfg }
}

// WithClassifyTimeout bounds each classifier call. A slow backend then
// costs one turn's label, not the round.
func WithClassifyTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.timeout = d }
}

// New creates a labeling pipeline around a primary classifier.
func New(primary emotion.Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		primary:  primary,
		pairMode: config.PairPrevAttacker,
		attach:   config.AttachLast,
		override: emotion.DefaultOverrideConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Label returns a copy of turns, same length and order, with victim turns
// annotated. Classifier failures on individual turns degrade to unlabeled
// turns; only a complete classification wipeout is an error.
func (p *Pipeline) Label(ctx context.Context, turns []dialogue.Turn) ([]dialogue.Turn, error) {
	out := make([]dialogue.Turn, len(turns))
	copy(out, turns)

	victimIdx := victimPositions(out)
	if len(victimIdx) == 0 {
		return out, nil
	}

	anns, err := p.classify(ctx, out, victimIdx)
	if err != nil {
		return out, err
	}

	// Splice results back by victim position, never by raw index: a
	// victim-only result sequence must land on victim turns even though
	// it is shorter than the turn list.
	labeled := 0
	for vi, ti := range victimIdx {
		ann := anns[vi]
		if ann == nil {
			continue
		}
		conviction := -1
		if out[ti].Victim != nil {
			conviction = out[ti].Victim.IsConvinced
		}
		emotion.ApplyOverride(ann, out[ti].Text, conviction, p.override)
		out[ti].Emotion = ann
		labeled++
	}

	if labeled == 0 {
		return out, fmt.Errorf("labeling: all %d victim turns failed classification", len(victimIdx))
	}

	p.attachHiddenState(out, victimIdx)
	return out, nil
}

// classify produces one annotation slot per victim turn (nil = failed).
func (p *Pipeline) classify(ctx context.Context, turns []dialogue.Turn, victimIdx []int) ([]*emotion.Annotation, error) {
	if p.batch != nil && p.batch.Ready() {
		if anns, err := p.classifyBatch(ctx, turns, victimIdx); err == nil {
			return anns, nil
		} else {
			log.Printf("[LABEL] batch backend failed, falling back to per-turn: %v", err)
		}
	}

	primary := p.primary
	if primary == nil || !primary.Ready() {
		primary = p.fallback
	}
	if primary == nil || !primary.Ready() {
		return nil, fmt.Errorf("labeling: no classifier available")
	}

	anns := make([]*emotion.Annotation, len(victimIdx))
	for vi, ti := range victimIdx {
		input := p.pairInput(turns, ti)
		cctx, cancel := p.callCtx(ctx)
		ann, err := primary.Classify(cctx, input)
		if err != nil && p.fallback != nil && p.fallback.Ready() && primary != p.fallback {
			ann, err = p.fallback.Classify(cctx, input)
		}
		cancel()
		if err != nil {
			log.Printf("[LABEL] turn %d classification failed: %v", ti, err)
			continue
		}
		if err := ann.Validate(); err != nil {
			log.Printf("[LABEL] turn %d dropped invalid annotation: %v", ti, err)
			continue
		}
		anns[vi] = ann
	}
	return anns, nil
}

// classifyBatch runs the batch backend over every turn's paired input and
// tolerates backends that silently drop non-victim entries.
func (p *Pipeline) classifyBatch(ctx context.Context, turns []dialogue.Turn, victimIdx []int) ([]*emotion.Annotation, error) {
	inputs := make([]string, len(turns))
	for i := range turns {
		inputs[i] = p.pairInput(turns, i)
	}
	cctx, cancel := p.callCtx(ctx)
	res, err := p.batch.ClassifyBatch(cctx, inputs)
	cancel()
	if err != nil {
		return nil, err
	}

	anns := make([]*emotion.Annotation, len(victimIdx))
	switch len(res) {
	case len(turns):
		for vi, ti := range victimIdx {
			anns[vi] = res[ti]
		}
	case len(victimIdx):
		copy(anns, res)
	default:
		return nil, fmt.Errorf("labeling: backend returned %d results for %d turns (%d victim)", len(res), len(turns), len(victimIdx))
	}

	for vi, ann := range anns {
		if ann == nil {
			continue
		}
		if err := ann.Validate(); err != nil {
			log.Printf("[LABEL] batch result %d dropped: %v", vi, err)
			anns[vi] = nil
		}
	}
	return anns, nil
}

// callCtx bounds one backend call when a classify timeout is configured.
func (p *Pipeline) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// pairInput builds the classifier input for the turn at index ti.
func (p *Pipeline) pairInput(turns []dialogue.Turn, ti int) string {
	line := turns[ti].Text

	ctxLine := func(parts ...string) string {
		var ctx string
		for _, part := range parts {
			if part == "" {
				continue
			}
			if ctx != "" {
				ctx += " / "
			}
			ctx += part
		}
		if ctx == "" {
			return line
		}
		return "CONTEXT: " + ctx + "\nINPUT: " + line
	}

	switch p.pairMode {
	case config.PairPrevAttacker:
		return ctxLine(prevLine(turns, ti, dialogue.RoleAttacker))
	case config.PairPrevVictim:
		return ctxLine(prevLine(turns, ti, dialogue.RoleVictim))
	case config.PairThoughts:
		return ctxLine(thoughts(turns[ti]))
	case config.PairAttackerPair:
		return ctxLine(prevLine(turns, ti, dialogue.RoleAttacker), prevLine(turns, ti, dialogue.RoleVictim))
	case config.PairThoughtsMerged:
		return ctxLine(prevLine(turns, ti, dialogue.RoleAttacker), thoughts(turns[ti]))
	default:
		return line
	}
}

// attachHiddenState feeds the corrected label sequence into the tracker and
// attaches summaries per the configured attach mode. Tracker absence or
// failure degrades silently.
func (p *Pipeline) attachHiddenState(turns []dialogue.Turn, victimIdx []int) {
	if p.tracker == nil {
		return
	}

	var codes []string
	var labeledIdx []int
	for _, ti := range victimIdx {
		if turns[ti].Emotion == nil {
			continue
		}
		codes = append(codes, emotion.Code(turns[ti].Emotion.Pred4))
		labeledIdx = append(labeledIdx, ti)
	}
	if len(codes) == 0 {
		return
	}

	summary, err := p.tracker.Track(codes)
	if err != nil {
		log.Printf("[LABEL] hidden-state tracking skipped: %v", err)
		return
	}

	switch p.attach {
	case config.AttachEvery:
		for _, ti := range labeledIdx {
			turns[ti].HiddenState = summary
		}
	default:
		turns[labeledIdx[len(labeledIdx)-1]].HiddenState = summary
	}
}

func victimPositions(turns []dialogue.Turn) []int {
	var idx []int
	for i, t := range turns {
		if t.Role == dialogue.RoleVictim {
			idx = append(idx, i)
		}
	}
	return idx
}

func prevLine(turns []dialogue.Turn, before int, role dialogue.Role) string {
	for i := before - 1; i >= 0; i-- {
		if turns[i].Role == role {
			return turns[i].Text
		}
	}
	return ""
}

func thoughts(t dialogue.Turn) string {
	if t.Victim == nil {
		return ""
	}
	return t.Victim.Thoughts
}
