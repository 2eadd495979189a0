// Package patterns provides a centralized registry of dialogue cue patterns
// used for round termination and emotion-label correction. All regexes are
// compiled once at package init and shared across the engine and the labeling
// pipeline.
//
// Design principles:
// - COMPILE ONCE: All patterns compiled at init, not per-turn
// - DRY: Single source of truth for termination/refusal cues
// - CATEGORIZED: Cues organized by intent for targeted checks
package patterns

import (
	"regexp"
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/width"
)

// Category represents a dialogue cue category
type Category string

const (
	// CategoryHangup covers explicit call-ending and reporting intent
	// ("I'm hanging up", "I'm reporting this to the police").
	CategoryHangup Category = "hangup"

	// CategoryRefusal covers assertive refusals and procedural pushback
	// ("I won't give you that", "I'll call the bank myself first").
	CategoryRefusal Category = "refusal"

	// CategoryDisinterest covers soft exits ("not interested", "please
	// don't call again").
	CategoryDisinterest Category = "disinterest"
)

// Pattern holds a compiled regex with metadata
type Pattern struct {
	Name        string         // Human-readable name for logging
	Regex       *regexp.Regexp // Compiled regex (never nil after init)
	Category    Category       // Cue category
	Description string         // What this cue indicates
}

// Registry holds all compiled cue patterns, organized by category
type Registry struct {
	mu         sync.RWMutex
	byCategory map[Category][]*Pattern
	all        []*Pattern
}

// global singleton - initialized once at package load
var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the global cue registry (singleton)
func Get() *Registry {
	initOnce.Do(func() {
		globalRegistry = newRegistry()
	})
	return globalRegistry
}

func newRegistry() *Registry {
	r := &Registry{
		byCategory: make(map[Category][]*Pattern),
		all:        make([]*Pattern, 0, 64),
	}

	r.registerHangupCues()
	r.registerRefusalCues()
	r.registerDisinterestCues()

	return r
}

func (r *Registry) register(name string, pattern string, category Category, description string) {
	p := &Pattern{
		Name:        name,
		Regex:       regexp.MustCompile(pattern),
		Category:    category,
		Description: description,
	}
	r.byCategory[category] = append(r.byCategory[category], p)
	r.all = append(r.all, p)
}

var lowerCaser = cases.Lower(language.Und)

// Normalize folds a victim line into the canonical form cue regexes match
// against: full-width characters narrowed, case lowered, whitespace collapsed.
// Victim model output mixes Korean full-width punctuation with ASCII, so raw
// matching misses cues.
func Normalize(text string) string {
	folded := width.Narrow.String(text)
	folded = lowerCaser.String(folded)
	return strings.Join(strings.Fields(folded), " ")
}

// GetByCategory returns all patterns for a category. Never nil.
func (r *Registry) GetByCategory(cat Category) []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if patterns, ok := r.byCategory[cat]; ok {
		return patterns
	}
	return []*Pattern{}
}

// MatchAny checks normalized text against the given categories and returns
// the first matching pattern or nil.
func (r *Registry) MatchAny(text string, cats ...Category) *Pattern {
	norm := Normalize(text)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cat := range cats {
		for _, p := range r.byCategory[cat] {
			if p.Regex.MatchString(norm) {
				return p
			}
		}
	}
	return nil
}

// TotalPatterns returns the total count of registered cues
func (r *Registry) TotalPatterns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// CategoryCount returns the number of cues in a category
func (r *Registry) CategoryCount(cat Category) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCategory[cat])
}
