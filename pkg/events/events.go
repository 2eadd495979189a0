// Package events is the progress stream of a run: an explicit, typed event
// bus fed at each significant step and drained by a single consumer per
// run. Emission is fire-and-forget; a slow or absent consumer never stalls
// the worker.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies what happened.
type Kind string

const (
	KindRoundStarted  Kind = "round_started"
	KindTurnGenerated Kind = "turn_generated"
	KindTurnsLabeled  Kind = "turns_labeled"
	KindVerdictReady  Kind = "verdict_ready"
	KindGuidanceReady Kind = "guidance_ready"
	KindRunFinished   Kind = "run_finished"
	KindRunFailed     Kind = "run_failed"
)

// Event is one progress record for one run.
type Event struct {
	ID      string         `json:"id"`
	RunID   string         `json:"run_id"`
	Kind    Kind           `json:"kind"`
	Round   int            `json:"round,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// New stamps an event with identity and time.
func New(runID string, kind Kind, round int, payload map[string]any) Event {
	return Event{
		ID:      uuid.NewString(),
		RunID:   runID,
		Kind:    kind,
		Round:   round,
		Payload: payload,
		At:      time.Now().UTC(),
	}
}

// Terminal reports whether no further events can follow.
func (e Event) Terminal() bool {
	return e.Kind == KindRunFinished || e.Kind == KindRunFailed
}
