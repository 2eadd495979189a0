// Package store persists cases, turns, verdicts, and guidance. The memory
// implementation backs tests and single-process runs; the Postgres
// implementation is the durable option. Lookups return nil, nil when the
// record does not exist.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
)

// ErrTurnConflict is returned when an appended turn's index or role does
// not extend the stored sequence.
var ErrTurnConflict = errors.New("store: turn breaks the stored sequence")

// Case binds one scenario to one victim profile for the lifetime of a run
// and beyond.
type Case struct {
	ID        string                 `json:"id"`
	Scenario  dialogue.Scenario      `json:"scenario"`
	Victim    dialogue.VictimProfile `json:"victim"`
	CreatedAt time.Time              `json:"created_at"`
}

// SeedLoader resolves offender/victim identifiers to their profiles.
type SeedLoader interface {
	LoadScenario(ctx context.Context, offenderID string) (*dialogue.Scenario, error)
	LoadVictim(ctx context.Context, victimID string) (*dialogue.VictimProfile, error)
}

// CaseStore creates and fetches cases.
type CaseStore interface {
	CreateCase(ctx context.Context, scenario dialogue.Scenario, victim dialogue.VictimProfile) (*Case, error)
	GetCase(ctx context.Context, caseID string) (*Case, error)
}

// TurnStore appends and lists turns. Turns are append-only, keyed by
// (case, round, index); implementations must reject appends that break the
// alternation or leave gaps.
type TurnStore interface {
	PersistTurn(ctx context.Context, caseID string, round int, turn dialogue.Turn) error
	ListTurns(ctx context.Context, caseID string, round int) ([]dialogue.Turn, error)
}

// GuidanceStore upserts one guidance record per (case, round>=2).
type GuidanceStore interface {
	SaveGuidance(ctx context.Context, g *guidance.Guidance) error
	LoadGuidance(ctx context.Context, caseID string, round int) (*guidance.Guidance, error)
}

// ReportStore accepts external analysis reports. SaveReport is an upsert
// keyed by case.
type ReportStore interface {
	SaveReport(ctx context.Context, caseID, body string) error
}

// Store is the full persistence surface the orchestrator wires up.
type Store interface {
	SeedLoader
	CaseStore
	TurnStore
	GuidanceStore
	ReportStore
	judge.VerdictStore
	guidance.ReportLoader
}
