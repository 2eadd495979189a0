package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
)

// MemoryStore is the in-process implementation. Safe for concurrent use.
type MemoryStore struct {
	mu        sync.RWMutex
	scenarios map[string]dialogue.Scenario
	victims   map[string]dialogue.VictimProfile
	cases     map[string]*Case
	turns     map[string][]dialogue.Turn // key: caseID/round
	verdicts  map[string]*judge.Verdict  // key: caseID/round
	guidances map[string]*guidance.Guidance
	reports   map[string]string // caseID -> external report
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scenarios: make(map[string]dialogue.Scenario),
		victims:   make(map[string]dialogue.VictimProfile),
		cases:     make(map[string]*Case),
		turns:     make(map[string][]dialogue.Turn),
		verdicts:  make(map[string]*judge.Verdict),
		guidances: make(map[string]*guidance.Guidance),
		reports:   make(map[string]string),
	}
}

func roundKey(caseID string, round int) string {
	return fmt.Sprintf("%s/%d", caseID, round)
}

// SeedScenario registers a scenario under its offender id.
func (m *MemoryStore) SeedScenario(s dialogue.Scenario) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenarios[s.OffenderID] = s
}

// SeedVictim registers a victim profile.
func (m *MemoryStore) SeedVictim(v dialogue.VictimProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.victims[v.ID] = v
}

// SeedReport attaches an external analysis report to a case.
func (m *MemoryStore) SeedReport(caseID, report string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[caseID] = report
}

// SaveReport upserts an external analysis report.
func (m *MemoryStore) SaveReport(_ context.Context, caseID, body string) error {
	m.SeedReport(caseID, body)
	return nil
}

func (m *MemoryStore) LoadScenario(_ context.Context, offenderID string) (*dialogue.Scenario, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.scenarios[offenderID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) LoadVictim(_ context.Context, victimID string) (*dialogue.VictimProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.victims[victimID]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *MemoryStore) CreateCase(_ context.Context, scenario dialogue.Scenario, victim dialogue.VictimProfile) (*Case, error) {
	c := &Case{
		ID:        uuid.NewString(),
		Scenario:  scenario,
		Victim:    victim,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCase(_ context.Context, caseID string) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[caseID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// PersistTurn appends one turn, rejecting gaps and parity breaks.
func (m *MemoryStore) PersistTurn(_ context.Context, caseID string, round int, turn dialogue.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := roundKey(caseID, round)
	existing := m.turns[key]
	if turn.Index != len(existing) {
		return fmt.Errorf("%w: index %d after %d stored turns", ErrTurnConflict, turn.Index, len(existing))
	}
	if turn.Role != dialogue.RoleForIndex(turn.Index) {
		return fmt.Errorf("%w: role %s at index %d", ErrTurnConflict, turn.Role, turn.Index)
	}
	m.turns[key] = append(existing, turn)
	return nil
}

func (m *MemoryStore) ListTurns(_ context.Context, caseID string, round int) ([]dialogue.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.turns[roundKey(caseID, round)]
	out := make([]dialogue.Turn, len(stored))
	copy(out, stored)
	return out, nil
}

// SaveVerdict upserts by (case, round).
func (m *MemoryStore) SaveVerdict(_ context.Context, v *judge.Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.verdicts[roundKey(v.CaseID, v.Round)] = &cp
	return nil
}

func (m *MemoryStore) LoadVerdict(_ context.Context, caseID string, round int) (*judge.Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verdicts[roundKey(caseID, round)]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryStore) SaveGuidance(_ context.Context, g *guidance.Guidance) error {
	if g.Round < 2 {
		return fmt.Errorf("store: guidance for round %d rejected", g.Round)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.guidances[roundKey(g.CaseID, g.Round)] = &cp
	return nil
}

func (m *MemoryStore) LoadGuidance(_ context.Context, caseID string, round int) (*guidance.Guidance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guidances[roundKey(caseID, round)]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

// LoadReport returns "" when no external report exists for the case.
func (m *MemoryStore) LoadReport(_ context.Context, caseID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reports[caseID], nil
}
