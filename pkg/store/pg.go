package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yoonmo01/VP2-sub000/pkg/dialogue"
	"github.com/yoonmo01/VP2-sub000/pkg/guidance"
	"github.com/yoonmo01/VP2-sub000/pkg/judge"
)

const schema = `
CREATE TABLE IF NOT EXISTS scenarios (
    offender_id TEXT PRIMARY KEY,
    data        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS victims (
    victim_id TEXT PRIMARY KEY,
    data      JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cases (
    id         TEXT PRIMARY KEY,
    scenario   JSONB NOT NULL,
    victim     JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    case_id    TEXT NOT NULL,
    round_no   INT  NOT NULL,
    turn_index INT  NOT NULL,
    data       JSONB NOT NULL,
    PRIMARY KEY (case_id, round_no, turn_index)
);
CREATE TABLE IF NOT EXISTS verdicts (
    case_id  TEXT NOT NULL,
    round_no INT  NOT NULL,
    data     JSONB NOT NULL,
    PRIMARY KEY (case_id, round_no)
);
CREATE TABLE IF NOT EXISTS guidances (
    case_id  TEXT NOT NULL,
    round_no INT  NOT NULL,
    data     JSONB NOT NULL,
    PRIMARY KEY (case_id, round_no)
);
CREATE TABLE IF NOT EXISTS reports (
    case_id TEXT PRIMARY KEY,
    body    TEXT NOT NULL
);
`

// PGStore is the Postgres-backed Store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects, pings, and ensures the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	return &PGStore{pool: pool}, nil
}

// NewPGStoreWithFallback returns nil when Postgres is not configured or
// unreachable so callers can fall back to the memory store.
func NewPGStoreWithFallback(ctx context.Context, dsn string) *PGStore {
	if dsn == "" {
		log.Printf("[STORE] ○ postgres disabled - no DSN configured")
		return nil
	}
	s, err := NewPGStore(ctx, dsn)
	if err != nil {
		log.Printf("[STORE] ○ postgres unavailable: %v", err)
		return nil
	}
	log.Printf("[STORE] ✓ postgres connected")
	return s
}

// Close releases the pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) LoadScenario(ctx context.Context, offenderID string) (*dialogue.Scenario, error) {
	return loadJSON[dialogue.Scenario](ctx, s.pool,
		`SELECT data FROM scenarios WHERE offender_id = $1`, offenderID)
}

func (s *PGStore) LoadVictim(ctx context.Context, victimID string) (*dialogue.VictimProfile, error) {
	return loadJSON[dialogue.VictimProfile](ctx, s.pool,
		`SELECT data FROM victims WHERE victim_id = $1`, victimID)
}

// SeedScenario upserts a scenario row; used by fixtures and intake jobs.
func (s *PGStore) SeedScenario(ctx context.Context, sc dialogue.Scenario) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scenarios (offender_id, data) VALUES ($1, $2)
		 ON CONFLICT (offender_id) DO UPDATE SET data = EXCLUDED.data`,
		sc.OffenderID, data)
	return err
}

// SeedVictim upserts a victim profile row.
func (s *PGStore) SeedVictim(ctx context.Context, v dialogue.VictimProfile) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO victims (victim_id, data) VALUES ($1, $2)
		 ON CONFLICT (victim_id) DO UPDATE SET data = EXCLUDED.data`,
		v.ID, data)
	return err
}

func (s *PGStore) CreateCase(ctx context.Context, scenario dialogue.Scenario, victim dialogue.VictimProfile) (*Case, error) {
	c := &Case{
		ID:        uuid.NewString(),
		Scenario:  scenario,
		Victim:    victim,
		CreatedAt: time.Now().UTC(),
	}
	scData, err := json.Marshal(scenario)
	if err != nil {
		return nil, err
	}
	vData, err := json.Marshal(victim)
	if err != nil {
		return nil, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO cases (id, scenario, victim, created_at) VALUES ($1, $2, $3, $4)`,
		c.ID, scData, vData, c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetCase(ctx context.Context, caseID string) (*Case, error) {
	var (
		c      Case
		scData []byte
		vData  []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, scenario, victim, created_at FROM cases WHERE id = $1`, caseID).
		Scan(&c.ID, &scData, &vData, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	if err := json.Unmarshal(scData, &c.Scenario); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vData, &c.Victim); err != nil {
		return nil, err
	}
	return &c, nil
}

// PersistTurn appends one turn; the primary key rejects duplicates and the
// count check rejects gaps and parity breaks.
func (s *PGStore) PersistTurn(ctx context.Context, caseID string, round int, turn dialogue.Turn) error {
	if turn.Role != dialogue.RoleForIndex(turn.Index) {
		return fmt.Errorf("%w: role %s at index %d", ErrTurnConflict, turn.Role, turn.Index)
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO turns (case_id, round_no, turn_index, data)
		 SELECT $1, $2, $3, $4
		 WHERE (SELECT COUNT(*) FROM turns WHERE case_id = $1 AND round_no = $2) = $3
		 ON CONFLICT DO NOTHING`,
		caseID, round, turn.Index, data)
	if err != nil {
		return fmt.Errorf("persist turn: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: index %d does not extend the round", ErrTurnConflict, turn.Index)
	}
	return nil
}

func (s *PGStore) ListTurns(ctx context.Context, caseID string, round int) ([]dialogue.Turn, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM turns WHERE case_id = $1 AND round_no = $2 ORDER BY turn_index`,
		caseID, round)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var out []dialogue.Turn
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var t dialogue.Turn
		if err := json.Unmarshal(data, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PGStore) SaveVerdict(ctx context.Context, v *judge.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO verdicts (case_id, round_no, data) VALUES ($1, $2, $3)
		 ON CONFLICT (case_id, round_no) DO UPDATE SET data = EXCLUDED.data`,
		v.CaseID, v.Round, data)
	return err
}

func (s *PGStore) LoadVerdict(ctx context.Context, caseID string, round int) (*judge.Verdict, error) {
	return loadJSON[judge.Verdict](ctx, s.pool,
		`SELECT data FROM verdicts WHERE case_id = $1 AND round_no = $2`, caseID, round)
}

func (s *PGStore) SaveGuidance(ctx context.Context, g *guidance.Guidance) error {
	if g.Round < 2 {
		return fmt.Errorf("store: guidance for round %d rejected", g.Round)
	}
	data, err := json.Marshal(g)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO guidances (case_id, round_no, data) VALUES ($1, $2, $3)
		 ON CONFLICT (case_id, round_no) DO UPDATE SET data = EXCLUDED.data`,
		g.CaseID, g.Round, data)
	return err
}

func (s *PGStore) LoadGuidance(ctx context.Context, caseID string, round int) (*guidance.Guidance, error) {
	return loadJSON[guidance.Guidance](ctx, s.pool,
		`SELECT data FROM guidances WHERE case_id = $1 AND round_no = $2`, caseID, round)
}

func (s *PGStore) LoadReport(ctx context.Context, caseID string) (string, error) {
	var body string
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM reports WHERE case_id = $1`, caseID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load report: %w", err)
	}
	return body, nil
}

// SaveReport upserts an external analysis report.
func (s *PGStore) SaveReport(ctx context.Context, caseID, body string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (case_id, body) VALUES ($1, $2)
		 ON CONFLICT (case_id) DO UPDATE SET body = EXCLUDED.body`,
		caseID, body)
	return err
}

func loadJSON[T any](ctx context.Context, pool *pgxpool.Pool, sql string, args ...any) (*T, error) {
	var data []byte
	err := pool.QueryRow(ctx, sql, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
