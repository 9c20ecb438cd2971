// Package postgres provides a PostgreSQL-backed [session.Store].
//
// Each session is one row; the exchange list, choices, and prompt snapshots
// are stored as JSONB documents since the engine always reads and writes a
// session as a whole.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pamoka-labs/triksteris/internal/session"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS game_sessions (
    id                    TEXT         PRIMARY KEY,
    student_id            TEXT         NOT NULL,
    current_task          TEXT         NOT NULL DEFAULT '',
    current_phase         TEXT         NOT NULL DEFAULT '',
    exchanges             JSONB        NOT NULL DEFAULT '[]',
    choices               JSONB        NOT NULL DEFAULT '[]',
    last_redaction_reason TEXT         NOT NULL DEFAULT '',
    prompt_snapshots      JSONB,
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_game_sessions_student_id
    ON game_sessions (student_id);
`

// Store is the PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ session.Store = (*Store)(nil)

// NewStore establishes a connection pool to the database at dsn and ensures
// the sessions table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("session postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddlSessions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("session postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Get implements [session.Store].
func (s *Store) Get(ctx context.Context, id string) (*session.GameSession, error) {
	const q = `
		SELECT id, student_id, current_task, current_phase,
		       exchanges, choices, last_redaction_reason, prompt_snapshots, created_at
		FROM   game_sessions
		WHERE  id = $1`

	var (
		gs        session.GameSession
		snapshots *map[string]string
		createdAt time.Time
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&gs.ID,
		&gs.StudentID,
		&gs.CurrentTask,
		&gs.CurrentPhase,
		&gs.Exchanges,
		&gs.Choices,
		&gs.LastRedactionReason,
		&snapshots,
		&createdAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session postgres: get %q: %w", id, err)
	}
	if snapshots != nil {
		gs.PromptSnapshots = *snapshots
	}
	gs.CreatedAt = createdAt
	return &gs, nil
}

// Put implements [session.Store] as an upsert.
func (s *Store) Put(ctx context.Context, gs *session.GameSession) error {
	const q = `
		INSERT INTO game_sessions
		    (id, student_id, current_task, current_phase,
		     exchanges, choices, last_redaction_reason, prompt_snapshots, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (id) DO UPDATE SET
		    student_id            = EXCLUDED.student_id,
		    current_task          = EXCLUDED.current_task,
		    current_phase         = EXCLUDED.current_phase,
		    exchanges             = EXCLUDED.exchanges,
		    choices               = EXCLUDED.choices,
		    last_redaction_reason = EXCLUDED.last_redaction_reason,
		    prompt_snapshots      = EXCLUDED.prompt_snapshots,
		    updated_at            = now()`

	var snapshots *map[string]string
	if gs.PromptSnapshots != nil {
		snapshots = &gs.PromptSnapshots
	}
	_, err := s.pool.Exec(ctx, q,
		gs.ID,
		gs.StudentID,
		gs.CurrentTask,
		gs.CurrentPhase,
		gs.Exchanges,
		gs.Choices,
		gs.LastRedactionReason,
		snapshots,
		gs.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("session postgres: put %q: %w", gs.ID, err)
	}
	return nil
}

// Delete implements [session.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM game_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session postgres: delete %q: %w", id, err)
	}
	return nil
}
