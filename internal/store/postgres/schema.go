// Package postgres provides a PostgreSQL-backed implementation of
// [game.Store] using a pgx connection pool.
//
// The schema is created on start via [Migrate]. Sessions are indexed by join
// code; players and events are indexed by session. Change notification uses
// LISTEN/NOTIFY on a single channel carrying the session id as payload.
//
// Usage:
//
//	st, err := postgres.New(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id              TEXT         PRIMARY KEY,
    join_code       TEXT         NOT NULL,
    adventure_id    TEXT         NOT NULL,
    status          TEXT         NOT NULL,
    current_scene   INT          NOT NULL DEFAULT 0,
    game_state      JSONB        NOT NULL DEFAULT '{}',
    last_narration  TEXT         NOT NULL DEFAULT '',
    active_player   TEXT         NOT NULL DEFAULT '',
    turn_phase      TEXT         NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_join_code
    ON sessions (join_code);

CREATE INDEX IF NOT EXISTS idx_sessions_status
    ON sessions (status);
`

const ddlPlayers = `
CREATE TABLE IF NOT EXISTS players (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id),
    seq         BIGSERIAL,
    name        TEXT         NOT NULL,
    avatar      TEXT         NOT NULL DEFAULT '',
    is_active   BOOLEAN      NOT NULL DEFAULT TRUE,
    last_seen   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_players_session
    ON players (session_id, seq);
`

const ddlEvents = `
CREATE TABLE IF NOT EXISTS events (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id),
    seq         BIGSERIAL,
    type        TEXT         NOT NULL,
    player_id   TEXT         NOT NULL DEFAULT '',
    content     TEXT         NOT NULL,
    metadata    JSONB        NOT NULL DEFAULT '{}',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_session_seq
    ON events (session_id, seq);

CREATE INDEX IF NOT EXISTS idx_events_session_timestamp
    ON events (session_id, timestamp);
`

// Migrate ensures all required tables and indexes exist. Statements are
// idempotent so Migrate is safe to run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlPlayers, ddlEvents} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
