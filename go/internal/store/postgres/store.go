// Package postgres is the production store. Constraints in the schema enforce the
// single-active-poll and one-response-per-session invariants, and row-level
// triggers announce every written row with pg_notify for the change listener.
// Postgres folds identical notifications within one transaction, so a multi-row
// update still yields one announcement, and a statement that touches no rows
// yields none.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NotifyChannel is the channel the triggers publish on. The payload is the table
// name, which doubles as the record class.
const NotifyChannel = "pollsync_changes"

const (
	uniqueViolation = "23505"

	constraintSingleActive  = "idx_polls_single_active"
	constraintOnePerSession = "poll_responses_one_per_session"
)

// Store is the Postgres-backed poll store.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cfg := pool.Config().ConnConfig
	log.Info().
		Str("host", cfg.Host).
		Uint16("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to postgres")

	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close closes the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the pool can reach the server.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func violates(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && pgErr.ConstraintName == constraint
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

const schema = `
CREATE TABLE IF NOT EXISTS polls (
    id UUID PRIMARY KEY,
    question TEXT NOT NULL,
    options TEXT[] NOT NULL,
    teacher_id TEXT NOT NULL,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    time_limit INTEGER NOT NULL CHECK (time_limit > 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    ends_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_polls_single_active ON polls (is_active) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_polls_created_at ON polls (created_at DESC);

CREATE TABLE IF NOT EXISTS poll_responses (
    id UUID PRIMARY KEY,
    poll_id UUID NOT NULL REFERENCES polls (id),
    student_session_id TEXT NOT NULL,
    student_name TEXT NOT NULL,
    selected_option INTEGER NOT NULL CHECK (selected_option >= 0),
    submitted_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    CONSTRAINT poll_responses_one_per_session UNIQUE (poll_id, student_session_id)
);

CREATE TABLE IF NOT EXISTS students (
    session_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id UUID PRIMARY KEY,
    sender_name TEXT NOT NULL,
    sender_type TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages (created_at);

CREATE OR REPLACE FUNCTION pollsync_notify() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('pollsync_changes', TG_TABLE_NAME);
    RETURN NULL;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS polls_notify ON polls;
CREATE TRIGGER polls_notify AFTER INSERT OR UPDATE ON polls
    FOR EACH ROW EXECUTE FUNCTION pollsync_notify();

DROP TRIGGER IF EXISTS poll_responses_notify ON poll_responses;
CREATE TRIGGER poll_responses_notify AFTER INSERT ON poll_responses
    FOR EACH ROW EXECUTE FUNCTION pollsync_notify();

DROP TRIGGER IF EXISTS students_notify ON students;
CREATE TRIGGER students_notify AFTER INSERT OR UPDATE ON students
    FOR EACH ROW EXECUTE FUNCTION pollsync_notify();

DROP TRIGGER IF EXISTS chat_messages_notify ON chat_messages;
CREATE TRIGGER chat_messages_notify AFTER INSERT ON chat_messages
    FOR EACH ROW EXECUTE FUNCTION pollsync_notify();
`
