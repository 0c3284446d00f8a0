// Package sqlite is the embedded store: the same schema and constraints as the
// Postgres store, backed by modernc.org/sqlite. Change notifications are published to
// an injected poll.Notifier after each committed write.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/sqlutil"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Store is the SQLite-backed poll store.
type Store struct {
	db       *sql.DB
	notifier poll.Notifier
}

// Option configures a Store.
type Option func(*Store)

// WithNotifier sets where change notifications are published.
func WithNotifier(n poll.Notifier) Option {
	return func(s *Store) {
		s.notifier = n
	}
}

// Open opens the database at dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers, which is what the dedup and
	// single-active guarantees rely on, and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := sqlutil.Run(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, schema)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{db: db, notifier: poll.NopNotifier{}}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetNotifier replaces the notifier. It must be called before the store is shared.
func (s *Store) SetNotifier(n poll.Notifier) {
	s.notifier = n
}

// notify announces a committed change. The write already succeeded, so a failed
// announcement is only logged; readers recover on their safety refresh.
func (s *Store) notify(ctx context.Context, class models.RecordClass) {
	if err := s.notifier.Notify(ctx, class); err != nil {
		log.Error().Err(err).Str("class", string(class)).Msg("failed to publish change notification")
	}
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const schema = `
CREATE TABLE IF NOT EXISTS polls (
    id TEXT PRIMARY KEY,
    question TEXT NOT NULL,
    options TEXT NOT NULL,
    teacher_id TEXT NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1 CHECK (is_active IN (0, 1)),
    time_limit INTEGER NOT NULL CHECK (time_limit > 0),
    created_at INTEGER NOT NULL,
    ends_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_polls_single_active ON polls(is_active) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_polls_created_at ON polls(created_at);

CREATE TABLE IF NOT EXISTS poll_responses (
    id TEXT PRIMARY KEY,
    poll_id TEXT NOT NULL REFERENCES polls(id),
    student_session_id TEXT NOT NULL,
    student_name TEXT NOT NULL,
    selected_option INTEGER NOT NULL CHECK (selected_option >= 0),
    submitted_at INTEGER NOT NULL,
    UNIQUE (poll_id, student_session_id)
);
CREATE INDEX IF NOT EXISTS idx_poll_responses_poll_id ON poll_responses(poll_id);

CREATE TABLE IF NOT EXISTS students (
    session_id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    joined_at INTEGER NOT NULL,
    last_seen_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_messages (
    id TEXT PRIMARY KEY,
    sender_name TEXT NOT NULL,
    sender_type TEXT NOT NULL,
    message TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_messages_created_at ON chat_messages(created_at);
`
