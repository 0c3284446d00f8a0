package sqlite

import (
	"context"
	"fmt"

	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/sqlutil"
)

// UpsertRosterEntry inserts the participant or, on a repeat registration, updates the
// name and last-seen time while keeping joined_at.
func (s *Store) UpsertRosterEntry(ctx context.Context, e models.RosterEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO students (session_id, name, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			name = excluded.name,
			last_seen_at = excluded.last_seen_at`,
		e.SessionID, e.DisplayName, sqlutil.ToUnixNano(e.JoinedAt), sqlutil.ToUnixNano(e.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert roster entry: %w", err)
	}

	s.notify(ctx, models.ClassRoster)
	return nil
}

// Roster returns all participants in join order.
func (s *Store) Roster(ctx context.Context) ([]models.RosterEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, name, joined_at, last_seen_at
		FROM students
		ORDER BY joined_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	defer rows.Close()

	var entries []models.RosterEntry
	for rows.Next() {
		var (
			e                  models.RosterEntry
			joinedAt, lastSeen int64
		)
		if err := rows.Scan(&e.SessionID, &e.DisplayName, &joinedAt, &lastSeen); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		e.JoinedAt = sqlutil.FromUnixNano(joinedAt)
		e.LastSeenAt = sqlutil.FromUnixNano(lastSeen)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
