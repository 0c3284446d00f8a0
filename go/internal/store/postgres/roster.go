package postgres

import (
	"context"
	"fmt"

	"github.com/mcdev12/pollsync/go/internal/models"
)

// UpsertRosterEntry inserts the participant or renames it in place, keeping
// joined_at.
func (s *Store) UpsertRosterEntry(ctx context.Context, e models.RosterEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO students (session_id, name, joined_at, last_seen_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			name = EXCLUDED.name,
			last_seen_at = EXCLUDED.last_seen_at`,
		e.SessionID, e.DisplayName, e.JoinedAt, e.LastSeenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert roster entry: %w", err)
	}
	return nil
}

// Roster returns all participants in join order.
func (s *Store) Roster(ctx context.Context) ([]models.RosterEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, name, joined_at, last_seen_at
		FROM students
		ORDER BY joined_at, session_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list roster: %w", err)
	}
	defer rows.Close()

	var entries []models.RosterEntry
	for rows.Next() {
		var e models.RosterEntry
		if err := rows.Scan(&e.SessionID, &e.DisplayName, &e.JoinedAt, &e.LastSeenAt); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		e.JoinedAt = e.JoinedAt.UTC()
		e.LastSeenAt = e.LastSeenAt.UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
