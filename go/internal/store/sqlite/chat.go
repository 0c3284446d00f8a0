package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/sqlutil"
)

// InsertChatMessage stores a chat message.
func (s *Store) InsertChatMessage(ctx context.Context, m models.ChatMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_messages (id, sender_name, sender_type, message, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.ID.String(), m.SenderName, string(m.SenderRole), m.Text, sqlutil.ToUnixNano(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}

	s.notify(ctx, models.ClassChat)
	return nil
}

// RecentChatMessages returns the newest limit messages, oldest first.
func (s *Store) RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sender_name, sender_type, message, created_at FROM (
			SELECT id, sender_name, sender_type, message, created_at
			FROM chat_messages
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at, id`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var (
			id, role  string
			createdAt int64
			m         models.ChatMessage
		)
		if err := rows.Scan(&id, &m.SenderName, &role, &m.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid chat message id %q: %w", id, err)
		}
		m.SenderRole = models.ParticipantRole(role)
		m.CreatedAt = sqlutil.FromUnixNano(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
