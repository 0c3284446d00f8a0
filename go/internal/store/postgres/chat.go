package postgres

import (
	"context"
	"fmt"

	"github.com/mcdev12/pollsync/go/internal/models"
)

// InsertChatMessage stores a chat message.
func (s *Store) InsertChatMessage(ctx context.Context, m models.ChatMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, sender_name, sender_type, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SenderName, string(m.SenderRole), m.Text, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert chat message: %w", err)
	}
	return nil
}

// RecentChatMessages returns the newest limit messages, oldest first.
func (s *Store) RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sender_name, sender_type, message, created_at FROM (
			SELECT id, sender_name, sender_type, message, created_at
			FROM chat_messages
			ORDER BY created_at DESC, id DESC
			LIMIT $1
		) recent
		ORDER BY created_at, id`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var (
			m    models.ChatMessage
			role string
		)
		if err := rows.Scan(&m.ID, &m.SenderName, &role, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat message: %w", err)
		}
		m.SenderRole = models.ParticipantRole(role)
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
