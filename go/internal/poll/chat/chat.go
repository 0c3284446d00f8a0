// Package chat is the session's shared message board.
package chat

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/rs/zerolog/log"
)

const (
	// MaxMessageLength is the longest accepted message, in characters.
	MaxMessageLength = 500
	// MaxRecent is the most messages Recent returns.
	MaxRecent = 50
)

// Repository defines what chat needs from the store
type Repository interface {
	InsertChatMessage(ctx context.Context, m models.ChatMessage) error
	RecentChatMessages(ctx context.Context, limit int) ([]models.ChatMessage, error)
}

// App handles chat messages
type App struct {
	repo  Repository
	clock clockwork.Clock
}

// NewApp creates a new chat App
func NewApp(repo Repository, clock clockwork.Clock) *App {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &App{repo: repo, clock: clock}
}

// Send posts a message from senderName.
func (a *App) Send(ctx context.Context, senderName string, role models.ParticipantRole, text string) (*models.ChatMessage, error) {
	const op = "send_chat_message"

	senderName = strings.TrimSpace(senderName)
	text = strings.TrimSpace(text)
	switch {
	case senderName == "":
		return nil, poll.Validation(op, "sender name is required")
	case !role.Valid():
		return nil, poll.Validation(op, fmt.Sprintf("unknown role %q", role))
	case text == "":
		return nil, poll.Validation(op, "message is empty")
	case utf8.RuneCountInString(text) > MaxMessageLength:
		return nil, poll.Validation(op, fmt.Sprintf("message exceeds %d characters", MaxMessageLength))
	}

	m := models.ChatMessage{
		ID:         uuid.New(),
		SenderName: senderName,
		SenderRole: role,
		Text:       text,
		CreatedAt:  a.clock.Now().UTC(),
	}
	if err := a.repo.InsertChatMessage(ctx, m); err != nil {
		return nil, poll.Classify(op, err)
	}

	log.Debug().Str("sender", senderName).Str("role", string(role)).Msg("chat message sent")
	return &m, nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (a *App) Recent(ctx context.Context, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	msgs, err := a.repo.RecentChatMessages(ctx, limit)
	if err != nil {
		return nil, poll.Classify("list_chat_messages", err)
	}
	return msgs, nil
}
