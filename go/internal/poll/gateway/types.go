package gateway

import (
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll/history"
	"github.com/mcdev12/pollsync/go/internal/poll/view"
)

// RegisterRequest joins a participant to the roster.
type RegisterRequest struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

type RegisterResponse struct {
	View view.ParticipantView `json:"view"`
}

// CreatePollRequest starts a poll for the coordinator session.
type CreatePollRequest struct {
	SessionID    string   `json:"session_id"`
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	TimeLimitSec int      `json:"time_limit"`
}

type CreatePollResponse struct {
	Poll *models.Poll         `json:"poll"`
	View view.CoordinatorView `json:"view"`
}

// SubmitResponseRequest votes on the active poll.
type SubmitResponseRequest struct {
	SessionID      string `json:"session_id"`
	SelectedOption int    `json:"selected_option"`
}

type SubmitResponseResponse struct {
	View view.ParticipantView `json:"view"`
}

type EndPollRequest struct {
	SessionID string `json:"session_id"`
}

type EndPollResponse struct {
	View view.CoordinatorView `json:"view"`
}

// GetStateRequest reads the view for one role. Exactly one of the response's views is set.
type GetStateRequest struct {
	Role      models.ParticipantRole `json:"role"`
	SessionID string                 `json:"session_id"`
}

type GetStateResponse struct {
	Coordinator *view.CoordinatorView `json:"teacher,omitempty"`
	Participant *view.ParticipantView `json:"student,omitempty"`
}

type ListPastPollsRequest struct {
	Limit int `json:"limit"`
}

type ListPastPollsResponse struct {
	Polls []history.PastPoll `json:"polls"`
}

type SendChatMessageRequest struct {
	SenderName string                 `json:"sender_name"`
	SenderRole models.ParticipantRole `json:"sender_type"`
	Message    string                 `json:"message"`
}

type SendChatMessageResponse struct {
	Message *models.ChatMessage `json:"message"`
}

type ListChatMessagesRequest struct {
	Limit int `json:"limit"`
}

type ListChatMessagesResponse struct {
	Messages []models.ChatMessage `json:"messages"`
}
