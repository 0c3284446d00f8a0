package models

import (
	"time"

	"github.com/google/uuid"
)

// ParticipantRole tags which side of a poll a client is on.
type ParticipantRole string

const (
	RoleCoordinator ParticipantRole = "teacher"
	RoleParticipant ParticipantRole = "student"
)

// Valid reports whether r is one of the known roles.
func (r ParticipantRole) Valid() bool {
	return r == RoleCoordinator || r == RoleParticipant
}

// RecordClass names a table whose changes are announced on the change feed.
type RecordClass string

const (
	ClassPolls     RecordClass = "polls"
	ClassResponses RecordClass = "poll_responses"
	ClassRoster    RecordClass = "students"
	ClassChat      RecordClass = "chat_messages"
)

// SyncedClasses are the classes a poll session subscribes to.
var SyncedClasses = []RecordClass{ClassPolls, ClassResponses, ClassRoster}

// AllClasses is every class announced on the feed.
var AllClasses = []RecordClass{ClassPolls, ClassResponses, ClassRoster, ClassChat}

// Valid reports whether c is a known record class.
func (c RecordClass) Valid() bool {
	switch c {
	case ClassPolls, ClassResponses, ClassRoster, ClassChat:
		return true
	}
	return false
}

// Poll is a single timed question.
type Poll struct {
	ID            uuid.UUID `json:"id"`
	Question      string    `json:"question"`
	Options       []string  `json:"options"`
	CoordinatorID string    `json:"teacher_id"`
	Active        bool      `json:"is_active"`
	TimeLimitSec  int       `json:"time_limit"`
	CreatedAt     time.Time `json:"created_at"`
	EndsAt        time.Time `json:"ends_at"`
}

// HasOption reports whether idx addresses one of the poll's options.
func (p *Poll) HasOption(idx int) bool {
	return idx >= 0 && idx < len(p.Options)
}

// Remaining returns the time left before EndsAt, never negative.
func (p *Poll) Remaining(now time.Time) time.Duration {
	if p == nil || p.EndsAt.IsZero() {
		return 0
	}
	d := p.EndsAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// RemainingSeconds is Remaining floored to whole seconds.
func (p *Poll) RemainingSeconds(now time.Time) int {
	return int(p.Remaining(now) / time.Second)
}

// Response is one participant's vote on one poll.
type Response struct {
	ID             uuid.UUID `json:"id"`
	PollID         uuid.UUID `json:"poll_id"`
	SessionID      string    `json:"student_session_id"`
	DisplayName    string    `json:"student_name"`
	SelectedOption int       `json:"selected_option"`
	SubmittedAt    time.Time `json:"submitted_at"`
}

// RosterEntry is a known participant, independent of any poll.
type RosterEntry struct {
	SessionID   string    `json:"session_id"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// ChatMessage is a free-text message in the session side channel.
type ChatMessage struct {
	ID         uuid.UUID       `json:"id"`
	SenderName string          `json:"sender_name"`
	SenderRole ParticipantRole `json:"sender_type"`
	Text       string          `json:"message"`
	CreatedAt  time.Time       `json:"created_at"`
}
