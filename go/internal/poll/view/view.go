// Package view projects a snapshot into what each role renders.
package view

import (
	"time"

	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/aggregate"
	"github.com/mcdev12/pollsync/go/internal/poll/lifecycle"
	"github.com/mcdev12/pollsync/go/internal/poll/roster"
)

// Mode is what a participant's screen shows.
type Mode string

const (
	ModeWaiting Mode = "waiting"
	ModeVoting  Mode = "voting"
	ModeResults Mode = "results"
)

// CoordinatorView is the coordinator's dashboard.
type CoordinatorView struct {
	Poll           *models.Poll             `json:"current_poll"`
	State          lifecycle.State          `json:"state"`
	Roster         []models.RosterEntry     `json:"students"`
	RosterSize     int                      `json:"roster_size"`
	TimeLeftSec    int                      `json:"time_left"`
	TotalResponses int                      `json:"total_responses"`
	Results        []aggregate.OptionResult `json:"results"`
	AllResponded   bool                     `json:"all_responded"`
	CanCreatePoll  bool                     `json:"can_create_poll"`
	Error          string                   `json:"error,omitempty"`
}

// ParticipantView is a single participant's screen.
type ParticipantView struct {
	SessionID      string                   `json:"session_id"`
	DisplayName    string                   `json:"name,omitempty"`
	Registered     bool                     `json:"registered"`
	Mode           Mode                     `json:"mode"`
	Poll           *models.Poll             `json:"current_poll"`
	HasResponded   bool                     `json:"has_responded"`
	TimeLeftSec    int                      `json:"time_left"`
	TimeUp         bool                     `json:"time_up"`
	TotalResponses int                      `json:"total_responses"`
	Results        []aggregate.OptionResult `json:"results,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// Coordinator builds the coordinator view at now.
func Coordinator(s poll.Snapshot, now time.Time) CoordinatorView {
	p := s.ActivePoll()
	v := CoordinatorView{
		Poll:          p,
		State:         lifecycle.StateOf(p),
		Roster:        roster.Ordered(s.Roster),
		RosterSize:    len(s.Roster),
		CanCreatePoll: lifecycle.CanCreateNext(s),
		Error:         errString(s.Err),
	}
	if p == nil {
		return v
	}

	v.TimeLeftSec = p.RemainingSeconds(now)
	v.Results = aggregate.Tally(p, s.Responses)
	v.TotalResponses = aggregate.TotalVotes(v.Results)
	v.AllResponded = aggregate.AllResponded(s.Roster, s.Responses, p.ID)
	return v
}

// Participant builds the view for sessionID at now.
func Participant(s poll.Snapshot, sessionID string, now time.Time) ParticipantView {
	v := ParticipantView{
		SessionID: sessionID,
		Mode:      ModeWaiting,
		Error:     errString(s.Err),
	}
	if e, ok := roster.Lookup(s.Roster, sessionID); ok {
		v.Registered = true
		v.DisplayName = e.DisplayName
	}

	p := s.ActivePoll()
	if p == nil {
		return v
	}

	v.Poll = p
	v.HasResponded = aggregate.HasResponded(s.Responses, p.ID, sessionID)
	v.TimeLeftSec = p.RemainingSeconds(now)
	v.TimeUp = v.TimeLeftSec == 0

	if !v.HasResponded && !v.TimeUp {
		v.Mode = ModeVoting
		return v
	}

	v.Mode = ModeResults
	v.Results = aggregate.Tally(p, s.Responses)
	v.TotalResponses = aggregate.TotalVotes(v.Results)
	return v
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
