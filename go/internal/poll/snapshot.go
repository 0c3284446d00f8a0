package poll

import (
	"time"

	"github.com/mcdev12/pollsync/go/internal/models"
)

// Snapshot is a client's local projection of the durable store. It is a cache with
// no authority and is replaced wholesale on every refresh.
type Snapshot struct {
	Poll      *models.Poll         `json:"current_poll"`
	Responses []models.Response    `json:"responses"`
	Roster    []models.RosterEntry `json:"students"`
	FetchedAt time.Time            `json:"fetched_at"`
	// Err is the most recent refresh failure, cleared by the next successful refresh.
	Err error `json:"-"`
}

// ActivePoll returns the projected poll when it is active, otherwise nil.
func (s Snapshot) ActivePoll() *models.Poll {
	if s.Poll == nil || !s.Poll.Active {
		return nil
	}
	return s.Poll
}

// Clone returns a copy whose slices can be handed to observers safely.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Poll != nil {
		p := *s.Poll
		p.Options = append([]string(nil), s.Poll.Options...)
		out.Poll = &p
	}
	out.Responses = append([]models.Response(nil), s.Responses...)
	out.Roster = append([]models.RosterEntry(nil), s.Roster...)
	return out
}
