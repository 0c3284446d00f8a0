// Package roster tracks which participants have joined the session.
package roster

import (
	"context"
	"sort"
	"strings"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/rs/zerolog/log"
)

// Repository defines what the tracker needs from the store
type Repository interface {
	UpsertRosterEntry(ctx context.Context, e models.RosterEntry) error
	Roster(ctx context.Context) ([]models.RosterEntry, error)
}

// Tracker handles roster registration
type Tracker struct {
	repo  Repository
	clock clockwork.Clock
}

// NewTracker creates a new roster Tracker
func NewTracker(repo Repository, clock clockwork.Clock) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{repo: repo, clock: clock}
}

// Register upserts the participant keyed by session id. Registering again with the
// same session id renames the entry in place; the store keeps the original JoinedAt.
func (t *Tracker) Register(ctx context.Context, sessionID, displayName string) (*models.RosterEntry, error) {
	const op = "register"

	sessionID = strings.TrimSpace(sessionID)
	displayName = strings.TrimSpace(displayName)
	if sessionID == "" {
		return nil, poll.Validation(op, "session id is required")
	}
	if displayName == "" {
		return nil, poll.Validation(op, "display name is required")
	}

	now := t.clock.Now().UTC()
	entry := models.RosterEntry{
		SessionID:   sessionID,
		DisplayName: displayName,
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	if err := t.repo.UpsertRosterEntry(ctx, entry); err != nil {
		return nil, poll.Classify(op, err)
	}

	log.Info().
		Str("session_id", sessionID).
		Str("display_name", displayName).
		Msg("participant registered")

	return &entry, nil
}

// List returns the roster in join order.
func (t *Tracker) List(ctx context.Context) ([]models.RosterEntry, error) {
	entries, err := t.repo.Roster(ctx)
	if err != nil {
		return nil, poll.Classify("list_roster", err)
	}
	return Ordered(entries), nil
}

// Ordered sorts entries by JoinedAt, breaking ties by session id. The input is not
// modified.
func Ordered(entries []models.RosterEntry) []models.RosterEntry {
	out := append([]models.RosterEntry(nil), entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

// Lookup finds the entry for sessionID.
func Lookup(entries []models.RosterEntry, sessionID string) (models.RosterEntry, bool) {
	for _, e := range entries {
		if e.SessionID == sessionID {
			return e, true
		}
	}
	return models.RosterEntry{}, false
}
