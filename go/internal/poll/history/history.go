// Package history lists ended polls with their final results.
package history

import (
	"context"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/poll/aggregate"
)

// DefaultLimit caps how many past polls are listed when no limit is given.
const DefaultLimit = 20

// Repository defines what history needs from the store
type Repository interface {
	EndedPolls(ctx context.Context, limit int) ([]models.Poll, error)
	ResponsesForPoll(ctx context.Context, pollID uuid.UUID) ([]models.Response, error)
}

// PastPoll is an ended poll with its tally.
type PastPoll struct {
	Poll           models.Poll              `json:"poll"`
	Results        []aggregate.OptionResult `json:"results"`
	TotalResponses int                      `json:"total_responses"`
}

// App serves past poll results
type App struct {
	repo Repository
}

// NewApp creates a new history App
func NewApp(repo Repository) *App {
	return &App{repo: repo}
}

// List returns up to limit ended polls, newest first.
func (a *App) List(ctx context.Context, limit int) ([]PastPoll, error) {
	const op = "list_past_polls"

	if limit <= 0 {
		limit = DefaultLimit
	}

	polls, err := a.repo.EndedPolls(ctx, limit)
	if err != nil {
		return nil, poll.Classify(op, err)
	}

	out := make([]PastPoll, 0, len(polls))
	for i := range polls {
		p := polls[i]
		responses, err := a.repo.ResponsesForPoll(ctx, p.ID)
		if err != nil {
			return nil, poll.Classify(op, err)
		}
		results := aggregate.Tally(&p, responses)
		out = append(out, PastPoll{
			Poll:           p,
			Results:        results,
			TotalResponses: aggregate.TotalVotes(results),
		})
	}
	return out, nil
}
