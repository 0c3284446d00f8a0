// Package aggregate computes poll results from the raw response set. Everything here
// is a pure function of its inputs; counts are never stored.
package aggregate

import (
	"math"
	"sort"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
)

// OptionResult is the tally for one option.
type OptionResult struct {
	Index      int    `json:"index"`
	Option     string `json:"option"`
	Votes      int    `json:"votes"`
	Percentage int    `json:"percentage"`
	Leading    bool   `json:"leading"`
}

// Dedup returns the responses that count for pollID: at most one per session, the
// earliest submission winning. Input order is preserved for the survivors.
func Dedup(pollID uuid.UUID, responses []models.Response) []models.Response {
	first := make(map[string]int, len(responses))
	out := make([]models.Response, 0, len(responses))
	for _, r := range responses {
		if r.PollID != pollID {
			continue
		}
		if i, seen := first[r.SessionID]; seen {
			if r.SubmittedAt.Before(out[i].SubmittedAt) {
				out[i] = r
			}
			continue
		}
		first[r.SessionID] = len(out)
		out = append(out, r)
	}
	return out
}

// Tally counts votes per option. Responses for other polls, duplicate sessions and
// out-of-range selections are ignored. Percentages are rounded independently and are
// not forced to sum to 100.
func Tally(p *models.Poll, responses []models.Response) []OptionResult {
	if p == nil {
		return nil
	}

	counts := make([]int, len(p.Options))
	total := 0
	for _, r := range Dedup(p.ID, responses) {
		if !p.HasOption(r.SelectedOption) {
			continue
		}
		counts[r.SelectedOption]++
		total++
	}

	maxVotes := 0
	for _, c := range counts {
		if c > maxVotes {
			maxVotes = c
		}
	}

	results := make([]OptionResult, len(p.Options))
	for i, label := range p.Options {
		results[i] = OptionResult{
			Index:      i,
			Option:     label,
			Votes:      counts[i],
			Percentage: percentage(counts[i], total),
			Leading:    maxVotes > 0 && counts[i] == maxVotes,
		}
	}
	return results
}

func percentage(count, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(count) / float64(total) * 100))
}

// TotalVotes sums the counted votes in a tally.
func TotalVotes(results []OptionResult) int {
	n := 0
	for _, r := range results {
		n += r.Votes
	}
	return n
}

// HasResponded reports whether sessionID has a response to pollID. Responses to
// other polls never count.
func HasResponded(responses []models.Response, pollID uuid.UUID, sessionID string) bool {
	for _, r := range responses {
		if r.PollID == pollID && r.SessionID == sessionID {
			return true
		}
	}
	return false
}

// AllResponded reports whether every roster member has responded to pollID. An
// empty roster is never "all responded".
func AllResponded(roster []models.RosterEntry, responses []models.Response, pollID uuid.UUID) bool {
	if len(roster) == 0 {
		return false
	}
	answered := make(map[string]struct{}, len(responses))
	for _, r := range responses {
		if r.PollID == pollID {
			answered[r.SessionID] = struct{}{}
		}
	}
	for _, e := range roster {
		if _, ok := answered[e.SessionID]; !ok {
			return false
		}
	}
	return true
}

// Leading returns the indices of every leading option in ascending order.
func Leading(results []OptionResult) []int {
	var idx []int
	for _, r := range results {
		if r.Leading {
			idx = append(idx, r.Index)
		}
	}
	sort.Ints(idx)
	return idx
}
