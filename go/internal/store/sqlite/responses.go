package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/sqlutil"
)

// InsertResponse records a vote. The insert only happens while the poll is active;
// a second vote from the same session is poll.ErrDuplicateResponse.
func (s *Store) InsertResponse(ctx context.Context, r models.Response) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_responses (id, poll_id, student_session_id, student_name, selected_option, submitted_at)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE EXISTS (SELECT 1 FROM polls WHERE id = ? AND is_active = 1)`,
		r.ID.String(), r.PollID.String(), r.SessionID, r.DisplayName, r.SelectedOption,
		sqlutil.ToUnixNano(r.SubmittedAt), r.PollID.String(),
	)
	if isUniqueViolation(err) {
		return poll.ErrDuplicateResponse
	}
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}
	if n == 0 {
		return poll.ErrPollNotActive
	}

	s.notify(ctx, models.ClassResponses)
	return nil
}

// ResponsesForPoll returns the poll's responses in submission order.
func (s *Store) ResponsesForPoll(ctx context.Context, pollID uuid.UUID) ([]models.Response, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, poll_id, student_session_id, student_name, selected_option, submitted_at
		FROM poll_responses
		WHERE poll_id = ?
		ORDER BY submitted_at, id`, pollID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var (
			id, pid     string
			submittedAt int64
			r           models.Response
		)
		if err := rows.Scan(&id, &pid, &r.SessionID, &r.DisplayName, &r.SelectedOption, &submittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid response id %q: %w", id, err)
		}
		if r.PollID, err = uuid.Parse(pid); err != nil {
			return nil, fmt.Errorf("invalid poll id %q: %w", pid, err)
		}
		r.SubmittedAt = sqlutil.FromUnixNano(submittedAt)
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
