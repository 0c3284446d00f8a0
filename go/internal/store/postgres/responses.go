package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
)

// InsertResponse records a vote while the poll is active.
func (s *Store) InsertResponse(ctx context.Context, r models.Response) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO poll_responses (id, poll_id, student_session_id, student_name, selected_option, submitted_at)
		SELECT $1::uuid, $2::uuid, $3::text, $4::text, $5::integer, $6::timestamptz
		WHERE EXISTS (SELECT 1 FROM polls WHERE id = $2 AND is_active)`,
		r.ID, r.PollID, r.SessionID, r.DisplayName, r.SelectedOption, r.SubmittedAt,
	)
	if violates(err, constraintOnePerSession) {
		return poll.ErrDuplicateResponse
	}
	if err != nil {
		return fmt.Errorf("failed to insert response: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return poll.ErrPollNotActive
	}
	return nil
}

// ResponsesForPoll returns the poll's responses in submission order.
func (s *Store) ResponsesForPoll(ctx context.Context, pollID uuid.UUID) ([]models.Response, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, poll_id, student_session_id, student_name, selected_option, submitted_at
		FROM poll_responses
		WHERE poll_id = $1
		ORDER BY submitted_at, id`, pollID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	defer rows.Close()

	var responses []models.Response
	for rows.Next() {
		var r models.Response
		if err := rows.Scan(&r.ID, &r.PollID, &r.SessionID, &r.DisplayName, &r.SelectedOption, &r.SubmittedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		r.SubmittedAt = r.SubmittedAt.UTC()
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
