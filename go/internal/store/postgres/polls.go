package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
)

const pollColumns = `id, question, options, teacher_id, is_active, time_limit, created_at, ends_at`

// InsertPoll stores a new poll.
func (s *Store) InsertPoll(ctx context.Context, p models.Poll) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO polls (`+pollColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.Question, p.Options, p.CoordinatorID, p.Active, p.TimeLimitSec, p.CreatedAt, p.EndsAt,
	)
	if violates(err, constraintSingleActive) {
		return poll.ErrActivePollExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert poll: %w", err)
	}
	return nil
}

// DeactivatePoll flips the active flag off.
func (s *Store) DeactivatePoll(ctx context.Context, pollID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polls SET is_active = FALSE WHERE id = $1 AND is_active`, pollID)
	if err != nil {
		return fmt.Errorf("failed to deactivate poll: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM polls WHERE id = $1)`, pollID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to look up poll: %w", err)
	}
	if !exists {
		return fmt.Errorf("poll %s: %w", pollID, poll.ErrNoActivePoll)
	}
	return poll.ErrPollAlreadyEnded
}

// ExpireDue ends every active poll whose expiry is at or before now.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE polls SET is_active = FALSE WHERE is_active AND ends_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire polls: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActivePoll returns the newest active poll, or nil when there is none.
func (s *Store) ActivePoll(ctx context.Context) (*models.Poll, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pollColumns+` FROM polls
		WHERE is_active
		ORDER BY created_at DESC
		LIMIT 1`)

	p, err := scanPoll(row)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active poll: %w", err)
	}
	return p, nil
}

// EndedPolls returns inactive polls, newest first.
func (s *Store) EndedPolls(ctx context.Context, limit int) ([]models.Poll, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pollColumns+` FROM polls
		WHERE NOT is_active
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list ended polls: %w", err)
	}
	defer rows.Close()

	var polls []models.Poll
	for rows.Next() {
		p, err := scanPoll(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan poll: %w", err)
		}
		polls = append(polls, *p)
	}
	return polls, rows.Err()
}

func scanPoll(row pgx.Row) (*models.Poll, error) {
	var p models.Poll
	if err := row.Scan(&p.ID, &p.Question, &p.Options, &p.CoordinatorID, &p.Active,
		&p.TimeLimitSec, &p.CreatedAt, &p.EndsAt); err != nil {
		return nil, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.EndsAt = p.EndsAt.UTC()
	return &p, nil
}
