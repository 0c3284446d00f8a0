package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/pollsync/go/internal/models"
	"github.com/mcdev12/pollsync/go/internal/poll"
	"github.com/mcdev12/pollsync/go/internal/sqlutil"
)

const pollColumns = `id, question, options, teacher_id, is_active, time_limit, created_at, ends_at`

// InsertPoll stores a new poll. A second active poll violates the partial unique
// index and is reported as poll.ErrActivePollExists.
func (s *Store) InsertPoll(ctx context.Context, p models.Poll) error {
	options, err := json.Marshal(p.Options)
	if err != nil {
		return fmt.Errorf("failed to encode options: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO polls (`+pollColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.Question, string(options), p.CoordinatorID, p.Active,
		p.TimeLimitSec, sqlutil.ToUnixNano(p.CreatedAt), sqlutil.ToUnixNano(p.EndsAt),
	)
	if isUniqueViolation(err) {
		return poll.ErrActivePollExists
	}
	if err != nil {
		return fmt.Errorf("failed to insert poll: %w", err)
	}

	s.notify(ctx, models.ClassPolls)
	return nil
}

// DeactivatePoll flips the active flag off. It returns poll.ErrPollAlreadyEnded when
// the poll exists but was already inactive.
func (s *Store) DeactivatePoll(ctx context.Context, pollID uuid.UUID) error {
	err := sqlutil.Run(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE polls SET is_active = 0 WHERE id = ? AND is_active = 1`, pollID.String())
		if err != nil {
			return fmt.Errorf("failed to deactivate poll: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to deactivate poll: %w", err)
		}
		if n > 0 {
			return nil
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM polls WHERE id = ?)`, pollID.String()).Scan(&exists); err != nil {
			return fmt.Errorf("failed to look up poll: %w", err)
		}
		if !exists {
			return fmt.Errorf("poll %s: %w", pollID, poll.ErrNoActivePoll)
		}
		return poll.ErrPollAlreadyEnded
	})
	if err != nil {
		return err
	}

	s.notify(ctx, models.ClassPolls)
	return nil
}

// ExpireDue ends every active poll whose expiry is at or before now.
func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE polls SET is_active = 0 WHERE is_active = 1 AND ends_at <= ?`, sqlutil.ToUnixNano(now))
	if err != nil {
		return 0, fmt.Errorf("failed to expire polls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to expire polls: %w", err)
	}
	if n > 0 {
		s.notify(ctx, models.ClassPolls)
	}
	return n, nil
}

// ActivePoll returns the newest active poll, or nil when there is none.
func (s *Store) ActivePoll(ctx context.Context) (*models.Poll, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+pollColumns+` FROM polls
		WHERE is_active = 1
		ORDER BY created_at DESC
		LIMIT 1`)

	p, err := scanPoll(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active poll: %w", err)
	}
	return p, nil
}

// EndedPolls returns inactive polls, newest first.
func (s *Store) EndedPolls(ctx context.Context, limit int) ([]models.Poll, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pollColumns+` FROM polls
		WHERE is_active = 0
		ORDER BY created_at DESC
		LIMIT ?`, limit)
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

type scanner interface {
	Scan(dest ...any) error
}

func scanPoll(row scanner) (*models.Poll, error) {
	var (
		id, options       string
		createdAt, endsAt int64
		p                 models.Poll
	)
	if err := row.Scan(&id, &p.Question, &options, &p.CoordinatorID, &p.Active,
		&p.TimeLimitSec, &createdAt, &endsAt); err != nil {
		return nil, err
	}

	pollID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid poll id %q: %w", id, err)
	}
	if err := json.Unmarshal([]byte(options), &p.Options); err != nil {
		return nil, fmt.Errorf("invalid options for poll %s: %w", id, err)
	}

	p.ID = pollID
	p.CreatedAt = sqlutil.FromUnixNano(createdAt)
	p.EndsAt = sqlutil.FromUnixNano(endsAt)
	return &p, nil
}
