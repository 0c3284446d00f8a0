package poll

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error by how the caller should react to it.
type Kind int

const (
	// KindValidation is malformed input, rejected before any store mutation.
	KindValidation Kind = iota + 1
	// KindConflict is a request that contradicts current state. Do not retry.
	KindConflict
	// KindTransient is a store or transport failure. The read path retries on its own.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

var (
	// ErrValidation matches any validation error via errors.Is.
	ErrValidation = errors.New("validation error")
	// ErrConflict matches any conflict error via errors.Is.
	ErrConflict = errors.New("conflict error")
	// ErrTransient matches any transient error via errors.Is.
	ErrTransient = errors.New("transient error")
)

// Store-level outcomes. Stores return these unwrapped or wrapped with %w.
var (
	// ErrActivePollExists is returned when inserting a poll while one is active.
	ErrActivePollExists = errors.New("a poll is already active")
	// ErrDuplicateResponse is returned on a second response for the same poll and session.
	ErrDuplicateResponse = errors.New("response already recorded for this session")
	// ErrPollNotActive is returned when voting on a poll that is not active.
	ErrPollNotActive = errors.New("poll is not active")
	// ErrPollAlreadyEnded signals that another client already ended the poll.
	ErrPollAlreadyEnded = errors.New("poll already ended")
	// ErrNoActivePoll is returned by actions that need an active poll.
	ErrNoActivePoll = errors.New("no active poll")
)

// Error is the error type surfaced by engine actions.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match an *Error against the kind sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrConflict:
		return e.Kind == KindConflict
	case ErrTransient:
		return e.Kind == KindTransient
	}
	return false
}

// Validation builds a KindValidation error.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Msg: msg}
}

// Conflict builds a KindConflict error around cause.
func Conflict(op string, cause error) error {
	return &Error{Kind: KindConflict, Op: op, Err: cause}
}

// Transient builds a KindTransient error around cause.
func Transient(op string, cause error) error {
	return &Error{Kind: KindTransient, Op: op, Err: cause}
}

// Classify wraps a raw store error in the taxonomy. Known store sentinels become
// conflicts, anything unrecognised is transient, and already-classified errors pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	switch {
	case errors.Is(err, ErrActivePollExists),
		errors.Is(err, ErrDuplicateResponse),
		errors.Is(err, ErrPollNotActive),
		errors.Is(err, ErrNoActivePoll):
		return Conflict(op, err)
	}
	return Transient(op, err)
}

// KindOf returns the Kind of err, or 0 when err is not an engine error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return 0
}
