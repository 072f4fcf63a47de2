package chat

import "errors"

var (
	ErrBusy               = errors.New("chat: a generation is already in progress")
	ErrEmptyMessage       = errors.New("chat: message is empty")
	ErrAllFallbacksFailed = errors.New("chat: all fallback models failed")
	ErrStateReset         = errors.New("chat: persisted state was reset")
	ErrSessionNotFound    = errors.New("chat: session not found")
	ErrPersonaNotFound    = errors.New("chat: persona not found")
	ErrOracularInactive   = errors.New("chat: oracular function is not engaged")
	ErrInvalidSettings    = errors.New("chat: invalid settings")
)

// InterruptedError reports a generation that failed after producing text.
// Partial has already been committed to history.
type InterruptedError struct {
	Partial string
	Err     error
}

func (e *InterruptedError) Error() string {
	return "generation interrupted: " + e.Err.Error()
}

func (e *InterruptedError) Unwrap() error { return e.Err }
