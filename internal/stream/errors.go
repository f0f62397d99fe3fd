package stream

import "errors"

// ValidationError is a malformed start request. Fatal, no mutation.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

var (
	// ErrNoActiveStream means the chat has no live stream to resume.
	ErrNoActiveStream = errors.New("no active stream")
)
