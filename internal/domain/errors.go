package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates no cached entry was found.
	ErrCacheMiss = errors.New("cache miss")

	// ErrConfiguration indicates a missing or invalid required option. Not retried.
	ErrConfiguration = errors.New("configuration error")

	// ErrCacheRead marks a local tier read failure. Absorbed as a miss, never surfaced.
	ErrCacheRead = errors.New("cache read failure")

	// ErrCacheWrite marks a failed tier write. Reported, never fails the request.
	ErrCacheWrite = errors.New("cache write failure")

	// ErrCacheUnavailable marks a remote tier connectivity failure.
	ErrCacheUnavailable = errors.New("cache unavailable")

	// ErrStreamProtocol marks a malformed or truncated event stream.
	ErrStreamProtocol = errors.New("stream protocol error")

	// ErrProvider marks a provider call that failed after its retry budget.
	ErrProvider = errors.New("provider error")

	// ErrPromptTooLarge indicates the prompt leaves no room in the total token budget.
	ErrPromptTooLarge = errors.New("prompt exceeds token budget")
)

// StreamError carries the text of an error frame received mid-stream.
type StreamError struct {
	Text string
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error frame: %s", e.Text)
}

// Unwrap lets errors.Is match ErrStreamProtocol.
func (e *StreamError) Unwrap() error {
	return ErrStreamProtocol
}
