package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkFailure is returned when a request to the assistant could not complete.
	ErrNetworkFailure = errors.New("network failure")
	// ErrInvalidResponse is returned when the assistant replied with a malformed or incomplete
	// payload.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrTranscriptionUnsupported is returned by backends that can only answer text.
	ErrTranscriptionUnsupported = errors.New("transcription is not supported by this backend")
	// ErrStoreLocked is returned when the session store file is held open by another process.
	ErrStoreLocked = errors.New("session store is locked by another ganapathi process")
)

// APIError is returned when the assistant answered with a non-success status. Details carries
// the server supplied reason.
type APIError struct {
	StatusCode int
	Details    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("assistant returned status %d: %s", e.StatusCode, e.Details)
}

const errLoggerKey = "err"
