// Package errors defines the pipeline's error taxonomy and maps it onto HTTP responses.
package errors

import (
	stderrors "errors"
)

// StandardError represents a standard application error. Two StandardErrors
// match under errors.Is when their Type is equal, so sentinels can be wrapped
// with a cause and still be recognised.
type StandardError struct {
	Type    string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *StandardError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *StandardError) Unwrap() error {
	return e.Cause
}

func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// WithCause adds a cause to the error
func (e *StandardError) WithCause(cause error) *StandardError {
	return &StandardError{
		Type:    e.Type,
		Message: e.Message,
		Cause:   cause,
	}
}

// WithMessage returns a copy carrying a more specific message.
func (e *StandardError) WithMessage(msg string) *StandardError {
	return &StandardError{
		Type:    e.Type,
		Message: msg,
		Cause:   e.Cause,
	}
}

const (
	TypeExtractionFailure    = "EXTRACTION_FAILURE"
	TypeEmbeddingUnavailable = "EMBEDDING_UNAVAILABLE"
	TypeNoActiveSession      = "NO_ACTIVE_SESSION"
	TypeInvalidArgument      = "INVALID_ARGUMENT"
	TypeModelMismatch        = "MODEL_MISMATCH"
	TypeChannelLost          = "CHANNEL_LOST"
	TypeSessionSuperseded    = "SESSION_SUPERSEDED"
	TypeEmptyDocument        = "EMPTY_DOCUMENT"
	TypeGenerationFailure    = "GENERATION_FAILURE"
)

// ErrExtractionFailure marks a bad or unsupported document. Reported per item.
var ErrExtractionFailure = &StandardError{
	Type:    TypeExtractionFailure,
	Message: "Document extraction failed",
}

// ErrEmbeddingUnavailable means the embedding model could not be reached.
var ErrEmbeddingUnavailable = &StandardError{
	Type:    TypeEmbeddingUnavailable,
	Message: "Embedding model unavailable",
}

// ErrNoActiveSession is returned when auto-start is disabled and no session exists.
var ErrNoActiveSession = &StandardError{
	Type:    TypeNoActiveSession,
	Message: "No active session",
}

// ErrInvalidArgument rejects bad input before any side effect.
var ErrInvalidArgument = &StandardError{
	Type:    TypeInvalidArgument,
	Message: "Invalid argument",
}

// ErrModelMismatch is a configuration defect: vectors from different models or dimensions.
var ErrModelMismatch = &StandardError{
	Type:    TypeModelMismatch,
	Message: "Embedding model mismatch",
}

// ErrChannelLost is raised by the realtime client when the connection is not open.
var ErrChannelLost = &StandardError{
	Type:    TypeChannelLost,
	Message: "Realtime channel lost",
}

// ErrSessionSuperseded is returned to ingestion that was bound to a session
// replaced while it was in flight. Its work is discarded.
var ErrSessionSuperseded = &StandardError{
	Type:    TypeSessionSuperseded,
	Message: "Session was replaced during ingestion",
}

// ErrEmptyDocument signals a document that produced no chunks where one was required.
var ErrEmptyDocument = &StandardError{
	Type:    TypeEmptyDocument,
	Message: "Document contains no text",
}

// ErrGenerationFailure wraps answer synthesizer failures.
var ErrGenerationFailure = &StandardError{
	Type:    TypeGenerationFailure,
	Message: "Answer generation failed",
}

// TypeOf returns the taxonomy type of err, or "" if err is not a StandardError.
func TypeOf(err error) string {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se.Type
	}
	return ""
}
