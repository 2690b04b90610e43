package models

import (
	"errors"
	"fmt"
)

// ErrorKind categorises failures across the call engine.
type ErrorKind string

const (
	// KindValidation marks malformed or out-of-order input. Rejected without touching session state.
	KindValidation ErrorKind = "validation"
	// KindExternalService marks a failed or timed-out collaborator (generator, channel, store).
	KindExternalService ErrorKind = "external_service"
	// KindStateConflict marks an event that does not apply to the session's current state.
	KindStateConflict ErrorKind = "state_conflict"
	// KindFatalSession marks an unrecoverable per-session failure.
	KindFatalSession ErrorKind = "fatal_session"
)

// ValidationError reports malformed input at a boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ExternalServiceError wraps a failure of an external collaborator.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// NewExternalServiceError wraps err as a failure of service.
func NewExternalServiceError(service string, err error) *ExternalServiceError {
	return &ExternalServiceError{Service: service, Err: err}
}

// StateConflictError reports an event that cannot apply to the session's current status.
type StateConflictError struct {
	SessionID string
	Status    CallStatus
	Event     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("session %s: event %s not applicable in status %s", e.SessionID, e.Event, e.Status)
}

// FatalSessionError reports that a session was forced to failed.
type FatalSessionError struct {
	SessionID string
	Err       error
}

func (e *FatalSessionError) Error() string {
	return fmt.Sprintf("session %s failed: %v", e.SessionID, e.Err)
}

func (e *FatalSessionError) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or "" when err is not part of it.
func KindOf(err error) ErrorKind {
	var (
		ve *ValidationError
		xe *ExternalServiceError
		se *StateConflictError
		fe *FatalSessionError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &se):
		return KindStateConflict
	case errors.As(err, &fe):
		return KindFatalSession
	case errors.As(err, &xe):
		return KindExternalService
	default:
		return ""
	}
}
