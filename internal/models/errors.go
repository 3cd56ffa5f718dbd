package models

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConnection        = errors.New("store unreachable")
	ErrTimeout           = errors.New("timed out")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrAlreadyAttached   = errors.New("already attached")
	ErrExternalService   = errors.New("external service error")
)

// ExternalServiceError is returned by the ticket and job runner clients for any
// transport or remote validation failure.
type ExternalServiceError struct {
	Service    string
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *ExternalServiceError) Error() string {
	msg := fmt.Sprintf("%s %s failed", e.Service, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if d := e.detail(); d != "" {
		msg += ": " + d
	}
	return msg
}

func (e *ExternalServiceError) detail() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Reason is the remote detail without the service/op prefix.
func (e *ExternalServiceError) Reason() string {
	if d := e.detail(); d != "" {
		return d
	}
	return e.Error()
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func (e *ExternalServiceError) Is(target error) bool { return target == ErrExternalService }

type TransitionError struct {
	ID   uuid.UUID
	From RequestStatus
	To   RequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// Detail extracts the most useful human-readable text from err.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Reason()
	}
	return err.Error()
}
