package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrPersistence       = errors.New("persistence error")
)

// Error carries one of the sentinel kinds and, for persistence failures, the
// underlying cause. Match it with errors.Is against the sentinels.
type Error struct {
	Kind    error
	Field   string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func Validation(field, message string) error {
	return &Error{Kind: ErrValidation, Field: field, Message: message}
}

func InvalidTransition(from Status, action string) error {
	return &Error{Kind: ErrInvalidTransition, Message: fmt.Sprintf("cannot %s a request in status %s", action, from)}
}

func Conflict(message string) error {
	return &Error{Kind: ErrConflict, Message: message}
}

func NotFound(resource, id string) error {
	return &Error{Kind: ErrNotFound, Field: resource, Message: id}
}

func Persistence(message string, cause error) error {
	return &Error{Kind: ErrPersistence, Message: message, Cause: cause}
}

// FieldOf returns the offending field of a validation error, if any.
func FieldOf(err error) string {
	var wfErr *Error
	if errors.As(err, &wfErr) {
		return wfErr.Field
	}
	return ""
}
