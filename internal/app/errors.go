package app

import (
	"errors"
	"fmt"
	"net/http"

	"creditauth/api/internal/draft"
	"creditauth/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", map[string]any{"action": action})
}

// toDomainError translates workflow error kinds into HTTP-facing errors.
func toDomainError(err error) *DomainError {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}

	var details any
	if field := workflow.FieldOf(err); field != "" {
		details = map[string]any{"field": field}
	}
	switch {
	case errors.Is(err, workflow.ErrValidation):
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), details)
	case errors.Is(err, workflow.ErrInvalidTransition):
		return domainError(http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, workflow.ErrConflict):
		return domainError(http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, draft.ErrCreateInProgress):
		return domainError(http.StatusConflict, "CREATE_IN_PROGRESS", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, workflow.ErrPersistence):
		return domainError(http.StatusServiceUnavailable, "PERSISTENCE_ERROR", "Storage unavailable", nil)
	default:
		return nil
	}
}
