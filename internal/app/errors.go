package app

import (
	"fmt"
	"net/http"
)

// DomainError is returned by Service methods and rendered as-is by the HTTP
// layer.
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

var errSuggestionNotFound = domainError(http.StatusNotFound, "SUGGESTION_NOT_FOUND", "Suggestion not found", nil)

var errServiceClosed = domainError(http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down", nil)
