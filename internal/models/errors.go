package models

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound         = errors.New("job not found")
	ErrStatusConflict   = errors.New("job status changed concurrently")
	ErrNotCancellable   = errors.New("job is not cancellable")
	ErrNotRetryable     = errors.New("job is not in a dead-lettered state")
	ErrNotReschedulable = errors.New("job can only be rescheduled while scheduled or pending")
)

// ValidationFailure is returned when content violates a platform limit at admission.
type ValidationFailure struct {
	Results []ValidationResult
}

func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Results))
	for _, r := range e.Results {
		if r.Status == ValidationError {
			msgs = append(msgs, fmt.Sprintf("%s.%s: %s", r.Platform, r.Field, r.Message))
		}
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (e *ValidationFailure) ErrCode() string { return "VALIDATION_ERROR" }

func (e *ValidationFailure) StatusCode() int { return http.StatusUnprocessableEntity }

// ConfigurationError is returned when a job targets a platform with no adapter.
type ConfigurationError struct {
	Platform string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("unsupported platform %q", e.Platform)
}

func (e *ConfigurationError) ErrCode() string { return "CONFIGURATION_ERROR" }

func (e *ConfigurationError) StatusCode() int { return http.StatusBadRequest }

// RequestError wraps malformed caller input.
type RequestError string

func (e RequestError) Error() string { return string(e) }

func (e RequestError) ErrCode() string { return "INVALID_REQUEST" }

func (e RequestError) StatusCode() int { return http.StatusBadRequest }

// ErrorCode maps an error to a stable code and HTTP status.
func ErrorCode(err error) (string, int) {
	var coded interface {
		ErrCode() string
		StatusCode() int
	}
	if errors.As(err, &coded) {
		return coded.ErrCode(), coded.StatusCode()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, ErrNotCancellable), errors.Is(err, ErrNotRetryable),
		errors.Is(err, ErrNotReschedulable), errors.Is(err, ErrStatusConflict):
		return "INVALID_STATE", http.StatusConflict
	}
	return "INTERNAL_ERROR", http.StatusInternalServerError
}
