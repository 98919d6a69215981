package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"inkwell/api/internal/auth"
	"inkwell/api/internal/convert"
	"inkwell/api/internal/lock"
	"inkwell/api/internal/source"
)

// statusClientClosedRequest answers callers that gave up before the work
// finished.
const statusClientClosedRequest = 499

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

// conversionError reports a converter failure with the offending line when
// it is known.
func conversionError(err error) *DomainError {
	var convErr *convert.Error
	if errors.As(err, &convErr) && convErr.Line > 0 {
		return domainError(http.StatusUnprocessableEntity, "CONVERSION_ERROR", convErr.Error(), map[string]any{"line": convErr.Line})
	}
	return domainError(http.StatusUnprocessableEntity, "CONVERSION_ERROR", err.Error(), nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, source.ErrNotFound) {
		return http.StatusNotFound, "SOURCE_NOT_FOUND", "Remote file not found", nil
	}
	if errors.Is(err, source.ErrInvalidReference) {
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid file reference", nil
	}
	if errors.Is(err, source.ErrUnsupported) {
		return http.StatusUnprocessableEntity, "UNSUPPORTED_SOURCE", "Unsupported remote file", nil
	}
	if errors.Is(err, convert.ErrMalformed) {
		domainErr = conversionError(err)
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "SOURCE_TIMEOUT", "Remote source timed out", nil
	}
	if errors.Is(err, context.Canceled) {
		return statusClientClosedRequest, "REQUEST_CANCELED", "Request canceled", nil
	}
	if errors.Is(err, lock.ErrHeld) {
		return http.StatusConflict, "REFRESH_IN_PROGRESS", "A refresh of this document is already running", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
