// errors.go - Structured error handling for API responses
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/docproc-dashboard/backend/internal/extraction"
	"github.com/docproc-dashboard/backend/internal/session"
	"github.com/docproc-dashboard/backend/internal/upload"
	"github.com/labstack/echo/v4"
)

// APIError represents a structured API error response
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error constructors for consistent error handling

// NewBadRequestError creates a 400 Bad Request error
func NewBadRequestError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusBadRequest,
		Code:    "BAD_REQUEST",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewValidationError creates a 400 validation error for a specific field
func NewValidationError(field string) *APIError {
	return &APIError{
		Status:  http.StatusBadRequest,
		Code:    "VALIDATION_ERROR",
		Message: fmt.Sprintf("validation failed for field: %s", field),
	}
}

// NewNotFoundError creates a 404 Not Found error
func NewNotFoundError(resource string, id string) *APIError {
	return &APIError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// NewConflictError creates a 409 Conflict error
func NewConflictError(code, message string) *APIError {
	return &APIError{
		Status:  http.StatusConflict,
		Code:    code,
		Message: message,
	}
}

// NewInvalidFileError creates a 422 error for a rejected candidate file
func NewInvalidFileError(reason string) *APIError {
	return &APIError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "INVALID_FILE",
		Message: reason,
	}
}

// NewExtractionError creates a 502 error carrying the remote failure
func NewExtractionError(reqErr *extraction.RequestError) *APIError {
	return &APIError{
		Status:  http.StatusBadGateway,
		Code:    "EXTRACTION_FAILED",
		Message: reqErr.Display(),
		Details: reqErr.Body,
	}
}

// NewInternalError creates a 500 Internal Server Error
func NewInternalError(message string, cause error) *APIError {
	err := &APIError{
		Status:  http.StatusInternalServerError,
		Code:    "INTERNAL_ERROR",
		Message: message,
	}
	if cause != nil {
		err.Details = cause.Error()
	}
	return err
}

// NewServiceUnavailableError creates a 503 Service Unavailable error
func NewServiceUnavailableError(message string) *APIError {
	return &APIError{
		Status:  http.StatusServiceUnavailable,
		Code:    "SERVICE_UNAVAILABLE",
		Message: message,
	}
}

// sessionError maps errors returned by a session controller.
func sessionError(err error) *APIError {
	var (
		apiErr   *APIError
		vErr     *upload.ValidationError
		reqErr   *extraction.RequestError
		tooLarge *http.MaxBytesError
	)
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &vErr):
		return NewInvalidFileError(vErr.Reason)
	case errors.Is(err, session.ErrNoFileSelected):
		return &APIError{Status: http.StatusBadRequest, Code: "NO_FILE_SELECTED", Message: err.Error()}
	case errors.Is(err, session.ErrTrackBusy):
		return NewConflictError("TRACK_BUSY", err.Error())
	case errors.Is(err, session.ErrStaleResponse):
		return NewConflictError("STALE_RESPONSE", err.Error())
	case errors.Is(err, session.ErrUnknownProduct):
		return &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: err.Error()}
	case errors.Is(err, session.ErrSessionClosed):
		return &APIError{Status: http.StatusGone, Code: "SESSION_CLOSED", Message: err.Error()}
	case errors.Is(err, session.ErrTooManySessions):
		return NewServiceUnavailableError(err.Error())
	case errors.As(err, &reqErr):
		return NewExtractionError(reqErr)
	case errors.As(err, &tooLarge):
		return &APIError{Status: http.StatusRequestEntityTooLarge, Code: "PAYLOAD_TOO_LARGE", Message: err.Error()}
	default:
		return NewInternalError("unexpected session error", err)
	}
}

// NewErrorHandler returns the echo error handler writing APIError JSON.
// Unexpected errors only carry their text when showDetails is set.
func NewErrorHandler(logger *slog.Logger, showDetails bool) echo.HTTPErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var (
			apiErr  *APIError
			httpErr *echo.HTTPError
		)
		switch {
		case errors.As(err, &apiErr):
		case errors.As(err, &httpErr):
			apiErr = &APIError{
				Status:  httpErr.Code,
				Code:    "HTTP_ERROR",
				Message: fmt.Sprintf("%v", httpErr.Message),
			}
		default:
			apiErr = &APIError{
				Status:  http.StatusInternalServerError,
				Code:    "UNKNOWN_ERROR",
				Message: "An unexpected error occurred",
			}
			if showDetails {
				apiErr.Details = err.Error()
			}
		}

		if apiErr.Status >= http.StatusInternalServerError {
			logger.Error("api.error", "path", c.Path(), "code", apiErr.Code, "error", err)
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(apiErr.Status)
			return
		}
		_ = c.JSON(apiErr.Status, apiErr)
	}
}

