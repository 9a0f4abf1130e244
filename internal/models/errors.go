package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Sentinel errors for the scheduling core. Parser and sanitizer failures stay
// local to their callers; bridge and store failures during a lifecycle
// transition are recorded on the post record rather than propagated.
var (
	// ErrUnparsableTime means the schedule-time parser found no time component
	// and no relative-offset pattern in the input. User-correctable.
	ErrUnparsableTime = errors.New("unparsable time input")

	// ErrChannelUnavailable means no automation agent is connected to the
	// bridge. Publish actions degrade to disabled, not a crash.
	ErrChannelUnavailable = errors.New("no automation agent connected")

	// ErrRequiresRefresh means the agent reported it was reloaded or
	// invalidated mid-session; all outbound commands are suppressed until the
	// hosting page reloads.
	ErrRequiresRefresh = errors.New("agent session invalidated, reload required")

	// ErrPublishFailed is stored as last_error when the agent reports a
	// failed publish attempt. Eligible for user-initiated retry.
	ErrPublishFailed = errors.New("agent reported publish failure")

	// ErrPublishTimeout is the synthetic failure applied when a posting state
	// sees no terminal event within the supervisory window.
	ErrPublishTimeout = errors.New("publish timed out waiting for agent")

	// ErrInvalidTransition marks an event that contradicts the lifecycle
	// table. It is logged and dropped, never surfaced to callers.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrAnalyticsTimeout means a pending analytics request received no
	// matching response within the bounded wait.
	ErrAnalyticsTimeout = errors.New("analytics request timed out")

	// ErrPostNotFound is returned when a post id resolves to no record.
	ErrPostNotFound = errors.New("post not found")
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError builds a NOT_FOUND application error.
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

// NewValidationError builds a VALIDATION_ERROR application error.
func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    "VALIDATION_ERROR",
		Message: message,
	}
}

// NewUnavailableError wraps a degraded-dependency condition (no agent, no
// channel) as a user-visible 503-class error.
func NewUnavailableError(message string, err error) *AppError {
	return &AppError{
		Code:    "UNAVAILABLE",
		Message: message,
		Err:     err,
	}
}

// NewUnauthorizedError builds an UNAUTHORIZED application error.
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHORIZED",
		Message: message,
	}
}

// NewInternalError wraps an unexpected failure as an INTERNAL application error.
func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL",
		Message: "Internal server error",
		Err:     err,
	}
}

// HTTPStatus maps an error to the HTTP status it should produce.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case "NOT_FOUND":
			return fiber.StatusNotFound
		case "VALIDATION_ERROR":
			return fiber.StatusBadRequest
		case "UNAUTHORIZED":
			return fiber.StatusUnauthorized
		case "UNAVAILABLE":
			return fiber.StatusServiceUnavailable
		}
	}
	if errors.Is(err, ErrPostNotFound) {
		return fiber.StatusNotFound
	}
	if errors.Is(err, ErrChannelUnavailable) || errors.Is(err, ErrRequiresRefresh) {
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	if appErr, ok := err.(*AppError); ok {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
