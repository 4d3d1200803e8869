package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Error code constants.
// Handlers and services MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidJSON     ErrorCode = "validation_invalid_json"
	ErrCodeValidationInvalidPayload  ErrorCode = "validation_invalid_payload"
	ErrCodeValidationInvalidGuildID  ErrorCode = "validation_invalid_guild_id"
	ErrCodeValidationPayloadTooLarge ErrorCode = "validation_payload_too_large"

	// Not Found (404)
	ErrCodeNotFoundJob   ErrorCode = "not_found_job"
	ErrCodeNotFoundGuild ErrorCode = "not_found_guild"

	// Internal (500)
	ErrCodeInternalDB              ErrorCode = "internal_database_error"
	ErrCodeInternalIngestionFailed ErrorCode = "internal_ingestion_failed"
	ErrCodeInternalUnexpected      ErrorCode = "internal_unexpected_error"

	// Upstream (502/503/504)
	ErrCodeUpstreamGameAPI         ErrorCode = "upstream_game_api_error"
	ErrCodeUpstreamTimeout         ErrorCode = "upstream_game_api_timeout"
	ErrCodeUpstreamInvalidResponse ErrorCode = "upstream_invalid_response"
	ErrCodeUpstreamUnavailable     ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited     ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case s == string(ErrCodeValidationPayloadTooLarge):
		return http.StatusRequestEntityTooLarge // 413
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case s == string(ErrCodeUpstreamUnavailable):
		return http.StatusServiceUnavailable // 503
	case s == string(ErrCodeUpstreamTimeout):
		return http.StatusGatewayTimeout // 504
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	default:
		return http.StatusInternalServerError // 500
	}
}

// IsValidation reports whether the code belongs to the validation class.
func (c ErrorCode) IsValidation() bool {
	return strings.HasPrefix(string(c), "validation_")
}

// IsUpstream reports whether the code describes a failed call to the game API.
func (c ErrorCode) IsUpstream() bool {
	return strings.HasPrefix(string(c), "upstream_")
}

// AppError is the standard application error type.
// Domain and handler errors are expressed as AppError to get consistent
// formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError carrying structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// CodeOf extracts the ErrorCode from err, or ErrCodeInternalUnexpected when
// err does not wrap an AppError.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalUnexpected
}
