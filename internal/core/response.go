package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"turfwar/internal/types"
)

// DefaultMaxBodyBytes bounds request bodies for small control endpoints.
const DefaultMaxBodyBytes int64 = 1 << 20

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for every error response.
type APIErrorResponse struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

// ErrorDetail is the client-facing part of an AppError.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// OK writes a 200 success envelope.
func OK(w http.ResponseWriter, r *http.Request, message string, data any) {
	JSON(w, r, http.StatusOK, APIResponse{Success: true, Message: message, Data: data})
}

// JSON writes data with the given status. A marshalling failure becomes a 500.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "failed to marshal response",
				RequestID: types.GetRequestID(r.Context()),
			},
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error renders err. An AppError keeps its code, message and details and
// maps to its HTTP status; anything else is reported as a generic 500 without
// leaking the underlying message.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}

// DecodeJSON reads a single JSON value from the body into dst. Unknown fields
// are tolerated since game payloads carry many attributes the service does not
// store. A body over maxBytes yields validation_payload_too_large; every other
// decode failure is validation_invalid_json.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err, maxBytes)
	}
	if dec.More() {
		return types.NewAppError(
			types.ErrCodeValidationInvalidJSON,
			"request body must contain a single JSON value",
			nil,
		)
	}
	return nil
}

func mapDecodeError(err error, maxBytes int64) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationPayloadTooLarge,
			fmt.Sprintf("request body must not exceed %d bytes", maxBytes),
			err,
			map[string]any{"limit_bytes": maxBytes},
		)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidJSON,
			"malformed JSON in request body",
			err,
			map[string]any{"offset": syntaxErr.Offset},
		)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidJSON,
			"invalid value for field",
			err,
			map[string]any{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			},
		)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body must not be empty", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON, "request body is truncated", err)
	}

	return types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid JSON in request body", err)
}
