package handler

// Every error response has the same shape:
//   {"error": "validation_error", "message": "code is required", "field": "code"}
// so that callers can branch on the machine-readable type.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/code-executor/internal/apperror"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`           // machine-readable type
	Message string `json:"message"`         // human-readable description
	Field   string `json:"field,omitempty"` // offending request field, for validation errors
}

// writeJSON sends data with the given status. Headers must be set before the
// status is written.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent, all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// statusFor maps a classified error to its HTTP status and error type.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrRuntimeUnavailable):
		return http.StatusServiceUnavailable, "runtime_unavailable"
	case errors.Is(err, apperror.ErrInjection):
		return http.StatusInternalServerError, "injection_failure"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// writeError maps err to a status code and sends it. Only AppError messages
// reach the client; anything else gets a generic message so that daemon or
// filesystem details never leak.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		status, errorType := statusFor(err)
		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Message,
			Field:   appErr.Field,
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}
