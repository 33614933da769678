package handler

// Every error response has the same shape:
//   {"error": "not_found", "message": "user not found with id 999"}
// so clients can branch on "error" without parsing text.

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sakif/userfeed/internal/apperror"
)

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"` // Human-readable description
}

// writeJSON sets headers and status before the body; header changes after
// the first write are ignored by net/http.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps the apperror taxonomy to a status code and error type.
// Upstream and storage failures stay 500s, like any other failed workflow
// call, but keep their own error type.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrUpstream):
		return http.StatusInternalServerError, "upstream_unavailable"
	case errors.Is(err, apperror.ErrStorage):
		return http.StatusInternalServerError, "storage_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError sends err with the status errorStatus picks. Only *AppError
// messages reach the client; anything else gets a generic message so
// driver errors and file paths never leak.
func writeError(w http.ResponseWriter, err error) {
	status, errorType := errorStatus(err)
	writeErrorAs(w, status, errorType, err)
}

// writeErrorAs is writeError with the status and error type chosen by the
// caller, for endpoints where a kind means something else.
func writeErrorAs(w http.ResponseWriter, status int, errorType string, err error) {
	message := "An internal error occurred"
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	writeJSON(w, status, ErrorResponse{
		Error:   errorType,
		Message: message,
	})
}
