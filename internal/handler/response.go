// Package handler is the backend's HTTP layer. Handlers parse requests,
// call a service, and translate the result (or the apperror kind) to JSON.
package handler

// RESPONSE HELPERS:
// Every handler answers through writeJSON or writeError, so every error the
// API produces has the same shape:
//
//	{"error": "not_found", "message": "routine not found with id abc123"}
//
// The REST gateway in the client reads "error" to tell apart kinds that
// share a status code: "unavailable" vs a plain 404, "constraint_violation"
// vs a plain 409, and for a 400 it is the name of the offending field.

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sakif/duo-routine/internal/apperror"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`   // Machine-readable kind, or the invalid field for a 400
	Message string `json:"message"` // Human-readable description
}

// writeJSON sends data with the given status code. Headers and status go
// out before the body; anything set after the first Write is ignored.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// The status is already on the wire; all we can do is log.
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError maps a domain error to an HTTP status and sends it.
//
// The service layer never sees HTTP. It returns apperror kinds and this is
// the one place they become status codes. errors.Is walks the whole wrap
// chain, so "service/auth: ...: %w" around an AppError still matches.
//
// Order matters: a malformed pairing code is both ErrInvalidCode and
// ErrValidation, and a 400 is what the client expects for it.
func writeError(w http.ResponseWriter, err error) {
	var appErr *apperror.AppError
	if !errors.As(err, &appErr) {
		// NEVER expose internal error details: the raw message may carry SQL
		// or file paths.
		slog.Error("unhandled error", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An internal error occurred",
		})
		return
	}

	status := http.StatusInternalServerError
	kind := "internal_error"
	switch {
	case errors.Is(err, apperror.ErrAuth), errors.Is(err, apperror.ErrNotAuthenticated):
		status, kind = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		status, kind = http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrValidation):
		status, kind = http.StatusBadRequest, "validation_error"
		if appErr.Field != "" {
			kind = appErr.Field
		}
	case errors.Is(err, apperror.ErrUnavailable):
		status, kind = http.StatusNotFound, "unavailable"
	case errors.Is(err, apperror.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrConstraint):
		status, kind = http.StatusConflict, "constraint_violation"
	case errors.Is(err, apperror.ErrConflict):
		status, kind = http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrAlreadyPaired):
		status, kind = http.StatusConflict, "already_paired"
	case errors.Is(err, apperror.ErrInvalidCode):
		status, kind = http.StatusBadRequest, "code"
	case errors.Is(err, apperror.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	}

	if status == http.StatusInternalServerError {
		slog.Error("internal error", slog.String("error", err.Error()))
		writeJSON(w, status, ErrorResponse{Error: kind, Message: "An internal error occurred"})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: kind, Message: appErr.Message})
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are
// rejected so a typo in a patch fails loudly instead of doing nothing.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.ValidationFailed("body", fmt.Sprintf("invalid JSON body: %v", err))
	}
	return nil
}
