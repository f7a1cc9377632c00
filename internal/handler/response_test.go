package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/duo-routine/internal/apperror"
)

// The REST gateway reverses this mapping, so each row here is half of a
// round trip the client depends on.
func TestWriteError_Mapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"auth", apperror.Auth("bad token"), http.StatusUnauthorized, "unauthorized"},
		{"forbidden", apperror.Forbidden("not yours"), http.StatusForbidden, "forbidden"},
		{"validation names the field", apperror.ValidationFailed("mood", "bad mood"), http.StatusBadRequest, "mood"},
		{"malformed code is a 400", apperror.InvalidCode("bad shape", true), http.StatusBadRequest, "code"},
		{"not found", apperror.NotFound("routine", "r1"), http.StatusNotFound, "not_found"},
		{"unavailable", apperror.Unavailable("procedure x"), http.StatusNotFound, "unavailable"},
		{"constraint", apperror.ConstraintViolation("task_logs", "dup"), http.StatusConflict, "constraint_violation"},
		{"conflict", apperror.Conflict("pairing request", "p1"), http.StatusConflict, "conflict"},
		{"timeout", apperror.Timeout("query"), http.StatusGatewayTimeout, "timeout"},
		{"wrapped", fmt.Errorf("service: %w", apperror.NotFound("user", "u1")), http.StatusNotFound, "not_found"},
		{"db", apperror.DB("insert", errors.New("disk I/O")), http.StatusInternalServerError, "internal_error"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()

			writeError(rr, tt.err)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
			var body ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, tt.wantKind, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestWriteError_HidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()

	writeError(rr, apperror.DB("select", errors.New("no such table: users")))

	assert.NotContains(t, rr.Body.String(), "no such table")
}

func TestIsLoopbackRedirect(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"http://127.0.0.1:53124/callback", true},
		{"http://localhost:8000/cb", true},
		{"http://[::1]:9000/cb", true},
		{"https://127.0.0.1/cb", false},
		{"http://evil.example/cb", false},
		{"http://user@127.0.0.1/cb", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, isLoopbackRedirect(tt.raw))
		})
	}
}
