package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// contextKey is unexported so only this package can read or write the
// values it stores in a request context.
type contextKey string

const claimsKey contextKey = "claims"

var errNoBearer = errors.New("auth: no bearer token")

// RequireAuth enforces authentication on protected routes.
//
// It reads "Authorization: Bearer <jwt>", validates the token and stores
// its claims in the request context. A missing or invalid token ends the
// request with 401, which clients treat as "signed out or token expired".
func RequireAuth(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			c, err := extractClaims(r, tokens)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="duo"`)
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"unauthorized","message":"valid authentication required"}`))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, c)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext returns the authenticated user's id. ok is false on a
// route that is not behind RequireAuth.
func UserIDFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	if !ok || c.UserID == "" {
		return "", false
	}
	return c.UserID, true
}

// ClaimsFromContext returns the validated token claims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// WithClaims returns ctx carrying c, as RequireAuth would. Handler tests use
// it to skip token minting.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

func extractClaims(r *http.Request, tokens *TokenService) (*Claims, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return nil, errNoBearer
	}
	return tokens.Validate(strings.TrimSpace(token))
}
