// Package auth issues and checks the backend's credentials.
//
// AUTHENTICATION FLOW OVERVIEW:
//  1. A client asks /auth/v1/otp for a one-time code; it arrives by email
//  2. /auth/v1/verify trades email + code for a token pair
//  3. The access token is a short-lived JWT sent as "Authorization: Bearer"
//  4. The refresh token is opaque ("<session id>.<secret>"); /auth/v1/token
//     rotates it for a new pair
//  5. RequireAuth validates the JWT and puts the user id in the context
//
// GitHub sign-in ends in the same place: the provider callback mints a
// single-use authorization code that /auth/v1/token exchanges for a pair.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "duo-routine"

// TokenService handles JWT creation and validation.
type TokenService struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenService creates a TokenService whose access tokens live for ttl.
// The secret should be at least 32 bytes of random data in production.
func NewTokenService(secret string, ttl time.Duration) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: JWT secret must be at least 16 characters")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: access token lifetime must be positive")
	}
	return &TokenService{secret: []byte(secret), ttl: ttl}, nil
}

// claims is the JWT payload. "sub" is the user id. The email rides along
// so a client can show who is signed in without a round trip.
type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Claims is what a valid access token says about its bearer.
type Claims struct {
	UserID    string
	Email     string
	ExpiresAt time.Time
}

// TTL is the access token lifetime, reported to clients as expires_in.
func (s *TokenService) TTL() time.Duration {
	return s.ttl
}

// Generate creates and signs an access token for the user.
func (s *TokenService) Generate(userID, email string) (string, error) {
	return s.GenerateWithDuration(userID, email, s.ttl)
}

// GenerateWithDuration creates a token with a custom expiry duration.
// Used in tests to mint already-expired tokens.
func (s *TokenService) GenerateWithDuration(userID, email string, d time.Duration) (string, error) {
	now := time.Now()

	c := claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(d)),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a JWT string.
//
// Passing jwt.WithValidMethods rejects "none" and asymmetric algorithms, so
// a token cannot pick its own verification method.
func (s *TokenService) Validate(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("auth: token expired")
		}
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token claims")
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("auth: token has no subject")
	}

	out := &Claims{UserID: c.Subject, Email: c.Email}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}
