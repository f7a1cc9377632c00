package auth

import (
	"strings"
	"testing"
	"time"
)

// newTestTokenService uses a fixed, known secret so tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!", 15*time.Minute)
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

// =========================================================================
// TOKEN SERVICE CONSTRUCTION TESTS
// =========================================================================

func TestNewTokenService_ShortSecret(t *testing.T) {
	_, err := NewTokenService("short", time.Minute)
	if err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

func TestNewTokenService_ZeroTTL(t *testing.T) {
	_, err := NewTokenService("this-is-16-chars", 0)
	if err == nil {
		t.Fatal("NewTokenService() should reject a zero lifetime")
	}
}

// =========================================================================
// GENERATE / VALIDATE TESTS
// =========================================================================

func TestGenerate_LooksLikeJWT(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate("user-123", "ana@example.com")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("Generate() token doesn't look like a JWT: %q", token)
	}
}

func TestValidate_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate("user-abc-123", "ana@example.com")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := ts.Validate(token)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.UserID != "user-abc-123" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-abc-123")
	}
	if got.Email != "ana@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "ana@example.com")
	}
	if until := time.Until(got.ExpiresAt); until < 14*time.Minute || until > 15*time.Minute {
		t.Errorf("ExpiresAt is %v away, want about 15m", until)
	}
}

func TestValidate_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	other, _ := NewTokenService("wrong-secret-32-chars-long!!!!!!", time.Minute)

	expired, _ := ts.GenerateWithDuration("user-123", "", -time.Second)
	valid, _ := ts.Generate("user-123", "")
	foreign, _ := other.Generate("user-123", "")
	noSubject, _ := ts.Generate("", "")

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"tampered signature", valid[:len(valid)-3] + "xxx"},
		{"wrong secret", foreign},
		{"no subject", noSubject},
		{"empty", ""},
		{"garbage", "not.a.jwt.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.Validate(tt.token); err == nil {
				t.Fatalf("Validate() should reject a %s token", tt.name)
			}
		})
	}
}
