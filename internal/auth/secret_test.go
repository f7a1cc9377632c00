package auth

import (
	"errors"
	"strings"
	"testing"
)

func newTestSecretService() *SecretService {
	return NewSecretServiceForTest(4)
}

func TestNewCode_IsSixDigits(t *testing.T) {
	s := newTestSecretService()

	for range 20 {
		code, err := s.NewCode()
		if err != nil {
			t.Fatalf("NewCode() error = %v", err)
		}
		if len(code) != CodeLength || strings.Trim(code, "0123456789") != "" {
			t.Fatalf("NewCode() = %q, want %d digits", code, CodeLength)
		}
	}
}

func TestHashVerify(t *testing.T) {
	s := newTestSecretService()

	hash, err := s.Hash("123456")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("Hash() does not look like a bcrypt hash: %q", hash)
	}
	if err := s.Verify(hash, "123456"); err != nil {
		t.Errorf("Verify() with the right secret: %v", err)
	}
	if err := s.Verify(hash, "654321"); !errors.Is(err, ErrSecretMismatch) {
		t.Errorf("Verify() with the wrong secret = %v, want ErrSecretMismatch", err)
	}
}

func TestHash_SameSecretDifferentSalt(t *testing.T) {
	s := newTestSecretService()

	h1, _ := s.Hash("same")
	h2, _ := s.Hash("same")
	if h1 == h2 {
		t.Error("Hash() produced identical hashes (salt must be random)")
	}
}

func TestHash_RejectsOver72Bytes(t *testing.T) {
	s := newTestSecretService()

	if _, err := s.Hash(strings.Repeat("a", 73)); err == nil {
		t.Fatal("Hash() should reject secrets longer than 72 bytes")
	}
}

func TestNewToken_SplitsAndVerifies(t *testing.T) {
	s := newTestSecretService()

	token, id, hash, err := s.NewToken()
	if err != nil {
		t.Fatalf("NewToken() error = %v", err)
	}
	gotID, secret, err := SplitToken(token)
	if err != nil {
		t.Fatalf("SplitToken() error = %v", err)
	}
	if gotID != id {
		t.Errorf("id = %q, want %q", gotID, id)
	}
	if err := s.Verify(hash, secret); err != nil {
		t.Errorf("Verify() of the token secret: %v", err)
	}
}

func TestSplitToken_Malformed(t *testing.T) {
	for _, tok := range []string{"", "nodot", ".secret", "id.", "not-an-xid.secret"} {
		if _, _, err := SplitToken(tok); err == nil {
			t.Errorf("SplitToken(%q) should fail", tok)
		}
	}
}
