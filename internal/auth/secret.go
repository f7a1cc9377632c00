package auth

// One-time sign-in codes, refresh tokens and authorization codes are all
// bearer secrets the server must recognise later without storing them. They
// are kept as bcrypt hashes, the same way one would keep passwords: salted,
// slow to brute-force, compared in constant time.
//
// Refresh tokens and authorization codes have the form "<id>.<secret>". The
// id is an xid used to find the row; only the secret is hashed.

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/xid"
	"golang.org/x/crypto/bcrypt"
)

// defaultCost is the bcrypt work factor for production.
const defaultCost = 12

// CodeLength is the number of digits in an emailed sign-in code.
const CodeLength = 6

// ErrSecretMismatch means a presented secret does not match its hash.
var ErrSecretMismatch = errors.New("auth: secret does not match")

// SecretService generates and verifies hashed secrets.
//
// It's a struct so that the cost can be injected in tests; cost 4 makes
// tests run in milliseconds.
type SecretService struct {
	cost int
}

func NewSecretService() *SecretService {
	return &SecretService{cost: defaultCost}
}

// NewSecretServiceForTest creates a SecretService with a low bcrypt cost.
// Do NOT use in production.
func NewSecretServiceForTest(cost int) *SecretService {
	return &SecretService{cost: cost}
}

// NewCode returns a random numeric sign-in code.
func (s *SecretService) NewCode() (string, error) {
	var b strings.Builder
	for range CodeLength {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("auth: generating code: %w", err)
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}

// NewToken returns a fresh "<id>.<secret>" token, its id, and the hash of
// its secret to store.
func (s *SecretService) NewToken() (token, id, hash string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("auth: generating token: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(raw)
	hash, err = s.Hash(secret)
	if err != nil {
		return "", "", "", err
	}
	id = xid.New().String()
	return id + "." + secret, id, hash, nil
}

// SplitToken separates a "<id>.<secret>" token.
func SplitToken(token string) (id, secret string, err error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return "", "", errors.New("auth: malformed token")
	}
	if _, err := xid.FromString(id); err != nil {
		return "", "", errors.New("auth: malformed token id")
	}
	return id, secret, nil
}

// Hash hashes a secret with bcrypt. Secrets over 72 bytes are rejected
// because bcrypt would silently truncate them.
func (s *SecretService) Hash(secret string) (string, error) {
	if len(secret) > 72 {
		return "", fmt.Errorf("auth: secret must be 72 bytes or fewer")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), s.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing secret: %w", err)
	}
	return string(hashed), nil
}

// Verify returns nil if secret matches hash and ErrSecretMismatch if not.
func (s *SecretService) Verify(hash, secret string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrSecretMismatch
		}
		return fmt.Errorf("auth: comparing secret hash: %w", err)
	}
	return nil
}
