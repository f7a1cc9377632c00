// AuthService sits between the HTTP handlers and storage:
//
//	AuthHandler (HTTP) → AuthService (business rules) → UserRepository, AuthRepository (DB)
//	                   ↘ TokenService (JWT), SecretService (bcrypt), mailer.Sender
//
// Two ways in, one way out. A user proves ownership of an email with a
// six-digit code, or comes back from GitHub and trades a single-use
// authorization code. Both end in issue(): a short-lived JWT access token
// plus an opaque refresh token backed by a sessions row. Refresh tokens
// rotate: every use deletes the old session and creates a new one.

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/auth"
	"github.com/sakif/duo-routine/internal/mailer"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

const (
	// SignInCodeTTL is how long an emailed code stays valid.
	SignInCodeTTL = 10 * time.Minute
	// MaxSignInAttempts wrong guesses burn the code.
	MaxSignInAttempts = 5
	// AuthCodeTTL bounds the hop from the provider callback back to the
	// client's token exchange.
	AuthCodeTTL = 2 * time.Minute
)

var errInvalidSignIn = apperror.Auth("invalid or expired sign-in code")

// AuthService handles the authentication business logic.
type AuthService struct {
	users      repository.UserRepository
	store      repository.AuthRepository
	tokens     *auth.TokenService
	secrets    *auth.SecretService
	mail       mailer.Sender
	refreshTTL time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewAuthService(
	users repository.UserRepository,
	store repository.AuthRepository,
	tokens *auth.TokenService,
	secrets *auth.SecretService,
	mail mailer.Sender,
	refreshTTL time.Duration,
	logger *slog.Logger,
) *AuthService {
	return &AuthService{
		users:      users,
		store:      store,
		tokens:     tokens,
		secrets:    secrets,
		mail:       mail,
		refreshTTL: refreshTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// TokenPair is what a successful sign-in or refresh hands the client.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	User         *model.User
}

// NormalizeEmail trims and lower-cases an address and checks its shape.
func NormalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", apperror.ValidationFailed("email", "a valid email address is required")
	}
	return email, nil
}

// RequestSignInCode emails a fresh code, replacing any earlier one. Only
// the bcrypt hash of the code is stored.
func (s *AuthService) RequestSignInCode(ctx context.Context, rawEmail string) error {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return err
	}
	code, err := s.secrets.NewCode()
	if err != nil {
		return fmt.Errorf("service/auth: %w", err)
	}
	hash, err := s.secrets.Hash(code)
	if err != nil {
		return fmt.Errorf("service/auth: %w", err)
	}
	err = s.store.SaveSignInCode(ctx, repository.SignInCode{
		Email:     email,
		CodeHash:  hash,
		ExpiresAt: s.now().Add(SignInCodeTTL),
	})
	if err != nil {
		return fmt.Errorf("service/auth: storing sign-in code: %w", err)
	}
	if err := s.mail.SendSignInCode(ctx, email, code); err != nil {
		return fmt.Errorf("service/auth: %w", err)
	}
	s.logger.Info("sign-in code issued", slog.String("email", email))
	return nil
}

// VerifySignInCode checks code for email and signs the user in, creating
// the user on first sign-in. Every failure looks the same to the caller.
func (s *AuthService) VerifySignInCode(ctx context.Context, rawEmail, code string) (*TokenPair, error) {
	email, err := NormalizeEmail(rawEmail)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.GetSignInCode(ctx, email)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, errInvalidSignIn
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}

	if s.now().After(pending.ExpiresAt) || pending.Attempts >= MaxSignInAttempts {
		if err := s.store.DeleteSignInCode(ctx, email); err != nil {
			s.logger.Warn("deleting spent sign-in code", slog.String("error", err.Error()))
		}
		return nil, errInvalidSignIn
	}
	if err := s.secrets.Verify(pending.CodeHash, strings.TrimSpace(code)); err != nil {
		if err := s.store.IncrementSignInAttempts(ctx, email); err != nil {
			s.logger.Warn("counting sign-in attempt", slog.String("error", err.Error()))
		}
		return nil, errInvalidSignIn
	}
	if err := s.store.DeleteSignInCode(ctx, email); err != nil {
		return nil, fmt.Errorf("service/auth: consuming sign-in code: %w", err)
	}

	user, err := s.users.FindOrCreateByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: provisioning %s: %w", email, err)
	}
	s.logger.Info("user signed in with email code", slog.String("userID", user.ID))
	return s.issue(ctx, user)
}

// Refresh trades a refresh token for a new pair. The old token stops
// working immediately.
func (s *AuthService) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := s.session(ctx, refreshToken)
	if err != nil {
		return nil, err
	}
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
		return nil, fmt.Errorf("service/auth: rotating session: %w", err)
	}
	user, err := s.users.GetUserByID(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Auth("account no longer exists")
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	return s.issue(ctx, user)
}

// Logout revokes the session behind refreshToken. An unknown or already
// revoked token is not an error: the caller is signed out either way.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) error {
	sess, err := s.session(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, apperror.ErrAuth) {
			return nil
		}
		return err
	}
	if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
		return fmt.Errorf("service/auth: revoking session: %w", err)
	}
	s.logger.Info("session revoked", slog.String("userID", sess.UserID))
	return nil
}

// LoginGitHub links or creates the user behind a GitHub profile and mints
// a single-use authorization code bound to redirectURI.
func (s *AuthService) LoginGitHub(ctx context.Context, gh *auth.GitHubUser, redirectURI string) (string, error) {
	if gh == nil {
		return "", fmt.Errorf("service/auth: GitHub user must not be nil")
	}
	user := &model.User{
		GitHubID:  gh.ID,
		Email:     gh.Email,
		Name:      gh.Name,
		AvatarURL: gh.AvatarURL,
	}
	if user.Name == "" {
		user.Name = gh.Login
	}
	if err := s.users.UpsertGitHubUser(ctx, user); err != nil {
		return "", fmt.Errorf("service/auth: upserting user (githubID=%d): %w", gh.ID, err)
	}

	token, id, hash, err := s.secrets.NewToken()
	if err != nil {
		return "", fmt.Errorf("service/auth: %w", err)
	}
	err = s.store.CreateAuthCode(ctx, repository.AuthCode{
		ID:          id,
		UserID:      user.ID,
		SecretHash:  hash,
		RedirectURI: redirectURI,
		ExpiresAt:   s.now().Add(AuthCodeTTL),
	})
	if err != nil {
		return "", fmt.Errorf("service/auth: storing auth code: %w", err)
	}
	s.logger.Info("user authenticated via GitHub",
		slog.String("userID", user.ID),
		slog.String("login", gh.Login),
	)
	return token, nil
}

// ExchangeAuthCode redeems a code from LoginGitHub. redirectURI must match
// the one the code was minted for.
func (s *AuthService) ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*TokenPair, error) {
	id, secret, err := auth.SplitToken(code)
	if err != nil {
		return nil, apperror.Auth("invalid authorization code")
	}
	ac, err := s.store.TakeAuthCode(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Auth("invalid authorization code")
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	if s.now().After(ac.ExpiresAt) || ac.RedirectURI != redirectURI {
		return nil, apperror.Auth("invalid authorization code")
	}
	if err := s.secrets.Verify(ac.SecretHash, secret); err != nil {
		return nil, apperror.Auth("invalid authorization code")
	}
	user, err := s.users.GetUserByID(ctx, ac.UserID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	return s.issue(ctx, user)
}

// GetUserByID backs /auth/v1/user.
func (s *AuthService) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	if id == "" {
		return nil, fmt.Errorf("service/auth: user ID must not be empty")
	}
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", id, err)
	}
	return user, nil
}

func (s *AuthService) session(ctx context.Context, refreshToken string) (*repository.Session, error) {
	id, secret, err := auth.SplitToken(refreshToken)
	if err != nil {
		return nil, apperror.Auth("invalid refresh token")
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return nil, apperror.Auth("invalid refresh token")
		}
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	if err := s.secrets.Verify(sess.SecretHash, secret); err != nil {
		return nil, apperror.Auth("invalid refresh token")
	}
	if s.now().After(sess.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Warn("deleting expired session", slog.String("error", err.Error()))
		}
		return nil, apperror.Auth("session expired")
	}
	return sess, nil
}

func (s *AuthService) issue(ctx context.Context, user *model.User) (*TokenPair, error) {
	access, err := s.tokens.Generate(user.ID, user.Email)
	if err != nil {
		return nil, fmt.Errorf("service/auth: generating token for user %s: %w", user.ID, err)
	}
	refresh, id, hash, err := s.secrets.NewToken()
	if err != nil {
		return nil, fmt.Errorf("service/auth: %w", err)
	}
	err = s.store.CreateSession(ctx, repository.Session{
		ID:         id,
		UserID:     user.ID,
		SecretHash: hash,
		ExpiresAt:  s.now().Add(s.refreshTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("service/auth: creating session: %w", err)
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    s.tokens.TTL(),
		User:         user,
	}, nil
}
