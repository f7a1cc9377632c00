package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.AuthRepository = (*DB)(nil)

func (db *DB) SaveSignInCode(ctx context.Context, c repository.SignInCode) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sign_in_codes (email, code_hash, attempts, expires_at)
		 VALUES (?, ?, 0, ?)
		 ON CONFLICT (email) DO UPDATE SET
			code_hash = excluded.code_hash,
			attempts = 0,
			expires_at = excluded.expires_at`,
		c.Email, c.CodeHash, c.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: saving sign-in code: %w", err)
	}
	return nil
}

func (db *DB) GetSignInCode(ctx context.Context, email string) (*repository.SignInCode, error) {
	var c repository.SignInCode
	err := db.conn.QueryRowContext(ctx,
		`SELECT email, code_hash, attempts, expires_at FROM sign_in_codes WHERE email = ?`, email,
	).Scan(&c.Email, &c.CodeHash, &c.Attempts, &c.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("sign-in code", email)
		}
		return nil, fmt.Errorf("sqlite: getting sign-in code: %w", err)
	}
	return &c, nil
}

func (db *DB) IncrementSignInAttempts(ctx context.Context, email string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sign_in_codes SET attempts = attempts + 1 WHERE email = ?`, email)
	if err != nil {
		return fmt.Errorf("sqlite: counting sign-in attempt: %w", err)
	}
	return nil
}

func (db *DB) DeleteSignInCode(ctx context.Context, email string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sign_in_codes WHERE email = ?`, email); err != nil {
		return fmt.Errorf("sqlite: deleting sign-in code: %w", err)
	}
	return nil
}

func (db *DB) CreateSession(ctx context.Context, s repository.Session) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, secret_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.SecretHash, s.ExpiresAt.UTC(), db.now().UTC())
	if err != nil {
		return fmt.Errorf("sqlite: creating session: %w", err)
	}
	return nil
}

func (db *DB) GetSession(ctx context.Context, id string) (*repository.Session, error) {
	var s repository.Session
	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, secret_hash, expires_at FROM sessions WHERE id = ?`, id,
	).Scan(&s.ID, &s.UserID, &s.SecretHash, &s.ExpiresAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("sqlite: getting session: %w", err)
	}
	return &s, nil
}

// DeleteSession is idempotent: logging out twice is not an error.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting session: %w", err)
	}
	return nil
}

func (db *DB) CreateAuthCode(ctx context.Context, c repository.AuthCode) error {
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO auth_codes (id, user_id, secret_hash, redirect_uri, expires_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.SecretHash, c.RedirectURI, c.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlite: creating auth code: %w", err)
	}
	return nil
}

// TakeAuthCode reads and deletes in one transaction, so two exchanges of
// the same code cannot both succeed.
func (db *DB) TakeAuthCode(ctx context.Context, id string) (*repository.AuthCode, error) {
	var c repository.AuthCode
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			`SELECT id, user_id, secret_hash, redirect_uri, expires_at FROM auth_codes WHERE id = ?`, id,
		).Scan(&c.ID, &c.UserID, &c.SecretHash, &c.RedirectURI, &c.ExpiresAt)
		if err != nil {
			if err == sql.ErrNoRows {
				return apperror.NotFound("auth code", id)
			}
			return fmt.Errorf("sqlite: getting auth code: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_codes WHERE id = ?`, id); err != nil {
			return fmt.Errorf("sqlite: consuming auth code: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
