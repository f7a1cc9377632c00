package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.UserRepository = (*DB)(nil)

const userColumns = `id, email, name, avatar_url, partner_id, pairing_code, theme, font_size, github_id, created_at, updated_at`

const pairingAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// codeAttempts bounds the retry loop when a fresh pairing code collides.
// With 36^6 codes a second collision in a row is already vanishingly rare.
const codeAttempts = 5

func newPairingCode() (string, error) {
	var sb strings.Builder
	base := big.NewInt(int64(len(pairingAlphabet)))
	for range model.PairingCodeLength {
		n, err := rand.Int(rand.Reader, base)
		if err != nil {
			return "", fmt.Errorf("sqlite: generating pairing code: %w", err)
		}
		sb.WriteByte(pairingAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u        model.User
		partner  sql.NullString
		githubID sql.NullInt64
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.AvatarURL,
		&partner,
		&u.PairingCode,
		&u.Theme,
		&u.FontSize,
		&githubID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.PartnerID = partner.String
	u.GitHubID = githubID.Int64
	return &u, nil
}

func getUser(ctx context.Context, q queryer, column, value string) (*model.User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE `+column+` = ?`, value))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", value)
		}
		return nil, fmt.Errorf("sqlite: getting user by %s: %w", column, err)
	}
	return u, nil
}

// GetUserByID returns apperror.ErrNotFound if no user has that id.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	return getUser(ctx, db.conn, "id", id)
}

func (db *DB) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	return getUser(ctx, db.conn, "email", strings.ToLower(strings.TrimSpace(email)))
}

// FindOrCreateByEmail returns the user with this email, provisioning one on
// first sign-in. A new user is named after the email's local part and gets
// a unique random pairing code.
func (db *DB) FindOrCreateByEmail(ctx context.Context, email string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	u, err := db.GetUserByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !isNotFound(err) {
		return nil, err
	}
	name, _, _ := strings.Cut(email, "@")
	u = &model.User{Email: email, Name: name}
	if err := db.insertUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// insertUser fills in ID, PairingCode, Theme, FontSize and timestamps.
func (db *DB) insertUser(ctx context.Context, u *model.User) error {
	now := db.now().UTC()
	u.ID = xid.New().String()
	u.CreatedAt, u.UpdatedAt = now, now
	if u.Theme == "" {
		u.Theme = model.ThemeOcean
	}
	if u.FontSize == "" {
		u.FontSize = model.FontNormal
	}

	for range codeAttempts {
		code, err := newPairingCode()
		if err != nil {
			return err
		}
		u.PairingCode = code
		_, err = db.conn.ExecContext(ctx,
			`INSERT INTO users (id, email, name, avatar_url, pairing_code, theme, font_size, github_id, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID,
			u.Email,
			u.Name,
			u.AvatarURL,
			u.PairingCode,
			u.Theme,
			u.FontSize,
			sql.NullInt64{Int64: u.GitHubID, Valid: u.GitHubID != 0},
			u.CreatedAt,
			u.UpdatedAt,
		)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("sqlite: inserting user %s: %w", u.Email, err)
		}
		// A racing insert may have taken the email rather than the code.
		if _, lookupErr := db.GetUserByEmail(ctx, u.Email); lookupErr == nil {
			return apperror.Conflict("user", u.Email)
		}
	}
	return fmt.Errorf("sqlite: no free pairing code after %d attempts", codeAttempts)
}

// UpsertGitHubUser links a GitHub account. The lookup order is github_id,
// then email, so a user who first signed in by email keeps the same row.
func (db *DB) UpsertGitHubUser(ctx context.Context, user *model.User) error {
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))

	existing, err := db.userByGitHubID(ctx, user.GitHubID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if existing == nil {
		existing, err = db.GetUserByEmail(ctx, user.Email)
		if err != nil && !isNotFound(err) {
			return err
		}
	}

	if existing == nil {
		if user.Name == "" {
			user.Name, _, _ = strings.Cut(user.Email, "@")
		}
		return db.insertUser(ctx, user)
	}

	now := db.now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`UPDATE users SET github_id = ?, avatar_url = ?, updated_at = ? WHERE id = ?`,
		user.GitHubID,
		user.AvatarURL,
		now,
		existing.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: linking github account to %s: %w", existing.ID, err)
	}
	existing.GitHubID = user.GitHubID
	existing.AvatarURL = user.AvatarURL
	existing.UpdatedAt = now
	*user = *existing
	return nil
}

func (db *DB) userByGitHubID(ctx context.Context, githubID int64) (*model.User, error) {
	if githubID == 0 {
		return nil, apperror.NotFound("user", "github:0")
	}
	u, err := scanUser(db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE github_id = ?`, githubID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("user", fmt.Sprintf("github:%d", githubID))
		}
		return nil, fmt.Errorf("sqlite: getting user by github id: %w", err)
	}
	return u, nil
}

// UpdateProfile applies patch. ClearPartner only clears this side; the
// symmetric unlink is UnpairUsers.
func (db *DB) UpdateProfile(ctx context.Context, id string, patch gateway.ProfilePatch) (*model.User, error) {
	sets := []string{}
	args := []any{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, apperror.ValidationFailed("name", "name cannot be empty")
		}
		sets, args = append(sets, "name = ?"), append(args, name)
	}
	if patch.Theme != nil {
		if err := model.ValidateTheme(*patch.Theme); err != nil {
			return nil, err
		}
		sets, args = append(sets, "theme = ?"), append(args, *patch.Theme)
	}
	if patch.FontSize != nil {
		if err := model.ValidateFontSize(*patch.FontSize); err != nil {
			return nil, err
		}
		sets, args = append(sets, "font_size = ?"), append(args, *patch.FontSize)
	}
	if patch.ClearPartner {
		sets = append(sets, "partner_id = NULL")
	}
	if len(sets) == 0 {
		return db.GetUserByID(ctx, id)
	}

	sets, args = append(sets, "updated_at = ?"), append(args, db.now().UTC(), id)
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating user %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperror.NotFound("user", id)
	}
	return db.GetUserByID(ctx, id)
}
