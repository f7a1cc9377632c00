// Package model defines the data structures used throughout the application.
//
// Every struct mirrors one backend table. The `json` tags are the wire names
// the backend uses, and `db` tags the SQLite column names. Rows coming from
// the network are checked with Validate before they reach a store; a row
// that fails is dropped and logged rather than propagated half-formed.
package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type Theme string

const (
	ThemeOcean    Theme = "ocean"
	ThemeMidnight Theme = "midnight"
)

type FontSize string

const (
	FontNormal FontSize = "normal"
	FontLarge  FontSize = "large"
)

// PairingCodeLength is the length of the code a partner types to link accounts.
const PairingCodeLength = 6

var pairingCodePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// User is the application profile row for an authenticated identity.
//
// PartnerID is a symmetric link: if A.PartnerID == B.ID then B.PartnerID
// should equal A.ID. The backend maintains the symmetry; the client must
// tolerate a short window where only one side is set (pairing in progress).
type User struct {
	ID          string    `json:"id"           db:"id"`
	Email       string    `json:"email"        db:"email"`
	Name        string    `json:"name"         db:"name"`
	AvatarURL   string    `json:"avatar_url"   db:"avatar_url"`
	PartnerID   string    `json:"partner_id"   db:"partner_id"`
	PairingCode string    `json:"pairing_code" db:"pairing_code"`
	Theme       Theme     `json:"theme"        db:"theme"`
	FontSize    FontSize  `json:"font_size"    db:"font_size"`
	GitHubID    int64     `json:"-"            db:"github_id"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"   db:"updated_at"`
}

// HasPartner reports whether the profile is linked to another user.
func (u *User) HasPartner() bool {
	return u != nil && u.PartnerID != ""
}

func (u *User) Validate() error {
	if u == nil {
		return apperror.ValidationFailed("user", "user row is empty")
	}
	if u.ID == "" {
		return apperror.ValidationFailed("id", "user id is required")
	}
	if u.PartnerID == u.ID {
		return apperror.ValidationFailed("partner_id", "user cannot be their own partner")
	}
	if u.Theme != "" {
		if err := ValidateTheme(u.Theme); err != nil {
			return err
		}
	}
	if u.FontSize != "" {
		if err := ValidateFontSize(u.FontSize); err != nil {
			return err
		}
	}
	return nil
}

func ValidateTheme(t Theme) error {
	switch t {
	case ThemeOcean, ThemeMidnight:
		return nil
	}
	return apperror.ValidationFailed("theme", fmt.Sprintf("unknown theme %q", t))
}

func ValidateFontSize(f FontSize) error {
	switch f {
	case FontNormal, FontLarge:
		return nil
	}
	return apperror.ValidationFailed("font_size", fmt.Sprintf("unknown font size %q", f))
}

// NormalizePairingCode trims and upper-cases user input and checks its shape.
// A malformed code is reported as an invalid code that also matches
// apperror.ErrValidation.
func NormalizePairingCode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !pairingCodePattern.MatchString(code) {
		return "", apperror.InvalidCode(
			fmt.Sprintf("pairing code must be %d letters or digits", PairingCodeLength), true)
	}
	return code, nil
}
