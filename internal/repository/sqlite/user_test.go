package sqlite

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// createTestUser provisions a user the way a first email sign-in does.
func createTestUser(t *testing.T, db *DB, email string) *model.User {
	t.Helper()
	u, err := db.FindOrCreateByEmail(context.Background(), email)
	if err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return u
}

// =========================================================================
// PROVISIONING TESTS
// =========================================================================

func TestFindOrCreateByEmail_NewUser(t *testing.T) {
	db := newTestDB(t)

	u := createTestUser(t, db, "  Ana.Lopez@Example.com ")

	if u.ID == "" {
		t.Error("FindOrCreateByEmail() did not set ID")
	}
	if u.Email != "ana.lopez@example.com" {
		t.Errorf("Email = %q, want it trimmed and lower-cased", u.Email)
	}
	if u.Name != "ana.lopez" {
		t.Errorf("Name = %q, want the email local part", u.Name)
	}
	if !regexp.MustCompile(`^[A-Z0-9]{6}$`).MatchString(u.PairingCode) {
		t.Errorf("PairingCode = %q, want 6 characters from A-Z0-9", u.PairingCode)
	}
	if u.Theme != model.ThemeOcean || u.FontSize != model.FontNormal {
		t.Errorf("preferences = %s/%s, want ocean/normal", u.Theme, u.FontSize)
	}
	if u.PartnerID != "" {
		t.Errorf("PartnerID = %q, want empty", u.PartnerID)
	}
}

func TestFindOrCreateByEmail_ExistingUser(t *testing.T) {
	db := newTestDB(t)
	first := createTestUser(t, db, "bo@example.com")

	again := createTestUser(t, db, "BO@example.com")

	if again.ID != first.ID || again.PairingCode != first.PairingCode {
		t.Errorf("second sign-in got %s/%s, want the same user %s/%s",
			again.ID, again.PairingCode, first.ID, first.PairingCode)
	}
}

func TestFindOrCreateByEmail_CodesAreUnique(t *testing.T) {
	db := newTestDB(t)

	seen := map[string]bool{}
	for _, email := range []string{"a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io"} {
		u := createTestUser(t, db, email)
		if seen[u.PairingCode] {
			t.Fatalf("pairing code %s issued twice", u.PairingCode)
		}
		seen[u.PairingCode] = true
	}
}

// =========================================================================
// GET TESTS
// =========================================================================

func TestGetUserByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetUserByID(context.Background(), "nonexistent-id")

	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetUserByID() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// GITHUB TESTS
// =========================================================================

func TestUpsertGitHubUser_New(t *testing.T) {
	db := newTestDB(t)

	u := &model.User{GitHubID: 55555, Email: "Cy@Example.com", AvatarURL: "https://example.com/cy.png"}
	if err := db.UpsertGitHubUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertGitHubUser() error = %v", err)
	}
	if u.ID == "" || u.PairingCode == "" {
		t.Fatalf("UpsertGitHubUser() did not provision: %+v", u)
	}

	found, err := db.GetUserByID(context.Background(), u.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if found.GitHubID != 55555 || found.Email != "cy@example.com" || found.Name != "cy" {
		t.Errorf("stored user = %+v", found)
	}
}

func TestUpsertGitHubUser_LinksExistingEmailUser(t *testing.T) {
	db := newTestDB(t)
	existing := createTestUser(t, db, "dee@example.com")

	u := &model.User{GitHubID: 77, Email: "dee@example.com", AvatarURL: "https://example.com/dee.png"}
	if err := db.UpsertGitHubUser(context.Background(), u); err != nil {
		t.Fatalf("UpsertGitHubUser() error = %v", err)
	}

	if u.ID != existing.ID {
		t.Errorf("ID = %q, want the email user's %q", u.ID, existing.ID)
	}
	if u.PairingCode != existing.PairingCode {
		t.Error("linking GitHub must not change the pairing code")
	}
	if u.AvatarURL != "https://example.com/dee.png" || u.GitHubID != 77 {
		t.Errorf("linked user = %+v", u)
	}
}

func TestUpsertGitHubUser_SecondLoginKeepsID(t *testing.T) {
	db := newTestDB(t)

	first := &model.User{GitHubID: 88, Email: "eve@example.com"}
	if err := db.UpsertGitHubUser(context.Background(), first); err != nil {
		t.Fatalf("first UpsertGitHubUser() error = %v", err)
	}
	second := &model.User{GitHubID: 88, Email: "eve@example.com", AvatarURL: "https://example.com/new.png"}
	if err := db.UpsertGitHubUser(context.Background(), second); err != nil {
		t.Fatalf("second UpsertGitHubUser() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("second login ID = %q, want %q", second.ID, first.ID)
	}
}

// =========================================================================
// UPDATE PROFILE TESTS
// =========================================================================

func TestUpdateProfile_Preferences(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "fay@example.com")

	theme, font := model.ThemeMidnight, model.FontLarge
	got, err := db.UpdateProfile(context.Background(), u.ID, gateway.ProfilePatch{Theme: &theme, FontSize: &font})
	if err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}
	if got.Theme != model.ThemeMidnight || got.FontSize != model.FontLarge {
		t.Errorf("preferences = %s/%s, want midnight/large", got.Theme, got.FontSize)
	}
	if got.Name != "fay" {
		t.Errorf("Name = %q, an untouched field changed", got.Name)
	}
}

func TestUpdateProfile_Rejects(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "gus@example.com")

	badTheme := model.Theme("neon")
	blank := "   "
	tests := []struct {
		name  string
		id    string
		patch gateway.ProfilePatch
		want  error
	}{
		{"unknown theme", u.ID, gateway.ProfilePatch{Theme: &badTheme}, apperror.ErrValidation},
		{"blank name", u.ID, gateway.ProfilePatch{Name: &blank}, apperror.ErrValidation},
		{"missing user", "nobody", gateway.ProfilePatch{ClearPartner: true}, apperror.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.UpdateProfile(context.Background(), tt.id, tt.patch)
			if !errors.Is(err, tt.want) {
				t.Errorf("UpdateProfile() error = %v, want %v", err, tt.want)
			}
		})
	}
}
