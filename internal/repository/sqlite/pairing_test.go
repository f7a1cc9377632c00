package sqlite

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

func mustUser(t *testing.T, db *DB, id string) *model.User {
	t.Helper()
	u, err := db.GetUserByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUserByID(%s): %v", id, err)
	}
	return u
}

// =========================================================================
// PAIR TESTS
// =========================================================================

func TestPairUsers_LinksBothSides(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")

	partner, err := db.PairUsers(context.Background(), ana.ID, " "+strings.ToLower(bo.PairingCode)+" ")
	if err != nil {
		t.Fatalf("PairUsers() error = %v", err)
	}
	if partner.ID != bo.ID {
		t.Errorf("partner = %s, want %s", partner.ID, bo.ID)
	}
	if got := mustUser(t, db, ana.ID).PartnerID; got != bo.ID {
		t.Errorf("ana.PartnerID = %q, want %q", got, bo.ID)
	}
	if got := mustUser(t, db, bo.ID).PartnerID; got != ana.ID {
		t.Errorf("bo.PartnerID = %q, want %q", got, ana.ID)
	}
}

func TestPairUsers_TargetAlreadyPaired_LeavesEveryoneUnchanged(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	cy := createTestUser(t, db, "cy@example.com")
	if _, err := db.PairUsers(context.Background(), bo.ID, cy.PairingCode); err != nil {
		t.Fatalf("setup PairUsers() error = %v", err)
	}

	_, err := db.PairUsers(context.Background(), ana.ID, bo.PairingCode)

	if !errors.Is(err, apperror.ErrAlreadyPaired) {
		t.Fatalf("PairUsers() error = %v, want ErrAlreadyPaired", err)
	}
	if got := mustUser(t, db, ana.ID).PartnerID; got != "" {
		t.Errorf("ana.PartnerID = %q, want empty", got)
	}
	if got := mustUser(t, db, bo.ID).PartnerID; got != cy.ID {
		t.Errorf("bo.PartnerID = %q, want %q", got, cy.ID)
	}
	if got := mustUser(t, db, cy.ID).PartnerID; got != bo.ID {
		t.Errorf("cy.PartnerID = %q, want %q", got, bo.ID)
	}
}

func TestPairUsers_Refusals(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")

	tests := []struct {
		name string
		code string
		want error
	}{
		{"malformed", "AB", apperror.ErrValidation},
		{"unknown", "ZZZZZZ", apperror.ErrInvalidCode},
		{"own code", ana.PairingCode, repository.ErrSelfPairing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.code == "ZZZZZZ" && ana.PairingCode == tt.code {
				t.Skip("random code collided with the probe")
			}
			_, err := db.PairUsers(context.Background(), ana.ID, tt.code)
			if !errors.Is(err, tt.want) {
				t.Errorf("PairUsers(%q) error = %v, want %v", tt.code, err, tt.want)
			}
		})
	}
}

func TestPairUsers_AgainWithSamePartnerSucceeds(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	if _, err := db.PairUsers(context.Background(), ana.ID, bo.PairingCode); err != nil {
		t.Fatalf("PairUsers() error = %v", err)
	}

	if _, err := db.PairUsers(context.Background(), ana.ID, bo.PairingCode); err != nil {
		t.Errorf("repeat PairUsers() error = %v, want nil", err)
	}
}

// =========================================================================
// UNPAIR TESTS
// =========================================================================

func TestUnpairUsers_ClearsBothSides(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	if _, err := db.PairUsers(context.Background(), ana.ID, bo.PairingCode); err != nil {
		t.Fatalf("PairUsers() error = %v", err)
	}

	if err := db.UnpairUsers(context.Background(), ana.ID); err != nil {
		t.Fatalf("UnpairUsers() error = %v", err)
	}

	for _, id := range []string{ana.ID, bo.ID} {
		if got := mustUser(t, db, id).PartnerID; got != "" {
			t.Errorf("user %s PartnerID = %q after unpair, want empty", id, got)
		}
	}
}

func TestUnpairUsers_RepairsHalfLink(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	// Only bo points at ana.
	if _, err := db.conn.Exec(`UPDATE users SET partner_id = ? WHERE id = ?`, ana.ID, bo.ID); err != nil {
		t.Fatalf("setup: %v", err)
	}

	if err := db.UnpairUsers(context.Background(), ana.ID); err != nil {
		t.Fatalf("UnpairUsers() error = %v", err)
	}
	if got := mustUser(t, db, bo.ID).PartnerID; got != "" {
		t.Errorf("bo.PartnerID = %q, want empty", got)
	}
}

// =========================================================================
// REQUEST / RESPOND TESTS
// =========================================================================

func TestRequestPairing_NotifiesTarget(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")

	req, err := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode)
	if err != nil {
		t.Fatalf("RequestPairing() error = %v", err)
	}
	if req.Status != model.PairingPending || req.ToUserID != bo.ID {
		t.Errorf("request = %+v", req)
	}

	inbox, err := db.ListNotifications(context.Background(), bo.ID)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(inbox) != 1 {
		t.Fatalf("bo has %d notifications, want 1", len(inbox))
	}
	n := inbox[0]
	if n.Type != model.NotifyPairingRequest || n.Data.RequestID != req.ID || n.Data.FromUserID != ana.ID || n.Read {
		t.Errorf("notification = %+v", n)
	}

	again, err := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode)
	if err != nil {
		t.Fatalf("repeat RequestPairing() error = %v", err)
	}
	if again.ID != req.ID {
		t.Errorf("repeat request id = %s, want the pending %s", again.ID, req.ID)
	}
}

func TestRespondPairingRequest_Accept(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	req, err := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode)
	if err != nil {
		t.Fatalf("RequestPairing() error = %v", err)
	}

	settled, err := db.RespondPairingRequest(context.Background(), bo.ID, req.ID, true)
	if err != nil {
		t.Fatalf("RespondPairingRequest() error = %v", err)
	}
	if settled.Status != model.PairingAccepted {
		t.Errorf("Status = %s, want accepted", settled.Status)
	}
	if mustUser(t, db, ana.ID).PartnerID != bo.ID || mustUser(t, db, bo.ID).PartnerID != ana.ID {
		t.Error("accepting did not link both users")
	}

	anaInbox, _ := db.ListNotifications(context.Background(), ana.ID)
	if len(anaInbox) != 1 || anaInbox[0].Type != model.NotifyPairingAccepted || anaInbox[0].Data.PartnerID != bo.ID {
		t.Errorf("ana inbox = %+v, want one pairing_accepted", anaInbox)
	}
	boInbox, _ := db.ListNotifications(context.Background(), bo.ID)
	if len(boInbox) != 1 || !boInbox[0].Read {
		t.Errorf("bo inbox = %+v, want the request marked read", boInbox)
	}

	_, err = db.RespondPairingRequest(context.Background(), bo.ID, req.ID, true)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("second response error = %v, want ErrConflict", err)
	}
}

func TestRespondPairingRequest_Reject(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	req, _ := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode)

	if _, err := db.RespondPairingRequest(context.Background(), bo.ID, req.ID, false); err != nil {
		t.Fatalf("RespondPairingRequest() error = %v", err)
	}
	if mustUser(t, db, ana.ID).HasPartner() || mustUser(t, db, bo.ID).HasPartner() {
		t.Error("rejecting must not link anyone")
	}
	anaInbox, _ := db.ListNotifications(context.Background(), ana.ID)
	if len(anaInbox) != 1 || anaInbox[0].Type != model.NotifyPairingRejected {
		t.Errorf("ana inbox = %+v, want one pairing_rejected", anaInbox)
	}
}

func TestRespondPairingRequest_OnlyTheTarget(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	req, _ := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode)

	_, err := db.RespondPairingRequest(context.Background(), ana.ID, req.ID, true)

	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("requester responding error = %v, want ErrNotFound", err)
	}
}
