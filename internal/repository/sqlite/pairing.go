package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.PairingRepository = (*DB)(nil)

// PairUsers links userID with the owner of code in one transaction. Either
// both partner_id columns change or neither does. Pairing again with one's
// current partner succeeds without writing.
func (db *DB) PairUsers(ctx context.Context, userID, code string) (*model.User, error) {
	code, err := model.NormalizePairingCode(code)
	if err != nil {
		return nil, err
	}

	var partner *model.User
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		me, target, err := pairingParties(ctx, tx, userID, code)
		if err != nil {
			return err
		}
		if me.PartnerID == target.ID && target.PartnerID == me.ID {
			partner = target
			return nil
		}
		if err := checkUnpaired(me, target); err != nil {
			return err
		}
		if err := db.link(ctx, tx, me.ID, target.ID); err != nil {
			return err
		}
		partner, err = getUser(ctx, tx, "id", target.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return partner, nil
}

// UnpairUsers clears userID's link and every link pointing at userID, so a
// half-linked pair left behind by an older client is repaired too.
func (db *DB) UnpairUsers(ctx context.Context, userID string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUser(ctx, tx, "id", userID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE users SET partner_id = NULL, updated_at = ?
			 WHERE id = ? OR partner_id = ?`,
			db.now().UTC(), userID, userID)
		if err != nil {
			return fmt.Errorf("sqlite: unpairing %s: %w", userID, err)
		}
		return nil
	})
}

// RequestPairing records a pending request from fromUserID to the owner of
// code and drops a pairing_request notification in the target's inbox.
// Repeating a pending request returns the existing one.
func (db *DB) RequestPairing(ctx context.Context, fromUserID, code string) (*model.PairingRequest, error) {
	code, err := model.NormalizePairingCode(code)
	if err != nil {
		return nil, err
	}

	var req *model.PairingRequest
	err = db.inTx(ctx, func(tx *sql.Tx) error {
		me, target, err := pairingParties(ctx, tx, fromUserID, code)
		if err != nil {
			return err
		}
		if err := checkUnpaired(me, target); err != nil {
			return err
		}

		existing, err := scanPairingRequest(tx.QueryRowContext(ctx,
			`SELECT id, from_user_id, to_user_id, status, created_at, updated_at
			 FROM pairing_requests
			 WHERE from_user_id = ? AND to_user_id = ? AND status = ?`,
			me.ID, target.ID, model.PairingPending))
		switch {
		case err == nil:
			req = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("sqlite: looking up pending request: %w", err)
		}

		now := db.now().UTC()
		req = &model.PairingRequest{
			ID:         xid.New().String(),
			FromUserID: me.ID,
			ToUserID:   target.ID,
			Status:     model.PairingPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO pairing_requests (id, from_user_id, to_user_id, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			req.ID, req.FromUserID, req.ToUserID, req.Status, req.CreatedAt, req.UpdatedAt)
		if err != nil {
			return fmt.Errorf("sqlite: inserting pairing request: %w", err)
		}

		return db.insertNotification(ctx, tx, &model.Notification{
			UserID:  target.ID,
			Type:    model.NotifyPairingRequest,
			Title:   "Pairing request",
			Message: displayName(me) + " wants to pair with you",
			Data: model.NotificationData{
				FromUserID:   me.ID,
				FromUserName: displayName(me),
				RequestID:    req.ID,
			},
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// RespondPairingRequest settles a pending request addressed to userID.
// Accepting links both users; the requester is notified either way and the
// responder's pairing_request entry is marked read.
func (db *DB) RespondPairingRequest(ctx context.Context, userID, requestID string, accept bool) (*model.PairingRequest, error) {
	var req *model.PairingRequest
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = scanPairingRequest(tx.QueryRowContext(ctx,
			`SELECT id, from_user_id, to_user_id, status, created_at, updated_at
			 FROM pairing_requests WHERE id = ?`, requestID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperror.NotFound("pairing request", requestID)
			}
			return fmt.Errorf("sqlite: loading pairing request: %w", err)
		}
		// Someone else's request looks the same as a missing one.
		if req.ToUserID != userID {
			return apperror.NotFound("pairing request", requestID)
		}
		if req.Status != model.PairingPending {
			return apperror.Conflict("pairing request", requestID)
		}

		me, err := getUser(ctx, tx, "id", userID)
		if err != nil {
			return err
		}
		from, err := getUser(ctx, tx, "id", req.FromUserID)
		if err != nil {
			return err
		}

		status, kind, title, message := model.PairingRejected, model.NotifyPairingRejected,
			"Pairing declined", displayName(me)+" declined your pairing request"
		if accept {
			if err := checkUnpaired(from, me); err != nil {
				return err
			}
			if err := db.link(ctx, tx, me.ID, from.ID); err != nil {
				return err
			}
			status, kind, title, message = model.PairingAccepted, model.NotifyPairingAccepted,
				"Pairing accepted", displayName(me)+" is now your partner"
		}

		now := db.now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE pairing_requests SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, req.ID); err != nil {
			return fmt.Errorf("sqlite: settling pairing request: %w", err)
		}
		req.Status, req.UpdatedAt = status, now

		if _, err := tx.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1, updated_at = ?
			 WHERE user_id = ? AND json_extract(data, '$.request_id') = ?`,
			now, me.ID, req.ID); err != nil {
			return fmt.Errorf("sqlite: marking request notification read: %w", err)
		}

		data := model.NotificationData{
			FromUserID:   me.ID,
			FromUserName: displayName(me),
			RequestID:    req.ID,
		}
		if accept {
			data.PartnerID = me.ID
		}
		return db.insertNotification(ctx, tx, &model.Notification{
			UserID:  from.ID,
			Type:    kind,
			Title:   title,
			Message: message,
			Data:    data,
		})
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// pairingParties loads the caller and the owner of code, refusing a code
// that names nobody or the caller.
func pairingParties(ctx context.Context, tx *sql.Tx, userID, code string) (me, target *model.User, err error) {
	me, err = getUser(ctx, tx, "id", userID)
	if err != nil {
		return nil, nil, err
	}
	target, err = getUser(ctx, tx, "pairing_code", code)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, apperror.InvalidCode("no user has that pairing code", false)
		}
		return nil, nil, err
	}
	if target.ID == me.ID {
		return nil, nil, repository.ErrSelfPairing
	}
	return me, target, nil
}

func checkUnpaired(me, target *model.User) error {
	if me.HasPartner() {
		return apperror.AlreadyPaired("you already have a partner")
	}
	if target.HasPartner() {
		return apperror.AlreadyPaired("that user already has a partner")
	}
	return nil
}

// link sets both partner_id columns. The IS NULL guards make a concurrent
// pairing lose cleanly instead of overwriting a link.
func (db *DB) link(ctx context.Context, tx *sql.Tx, a, b string) error {
	now := db.now().UTC()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		res, err := tx.ExecContext(ctx,
			`UPDATE users SET partner_id = ?, updated_at = ? WHERE id = ? AND partner_id IS NULL`,
			pair[1], now, pair[0])
		if err != nil {
			return fmt.Errorf("sqlite: linking %s to %s: %w", pair[0], pair[1], err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.AlreadyPaired("that user already has a partner")
		}
	}
	return nil
}

func scanPairingRequest(row rowScanner) (*model.PairingRequest, error) {
	var r model.PairingRequest
	if err := row.Scan(&r.ID, &r.FromUserID, &r.ToUserID, &r.Status, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func displayName(u *model.User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Email
}
