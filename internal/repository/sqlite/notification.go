package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.NotificationRepository = (*DB)(nil)

// notificationLimit caps the inbox listing. Older entries stay stored.
const notificationLimit = 50

const notificationColumns = `id, user_id, type, title, message, data, is_read, created_at, updated_at`

func scanNotification(row rowScanner) (*model.Notification, error) {
	var (
		n    model.Notification
		data string
	)
	err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &n.Data); err != nil {
		return nil, fmt.Errorf("sqlite: decoding data of notification %s: %w", n.ID, err)
	}
	return &n, nil
}

// ListNotifications returns the newest entries first.
func (db *DB) ListNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		userID, notificationLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing notifications: %w", err)
	}
	defer rows.Close()

	out := make([]model.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning notification: %w", err)
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating notifications: %w", err)
	}
	return out, nil
}

func (db *DB) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	n, err := scanNotification(db.conn.QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("notification", id)
		}
		return nil, fmt.Errorf("sqlite: getting notification %s: %w", id, err)
	}
	return n, nil
}

func (db *DB) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE notifications SET is_read = 1, updated_at = ? WHERE id = ?`, db.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("sqlite: marking notification %s read: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("notification", id)
	}
	return nil
}

func (db *DB) DeleteNotification(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM notifications WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: deleting notification %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("notification", id)
	}
	return nil
}

// insertNotification is used by the pairing procedures, always inside their
// transaction.
func (db *DB) insertNotification(ctx context.Context, tx *sql.Tx, n *model.Notification) error {
	now := db.now().UTC()
	n.ID = xid.New().String()
	n.CreatedAt, n.UpdatedAt = now, now
	data, err := toJSON(n.Data)
	if err != nil {
		return fmt.Errorf("sqlite: encoding notification data: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID,
		n.UserID,
		n.Type,
		n.Title,
		n.Message,
		data,
		n.Read,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting notification: %w", err)
	}
	return nil
}
