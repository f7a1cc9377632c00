package model

import (
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type NotificationType string

const (
	NotifyPairingRequest  NotificationType = "pairing_request"
	NotifyPairingAccepted NotificationType = "pairing_accepted"
	NotifyPairingRejected NotificationType = "pairing_rejected"
)

type NotificationData struct {
	FromUserID   string `json:"from_user_id,omitempty"`
	FromUserName string `json:"from_user_name,omitempty"`
	PartnerID    string `json:"partner_id,omitempty"`
	RequestID    string `json:"request_id,omitempty"`
}

// Notification is an inbox entry. Pairing handshakes are the only producer.
type Notification struct {
	ID        string           `json:"id"         db:"id"`
	UserID    string           `json:"user_id"    db:"user_id"`
	Type      NotificationType `json:"type"       db:"type"`
	Title     string           `json:"title"      db:"title"`
	Message   string           `json:"message"    db:"message"`
	Data      NotificationData `json:"data"       db:"data"`
	Read      bool             `json:"read"       db:"read"`
	CreatedAt time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt time.Time        `json:"updated_at" db:"updated_at"`
}

func (n *Notification) Validate() error {
	if n == nil || n.ID == "" || n.UserID == "" {
		return apperror.ValidationFailed("notification", "notification id and owner are required")
	}
	switch n.Type {
	case NotifyPairingRequest, NotifyPairingAccepted, NotifyPairingRejected:
		return nil
	}
	return apperror.ValidationFailed("type", "unknown notification type "+string(n.Type))
}

type PairingStatus string

const (
	PairingPending  PairingStatus = "pending"
	PairingAccepted PairingStatus = "accepted"
	PairingRejected PairingStatus = "rejected"
)

// PairingRequest is the asynchronous handshake record behind a
// pairing_request notification.
type PairingRequest struct {
	ID         string        `json:"id"           db:"id"`
	FromUserID string        `json:"from_user_id" db:"from_user_id"`
	ToUserID   string        `json:"to_user_id"   db:"to_user_id"`
	Status     PairingStatus `json:"status"       db:"status"`
	CreatedAt  time.Time     `json:"created_at"   db:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"   db:"updated_at"`
}
