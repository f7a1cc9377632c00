// Package repository declares the backend's storage interfaces. The sqlite
// subpackage implements all of them on one database.
//
// Patch types are the wire shapes from the gateway package, so a PATCH body
// the client sends is exactly what the repository applies.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	// FindOrCreateByEmail provisions a user on first sign-in with a name
	// taken from the email and a fresh pairing code.
	FindOrCreateByEmail(ctx context.Context, email string) (*model.User, error)
	// UpsertGitHubUser links a GitHub account to the user with the same
	// email, creating the user if needed. user.ID is filled in.
	UpsertGitHubUser(ctx context.Context, user *model.User) error
	UpdateProfile(ctx context.Context, id string, patch gateway.ProfilePatch) (*model.User, error)
}

type RoutineRepository interface {
	ListRoutines(ctx context.Context, q gateway.RoutineQuery) ([]model.Routine, error)
	GetRoutine(ctx context.Context, id string) (*model.Routine, error)
	CreateRoutines(ctx context.Context, rows []model.Routine) ([]model.Routine, error)
	UpdateRoutine(ctx context.Context, id string, patch gateway.RoutinePatch) (*model.Routine, error)
}

type TaskLogRepository interface {
	// ListTaskLogs lists one day, or the most recent logs for a zero date.
	ListTaskLogs(ctx context.Context, userID string, date model.Date) ([]model.TaskLog, error)
	GetTaskLog(ctx context.Context, id string) (*model.TaskLog, error)
	// CreateTaskLogs inserts all rows or none. A row that repeats an
	// existing (user_id, date, routine_id) fails the batch with
	// apperror.ErrConstraint.
	CreateTaskLogs(ctx context.Context, rows []model.TaskLog) ([]model.TaskLog, error)
	UpdateTaskLog(ctx context.Context, id string, patch gateway.TaskLogPatch) (*model.TaskLog, error)
}

type DailyStatusRepository interface {
	// GetDailyStatus returns (nil, nil) when there is no row.
	GetDailyStatus(ctx context.Context, userID string, date model.Date) (*model.DailyStatus, error)
	UpsertDailyStatus(ctx context.Context, userID string, date model.Date, patch gateway.DailyStatusPatch) (*model.DailyStatus, error)
}

type NotificationRepository interface {
	ListNotifications(ctx context.Context, userID string) ([]model.Notification, error)
	GetNotification(ctx context.Context, id string) (*model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

// ErrSelfPairing is returned when a user enters their own pairing code.
var ErrSelfPairing = errors.New("cannot pair with yourself")

// PairingRepository runs the partner procedures. Each method is one
// transaction: both users change together or neither does.
type PairingRepository interface {
	// PairUsers links userID with the owner of code and returns the partner.
	PairUsers(ctx context.Context, userID, code string) (*model.User, error)
	// UnpairUsers clears the link on both sides.
	UnpairUsers(ctx context.Context, userID string) error
	// RequestPairing records a pending request and notifies its target.
	RequestPairing(ctx context.Context, fromUserID, code string) (*model.PairingRequest, error)
	// RespondPairingRequest accepts or rejects a request addressed to userID
	// and notifies the requester.
	RespondPairingRequest(ctx context.Context, userID, requestID string, accept bool) (*model.PairingRequest, error)
}

// SignInCode is a pending emailed one-time code. Only its hash is stored.
type SignInCode struct {
	Email     string
	CodeHash  string
	Attempts  int
	ExpiresAt time.Time
}

// Session backs a refresh token.
type Session struct {
	ID         string
	UserID     string
	SecretHash string
	ExpiresAt  time.Time
}

// AuthCode is a single-use code minted by the provider callback.
type AuthCode struct {
	ID          string
	UserID      string
	SecretHash  string
	RedirectURI string
	ExpiresAt   time.Time
}

type AuthRepository interface {
	// SaveSignInCode replaces any pending code for the email.
	SaveSignInCode(ctx context.Context, c SignInCode) error
	GetSignInCode(ctx context.Context, email string) (*SignInCode, error)
	IncrementSignInAttempts(ctx context.Context, email string) error
	DeleteSignInCode(ctx context.Context, email string) error

	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	DeleteSession(ctx context.Context, id string) error

	CreateAuthCode(ctx context.Context, c AuthCode) error
	// TakeAuthCode returns the code and deletes it, so it works once.
	TakeAuthCode(ctx context.Context, id string) (*AuthCode, error)
}
