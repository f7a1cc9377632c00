// Package gateway defines the contract between the client core and the
// hosted backend: authentication, row queries, remote procedures and change
// feeds. The core depends only on these interfaces; internal/gateway/rest is
// the production implementation.
//
// The interfaces are deliberately narrow. The session reconciler takes an
// Auth + Profiles + Procedures, the day loader a Tables, and so on, so each
// test fake only implements what its component actually calls.
package gateway

import (
	"context"
	"time"

	"github.com/sakif/duo-routine/internal/model"
)

// Identity is the authentication-provider principal, distinct from the
// application's model.User profile row.
type Identity struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expires_at"`
}

// EventKind enumerates identity lifecycle events.
type EventKind string

const (
	SignedIn       EventKind = "SIGNED_IN"
	SignedOut      EventKind = "SIGNED_OUT"
	TokenRefreshed EventKind = "TOKEN_REFRESHED"
	InitialSession EventKind = "INITIAL_SESSION"
)

type IdentityEvent struct {
	Kind     EventKind
	Identity *Identity // nil for SignedOut
}

// Auth is the identity half of the gateway.
type Auth interface {
	// CurrentIdentity returns the signed-in identity, or (nil, nil) when
	// nobody is signed in. Failures are apperror.ErrAuth.
	CurrentIdentity(ctx context.Context) (*Identity, error)
	// SubscribeIdentityEvents registers handler; handlers must not block.
	SubscribeIdentityEvents(handler func(IdentityEvent)) (unsubscribe func())
	SignInWithEmail(ctx context.Context, email string) error
	VerifyEmailCode(ctx context.Context, email, code string) (*Identity, error)
	ProviderSignInURL(ctx context.Context, redirectTo string) (string, error)
	ExchangeAuthCode(ctx context.Context, code, redirectTo string) (*Identity, error)
	SignOut(ctx context.Context) error
}

// ProfilePatch lists the user columns a client may change. Nil fields are
// left untouched; ClearPartner writes NULL to partner_id.
type ProfilePatch struct {
	Name         *string         `json:"name,omitempty"`
	Theme        *model.Theme    `json:"theme,omitempty"`
	FontSize     *model.FontSize `json:"font_size,omitempty"`
	ClearPartner bool            `json:"clear_partner,omitempty"`
}

// Profiles reads and patches user rows.
type Profiles interface {
	// Profile fails with apperror.ErrNotFound or apperror.ErrDB.
	Profile(ctx context.Context, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, userID string, patch ProfilePatch) (*model.User, error)
}

// RoutineQuery filters routines. OrderBySort is always applied by the backend.
type RoutineQuery struct {
	UserID     string
	DayOfWeek  *int
	ActiveOnly bool
}

type RoutinePatch struct {
	TaskName          *string               `json:"task_name,omitempty"`
	TaskIcon          *string               `json:"task_icon,omitempty"`
	Category          *model.Category       `json:"category,omitempty"`
	IsFixed           *bool                 `json:"is_fixed,omitempty"`
	ScheduledTime     *string               `json:"scheduled_time,omitempty"`
	FlexiblePeriod    *model.FlexiblePeriod `json:"flexible_period,omitempty"`
	EstimatedDuration *int                  `json:"estimated_duration,omitempty"`
	ReminderMinutes   *int                  `json:"reminder_minutes,omitempty"`
	Subtasks          *[]model.Subtask      `json:"subtasks,omitempty"`
	Note              *string               `json:"note,omitempty"`
	SortOrder         *int                  `json:"sort_order,omitempty"`
	IsActive          *bool                 `json:"is_active,omitempty"`
}

// TaskLogPatch carries the mutable task log columns. CompletedAt and
// CompletedBy are always written together with Status so that moving a task
// back to pending clears its completion.
type TaskLogPatch struct {
	Status            *model.TaskStatus `json:"status,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty"`
	CompletedBy       *string           `json:"completed_by,omitempty"`
	ClearCompletion   bool              `json:"clear_completion,omitempty"`
	SubtasksCompleted *[]string         `json:"subtasks_completed,omitempty"`
}

type DailyStatusPatch struct {
	EnergyLevel *model.EnergyLevel `json:"energy_level,omitempty"`
	Mood        *model.Mood        `json:"mood,omitempty"`
}

// Tables is the row-level API.
type Tables interface {
	QueryRoutines(ctx context.Context, q RoutineQuery) ([]model.Routine, error)
	InsertRoutines(ctx context.Context, rows []model.Routine) ([]model.Routine, error)
	UpdateRoutine(ctx context.Context, id string, patch RoutinePatch) (*model.Routine, error)

	QueryTaskLogs(ctx context.Context, userID string, date model.Date) ([]model.TaskLog, error)
	// InsertTaskLogs fails with apperror.ErrConstraint if any row duplicates
	// an existing (user_id, date, routine_id).
	InsertTaskLogs(ctx context.Context, rows []model.TaskLog) ([]model.TaskLog, error)
	UpdateTaskLog(ctx context.Context, id string, patch TaskLogPatch) (*model.TaskLog, error)

	// QueryDailyStatus returns (nil, nil) when there is no row.
	QueryDailyStatus(ctx context.Context, userID string, date model.Date) (*model.DailyStatus, error)
	UpsertDailyStatus(ctx context.Context, userID string, date model.Date, patch DailyStatusPatch) (*model.DailyStatus, error)

	QueryNotifications(ctx context.Context, userID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotification(ctx context.Context, id string) error
}

// Remote procedure names. Each runs atomically on the backend.
const (
	ProcPairUsers      = "pair_users"
	ProcUnpairUsers    = "unpair_users"
	ProcRequestPairing = "request_pairing"
	ProcRespondPairing = "respond_pairing_request"
)

// Procedure error codes reported in RPCResult.ErrorCode.
const (
	CodeInvalidCode      = "invalid_code"
	CodeAlreadyPaired    = "already_paired"
	CodeSelfPairing      = "self_pairing"
	CodeNotAuthenticated = "not_authenticated"
	CodeNotFound         = "not_found"
)

// RPCResult is the envelope every remote procedure returns.
type RPCResult struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message,omitempty"`
	ErrorCode string         `json:"error_code,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

type Procedures interface {
	// CallRemoteProcedure fails with apperror.ErrUnavailable if name is not
	// deployed on the backend. A procedure that ran but refused the request
	// returns (result with Success=false, nil).
	CallRemoteProcedure(ctx context.Context, name string, args map[string]any) (*RPCResult, error)
}

// ChangeEvent reports that rows matching a subscription changed.
type ChangeEvent struct {
	Table string
	At    time.Time
}

// Filter selects rows by column equality, e.g. {"user_id": id}.
type Filter map[string]string

type Realtime interface {
	// SubscribeTableChanges calls handler whenever rows of table matching
	// filter change, until ctx is done or unsubscribe is called.
	SubscribeTableChanges(ctx context.Context, table string, filter Filter, handler func(ChangeEvent)) (unsubscribe func(), err error)
}

// Gateway is the full remote client: one long-lived handle per process.
type Gateway interface {
	Auth
	Profiles
	Tables
	Procedures
	Realtime
}
