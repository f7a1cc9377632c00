// Package service contains the backend's business rules. Handlers parse
// HTTP, services decide who may do what, repositories talk SQL.
//
//	main.go creates:  DB → Repository → Service → Handler
//	At runtime:       Handler calls Service calls Repository calls DB
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

// DataService enforces row visibility on top of the table repositories.
//
// A caller reads its own rows, plus its partner's profile, task logs and
// daily status. It writes only its own rows. Routines and notifications are
// private. A row the caller may not see is reported as not found, so ids
// cannot be probed; a request for a whole table it may not read is
// forbidden.
type DataService struct {
	users         repository.UserRepository
	routines      repository.RoutineRepository
	taskLogs      repository.TaskLogRepository
	dailyStatus   repository.DailyStatusRepository
	notifications repository.NotificationRepository
	logger        *slog.Logger
}

// DataStore is everything DataService reads and writes. *sqlite.DB
// satisfies it.
type DataStore interface {
	repository.UserRepository
	repository.RoutineRepository
	repository.TaskLogRepository
	repository.DailyStatusRepository
	repository.NotificationRepository
}

func NewDataService(store DataStore, logger *slog.Logger) *DataService {
	return &DataService{
		users:         store,
		routines:      store,
		taskLogs:      store,
		dailyStatus:   store,
		notifications: store,
		logger:        logger,
	}
}

// canRead reports whether caller may read rows owned by userID.
func (s *DataService) canRead(ctx context.Context, caller, userID string) error {
	if userID == caller {
		return nil
	}
	me, err := s.users.GetUserByID(ctx, caller)
	if err != nil {
		return fmt.Errorf("service/data: loading caller: %w", err)
	}
	if me.PartnerID != "" && me.PartnerID == userID {
		return nil
	}
	return apperror.Forbidden("you can only read your own or your partner's rows")
}

func canWrite(caller, userID string) error {
	if userID != caller {
		return apperror.Forbidden("you can only change your own rows")
	}
	return nil
}

func (s *DataService) Profile(ctx context.Context, caller, userID string) (*model.User, error) {
	if err := s.canRead(ctx, caller, userID); err != nil {
		if errors.Is(err, apperror.ErrForbidden) {
			return nil, apperror.NotFound("user", userID)
		}
		return nil, err
	}
	return s.users.GetUserByID(ctx, userID)
}

func (s *DataService) UpdateProfile(ctx context.Context, caller, userID string, patch gateway.ProfilePatch) (*model.User, error) {
	if err := canWrite(caller, userID); err != nil {
		return nil, err
	}
	if patch.ClearPartner {
		s.logger.Warn("one-sided partner clear", slog.String("userID", caller))
	}
	return s.users.UpdateProfile(ctx, userID, patch)
}

func (s *DataService) ListRoutines(ctx context.Context, caller string, q gateway.RoutineQuery) ([]model.Routine, error) {
	if q.UserID == "" {
		q.UserID = caller
	}
	if err := canWrite(caller, q.UserID); err != nil {
		return nil, err
	}
	return s.routines.ListRoutines(ctx, q)
}

func (s *DataService) CreateRoutines(ctx context.Context, caller string, rows []model.Routine) ([]model.Routine, error) {
	if len(rows) == 0 {
		return nil, apperror.ValidationFailed("routines", "at least one routine is required")
	}
	for i := range rows {
		if rows[i].UserID == "" {
			rows[i].UserID = caller
		}
		if err := canWrite(caller, rows[i].UserID); err != nil {
			return nil, err
		}
	}
	return s.routines.CreateRoutines(ctx, rows)
}

func (s *DataService) UpdateRoutine(ctx context.Context, caller, id string, patch gateway.RoutinePatch) (*model.Routine, error) {
	r, err := s.routines.GetRoutine(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.UserID != caller {
		return nil, apperror.NotFound("routine", id)
	}
	return s.routines.UpdateRoutine(ctx, id, patch)
}

func (s *DataService) ListTaskLogs(ctx context.Context, caller, userID string, date model.Date) ([]model.TaskLog, error) {
	if err := s.canRead(ctx, caller, userID); err != nil {
		return nil, err
	}
	return s.taskLogs.ListTaskLogs(ctx, userID, date)
}

// CreateTaskLogs also checks that each referenced routine belongs to the
// caller, so a log cannot be hung off someone else's routine.
func (s *DataService) CreateTaskLogs(ctx context.Context, caller string, rows []model.TaskLog) ([]model.TaskLog, error) {
	if len(rows) == 0 {
		return nil, apperror.ValidationFailed("task_logs", "at least one task log is required")
	}
	for i := range rows {
		if rows[i].UserID == "" {
			rows[i].UserID = caller
		}
		if err := canWrite(caller, rows[i].UserID); err != nil {
			return nil, err
		}
		if rows[i].RoutineID == "" {
			continue
		}
		r, err := s.routines.GetRoutine(ctx, rows[i].RoutineID)
		if err != nil {
			return nil, err
		}
		if r.UserID != caller {
			return nil, apperror.NotFound("routine", rows[i].RoutineID)
		}
	}
	return s.taskLogs.CreateTaskLogs(ctx, rows)
}

func (s *DataService) UpdateTaskLog(ctx context.Context, caller, id string, patch gateway.TaskLogPatch) (*model.TaskLog, error) {
	t, err := s.taskLogs.GetTaskLog(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.UserID != caller {
		return nil, apperror.NotFound("task log", id)
	}
	return s.taskLogs.UpdateTaskLog(ctx, id, patch)
}

func (s *DataService) DailyStatus(ctx context.Context, caller, userID string, date model.Date) (*model.DailyStatus, error) {
	if err := s.canRead(ctx, caller, userID); err != nil {
		return nil, err
	}
	return s.dailyStatus.GetDailyStatus(ctx, userID, date)
}

func (s *DataService) UpsertDailyStatus(ctx context.Context, caller, userID string, date model.Date, patch gateway.DailyStatusPatch) (*model.DailyStatus, error) {
	if userID == "" {
		userID = caller
	}
	if err := canWrite(caller, userID); err != nil {
		return nil, err
	}
	if date.IsZero() {
		return nil, apperror.ValidationFailed("date", "date is required")
	}
	return s.dailyStatus.UpsertDailyStatus(ctx, userID, date, patch)
}

func (s *DataService) Notifications(ctx context.Context, caller, userID string) ([]model.Notification, error) {
	if userID == "" {
		userID = caller
	}
	if err := canWrite(caller, userID); err != nil {
		return nil, err
	}
	return s.notifications.ListNotifications(ctx, userID)
}

func (s *DataService) MarkNotificationRead(ctx context.Context, caller, id string) error {
	if err := s.ownNotification(ctx, caller, id); err != nil {
		return err
	}
	return s.notifications.MarkNotificationRead(ctx, id)
}

func (s *DataService) DeleteNotification(ctx context.Context, caller, id string) error {
	if err := s.ownNotification(ctx, caller, id); err != nil {
		return err
	}
	return s.notifications.DeleteNotification(ctx, id)
}

func (s *DataService) ownNotification(ctx context.Context, caller, id string) error {
	n, err := s.notifications.GetNotification(ctx, id)
	if err != nil {
		return err
	}
	if n.UserID != caller {
		return apperror.NotFound("notification", id)
	}
	return nil
}
