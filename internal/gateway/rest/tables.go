package rest

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

type validator[T any] interface {
	*T
	Validate() error
}

// keepValid drops rows that fail validation, logging each one. It reuses the
// backing array of rows.
func keepValid[T any, PT validator[T]](logger *slog.Logger, table string, rows []T) []T {
	out := rows[:0]
	for i := range rows {
		if err := PT(&rows[i]).Validate(); err != nil {
			logger.Error("dropping malformed row",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, rows[i])
	}
	return out
}

func checkRow[T any, PT validator[T]](table string, row PT) error {
	if err := row.Validate(); err != nil {
		return apperror.DB("malformed "+table+" row", err)
	}
	return nil
}

func (c *Client) Profile(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodGet, "/rest/v1/users/"+url.PathEscape(userID), nil, nil, &u); err != nil {
		return nil, err
	}
	if err := checkRow("users", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) UpdateProfile(ctx context.Context, userID string, patch gateway.ProfilePatch) (*model.User, error) {
	var u model.User
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/users/"+url.PathEscape(userID), nil, patch, &u); err != nil {
		return nil, err
	}
	if err := checkRow("users", &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) QueryRoutines(ctx context.Context, q gateway.RoutineQuery) ([]model.Routine, error) {
	v := url.Values{"user_id": {q.UserID}}
	if q.DayOfWeek != nil {
		v.Set("day_of_week", strconv.Itoa(*q.DayOfWeek))
	}
	if q.ActiveOnly {
		v.Set("active", "true")
	}
	var rows []model.Routine
	if err := c.do(ctx, http.MethodGet, "/rest/v1/routines", v, nil, &rows); err != nil {
		return nil, err
	}
	return keepValid(c.logger, "routines", rows), nil
}

func (c *Client) InsertRoutines(ctx context.Context, rows []model.Routine) ([]model.Routine, error) {
	var out []model.Routine
	if err := c.do(ctx, http.MethodPost, "/rest/v1/routines", nil, rows, &out); err != nil {
		return nil, err
	}
	return keepValid(c.logger, "routines", out), nil
}

func (c *Client) UpdateRoutine(ctx context.Context, id string, patch gateway.RoutinePatch) (*model.Routine, error) {
	var r model.Routine
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/routines/"+url.PathEscape(id), nil, patch, &r); err != nil {
		return nil, err
	}
	if err := checkRow("routines", &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) QueryTaskLogs(ctx context.Context, userID string, date model.Date) ([]model.TaskLog, error) {
	v := url.Values{"user_id": {userID}, "date": {date.String()}}
	var rows []model.TaskLog
	if err := c.do(ctx, http.MethodGet, "/rest/v1/task_logs", v, nil, &rows); err != nil {
		return nil, err
	}
	return keepValid(c.logger, "task_logs", rows), nil
}

func (c *Client) InsertTaskLogs(ctx context.Context, rows []model.TaskLog) ([]model.TaskLog, error) {
	var out []model.TaskLog
	if err := c.do(ctx, http.MethodPost, "/rest/v1/task_logs", nil, rows, &out); err != nil {
		return nil, err
	}
	return keepValid(c.logger, "task_logs", out), nil
}

func (c *Client) UpdateTaskLog(ctx context.Context, id string, patch gateway.TaskLogPatch) (*model.TaskLog, error) {
	var t model.TaskLog
	if err := c.do(ctx, http.MethodPatch, "/rest/v1/task_logs/"+url.PathEscape(id), nil, patch, &t); err != nil {
		return nil, err
	}
	if err := checkRow("task_logs", &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) QueryDailyStatus(ctx context.Context, userID string, date model.Date) (*model.DailyStatus, error) {
	v := url.Values{"user_id": {userID}, "date": {date.String()}}
	// The backend answers 200 with a JSON null when there is no row.
	var s *model.DailyStatus
	if err := c.do(ctx, http.MethodGet, "/rest/v1/daily_status", v, nil, &s); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	if err := checkRow("daily_status", s); err != nil {
		return nil, err
	}
	return s, nil
}

type dailyStatusUpsert struct {
	UserID string     `json:"user_id"`
	Date   model.Date `json:"date"`
	gateway.DailyStatusPatch
}

func (c *Client) UpsertDailyStatus(ctx context.Context, userID string, date model.Date, patch gateway.DailyStatusPatch) (*model.DailyStatus, error) {
	body := dailyStatusUpsert{UserID: userID, Date: date, DailyStatusPatch: patch}
	var s model.DailyStatus
	if err := c.do(ctx, http.MethodPut, "/rest/v1/daily_status", nil, body, &s); err != nil {
		return nil, err
	}
	if err := checkRow("daily_status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) QueryNotifications(ctx context.Context, userID string) ([]model.Notification, error) {
	v := url.Values{"user_id": {userID}}
	var rows []model.Notification
	if err := c.do(ctx, http.MethodGet, "/rest/v1/notifications", v, nil, &rows); err != nil {
		return nil, err
	}
	return keepValid(c.logger, "notifications", rows), nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	body := map[string]bool{"read": true}
	return c.do(ctx, http.MethodPatch, "/rest/v1/notifications/"+url.PathEscape(id), nil, body, nil)
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/rest/v1/notifications/"+url.PathEscape(id), nil, nil, nil)
}
