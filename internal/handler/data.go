package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/auth"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// DataAccess is the part of service.DataService the row handlers call.
// Every method takes the caller's id first; the service decides visibility.
type DataAccess interface {
	Profile(ctx context.Context, caller, userID string) (*model.User, error)
	UpdateProfile(ctx context.Context, caller, userID string, patch gateway.ProfilePatch) (*model.User, error)

	ListRoutines(ctx context.Context, caller string, q gateway.RoutineQuery) ([]model.Routine, error)
	CreateRoutines(ctx context.Context, caller string, rows []model.Routine) ([]model.Routine, error)
	UpdateRoutine(ctx context.Context, caller, id string, patch gateway.RoutinePatch) (*model.Routine, error)

	ListTaskLogs(ctx context.Context, caller, userID string, date model.Date) ([]model.TaskLog, error)
	CreateTaskLogs(ctx context.Context, caller string, rows []model.TaskLog) ([]model.TaskLog, error)
	UpdateTaskLog(ctx context.Context, caller, id string, patch gateway.TaskLogPatch) (*model.TaskLog, error)

	DailyStatus(ctx context.Context, caller, userID string, date model.Date) (*model.DailyStatus, error)
	UpsertDailyStatus(ctx context.Context, caller, userID string, date model.Date, patch gateway.DailyStatusPatch) (*model.DailyStatus, error)

	Notifications(ctx context.Context, caller, userID string) ([]model.Notification, error)
	MarkNotificationRead(ctx context.Context, caller, id string) error
	DeleteNotification(ctx context.Context, caller, id string) error
}

// DataHandler serves the row endpoints under /rest/v1. All routes sit
// behind auth.RequireAuth.
type DataHandler struct {
	data   DataAccess
	logger *slog.Logger
}

func NewDataHandler(data DataAccess, logger *slog.Logger) *DataHandler {
	return &DataHandler{data: data, logger: logger}
}

// caller is the authenticated user. RequireAuth guarantees one; an empty id
// here would only come from a mis-wired route and is refused by the service.
func caller(r *http.Request) string {
	id, _ := auth.UserIDFromContext(r.Context())
	return id
}

func queryDate(r *http.Request) (model.Date, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return model.Date{}, apperror.ValidationFailed("date", "date is required")
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, apperror.ValidationFailed("date", "date must be YYYY-MM-DD")
	}
	return d, nil
}

// --- users ---

// HTTP: GET /rest/v1/users/{id}
func (h *DataHandler) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.data.Profile(r.Context(), caller(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// HTTP: PATCH /rest/v1/users/{id}
func (h *DataHandler) HandlePatchUser(w http.ResponseWriter, r *http.Request) {
	var patch gateway.ProfilePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	u, err := h.data.UpdateProfile(r.Context(), caller(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- routines ---

// HandleListRoutines returns routines in display order.
//
// HTTP: GET /rest/v1/routines?user_id=...&day_of_week=1&active=true
func (h *DataHandler) HandleListRoutines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := gateway.RoutineQuery{UserID: q.Get("user_id"), ActiveOnly: q.Get("active") == "true"}
	if raw := q.Get("day_of_week"); raw != "" {
		day, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, apperror.ValidationFailed("day_of_week", "day_of_week must be a number"))
			return
		}
		query.DayOfWeek = &day
	}
	rows, err := h.data.ListRoutines(r.Context(), caller(r), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleCreateRoutines inserts a batch atomically.
//
// HTTP: POST /rest/v1/routines
// REQUEST BODY: [{"day_of_week": 1, "task_name": "Water plants", ...}, ...]
func (h *DataHandler) HandleCreateRoutines(w http.ResponseWriter, r *http.Request) {
	var rows []model.Routine
	if err := decodeJSON(w, r, &rows); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.data.CreateRoutines(r.Context(), caller(r), rows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HTTP: PATCH /rest/v1/routines/{id}
func (h *DataHandler) HandlePatchRoutine(w http.ResponseWriter, r *http.Request) {
	var patch gateway.RoutinePatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.data.UpdateRoutine(r.Context(), caller(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- task logs ---

// HandleListTaskLogs lists one day. Without a date it lists the most recent
// logs, which is what the realtime poller follows.
//
// HTTP: GET /rest/v1/task_logs?user_id=...&date=2026-03-02
func (h *DataHandler) HandleListTaskLogs(w http.ResponseWriter, r *http.Request) {
	var date model.Date
	if r.URL.Query().Has("date") {
		d, err := queryDate(r)
		if err != nil {
			writeError(w, err)
			return
		}
		date = d
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = caller(r)
	}
	rows, err := h.data.ListTaskLogs(r.Context(), caller(r), userID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandleCreateTaskLogs inserts a batch atomically. A duplicate
// (user_id, date, routine_id) answers 409 constraint_violation, which is
// how two devices racing to instantiate the same day find out.
//
// HTTP: POST /rest/v1/task_logs
func (h *DataHandler) HandleCreateTaskLogs(w http.ResponseWriter, r *http.Request) {
	var rows []model.TaskLog
	if err := decodeJSON(w, r, &rows); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.data.CreateTaskLogs(r.Context(), caller(r), rows)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// HTTP: PATCH /rest/v1/task_logs/{id}
func (h *DataHandler) HandlePatchTaskLog(w http.ResponseWriter, r *http.Request) {
	var patch gateway.TaskLogPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	out, err := h.data.UpdateTaskLog(r.Context(), caller(r), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// --- daily status ---

// HandleGetDailyStatus answers 200 with a JSON null when the user has not
// checked in that day.
//
// HTTP: GET /rest/v1/daily_status?user_id=...&date=2026-03-02
func (h *DataHandler) HandleGetDailyStatus(w http.ResponseWriter, r *http.Request) {
	date, err := queryDate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = caller(r)
	}
	s, err := h.data.DailyStatus(r.Context(), caller(r), userID, date)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// HandlePutDailyStatus upserts the check-in for one day. Absent fields keep
// their stored value.
//
// HTTP: PUT /rest/v1/daily_status
// REQUEST BODY: {"user_id": "...", "date": "2026-03-02", "mood": "good"}
func (h *DataHandler) HandlePutDailyStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string     `json:"user_id"`
		Date   model.Date `json:"date"`
		gateway.DailyStatusPatch
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	s, err := h.data.UpsertDailyStatus(r.Context(), caller(r), req.UserID, req.Date, req.DailyStatusPatch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// --- notifications ---

// HTTP: GET /rest/v1/notifications?user_id=...
func (h *DataHandler) HandleListNotifications(w http.ResponseWriter, r *http.Request) {
	rows, err := h.data.Notifications(r.Context(), caller(r), r.URL.Query().Get("user_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// HandlePatchNotification only ever marks read; there is no "unread".
//
// HTTP: PATCH /rest/v1/notifications/{id}
// REQUEST BODY: {"read": true}
func (h *DataHandler) HandlePatchNotification(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Read *bool `json:"read"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Read == nil || !*req.Read {
		writeError(w, apperror.ValidationFailed("read", "read can only be set to true"))
		return
	}
	if err := h.data.MarkNotificationRead(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HTTP: DELETE /rest/v1/notifications/{id}
func (h *DataHandler) HandleDeleteNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.data.DeleteNotification(r.Context(), caller(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
