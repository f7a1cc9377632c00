package daydata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTables is an in-memory backend that enforces the (user, date, routine)
// uniqueness of task logs like the real one does.
type fakeTables struct {
	mu       sync.Mutex
	routines []model.Routine
	logs     []model.TaskLog
	statuses map[string]model.DailyStatus
	nextID   int

	// hang blocks the three day reads until closed.
	hang       chan struct{}
	failUpdate error
	readDelay  time.Duration

	routineQueries atomic.Int32
	insertCalls    atomic.Int32
	updateCalls    atomic.Int32

	changes func(gateway.ChangeEvent)
}

func newFakeTables() *fakeTables {
	return &fakeTables{statuses: make(map[string]model.DailyStatus)}
}

func (f *fakeTables) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s%d", prefix, f.nextID)
}

func (f *fakeTables) addRoutine(r model.Routine) model.Routine {
	f.mu.Lock()
	defer f.mu.Unlock()
	r.ID = f.id("r")
	f.routines = append(f.routines, r)
	return r
}

func (f *fakeTables) wait(ctx context.Context) error {
	f.mu.Lock()
	hang, delay := f.hang, f.readDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if hang == nil {
		return nil
	}
	select {
	case <-hang:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTables) QueryRoutines(ctx context.Context, q gateway.RoutineQuery) ([]model.Routine, error) {
	f.routineQueries.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Routine
	for _, r := range f.routines {
		if r.UserID != q.UserID || (q.ActiveOnly && !r.IsActive) {
			continue
		}
		if q.DayOfWeek != nil && r.DayOfWeek != *q.DayOfWeek {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeTables) InsertRoutines(_ context.Context, rows []model.Routine) ([]model.Routine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Routine, 0, len(rows))
	for _, r := range rows {
		r.ID = f.id("r")
		f.routines = append(f.routines, r)
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeTables) UpdateRoutine(_ context.Context, id string, p gateway.RoutinePatch) (*model.Routine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.IndexFunc(f.routines, func(r model.Routine) bool { return r.ID == id })
	if i < 0 {
		return nil, apperror.NotFound("routine", id)
	}
	r := &f.routines[i]
	if p.TaskName != nil {
		r.TaskName = *p.TaskName
	}
	if p.SortOrder != nil {
		r.SortOrder = *p.SortOrder
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
	c := *r
	return &c, nil
}

func (f *fakeTables) QueryTaskLogs(ctx context.Context, userID string, date model.Date) ([]model.TaskLog, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.TaskLog
	for _, t := range f.logs {
		if t.UserID == userID && t.Date == date {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (f *fakeTables) InsertTaskLogs(_ context.Context, rows []model.TaskLog) ([]model.TaskLog, error) {
	f.insertCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		for _, t := range f.logs {
			if t.UserID == row.UserID && t.Date == row.Date && t.RoutineID == row.RoutineID {
				return nil, apperror.ConstraintViolation("task_logs", "duplicate (user_id, date, routine_id)")
			}
		}
	}
	out := make([]model.TaskLog, 0, len(rows))
	for _, row := range rows {
		row.ID = f.id("t")
		f.logs = append(f.logs, row)
		out = append(out, row.Clone())
	}
	return out, nil
}

func (f *fakeTables) UpdateTaskLog(_ context.Context, id string, p gateway.TaskLogPatch) (*model.TaskLog, error) {
	f.updateCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return nil, f.failUpdate
	}
	i := slices.IndexFunc(f.logs, func(t model.TaskLog) bool { return t.ID == id })
	if i < 0 {
		return nil, apperror.NotFound("task_log", id)
	}
	t := &f.logs[i]
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.CompletedAt != nil {
		t.CompletedAt = p.CompletedAt
	}
	if p.CompletedBy != nil {
		t.CompletedBy = *p.CompletedBy
	}
	if p.ClearCompletion {
		t.CompletedAt, t.CompletedBy = nil, ""
	}
	if p.SubtasksCompleted != nil {
		t.SubtasksCompleted = slices.Clone(*p.SubtasksCompleted)
	}
	c := t.Clone()
	return &c, nil
}

func (f *fakeTables) QueryDailyStatus(ctx context.Context, userID string, date model.Date) (*model.DailyStatus, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[userID+"|"+date.String()]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeTables) UpsertDailyStatus(_ context.Context, userID string, date model.Date, p gateway.DailyStatusPatch) (*model.DailyStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := userID + "|" + date.String()
	s, ok := f.statuses[key]
	if !ok {
		s = model.DailyStatus{ID: f.id("s"), UserID: userID, Date: date}
	}
	if p.EnergyLevel != nil {
		s.EnergyLevel = *p.EnergyLevel
	}
	if p.Mood != nil {
		s.Mood = *p.Mood
	}
	f.statuses[key] = s
	return &s, nil
}

func (f *fakeTables) QueryNotifications(context.Context, string) ([]model.Notification, error) {
	return nil, nil
}
func (f *fakeTables) MarkNotificationRead(context.Context, string) error { return nil }
func (f *fakeTables) DeleteNotification(context.Context, string) error   { return nil }

func (f *fakeTables) SubscribeTableChanges(_ context.Context, _ string, _ gateway.Filter, h func(gateway.ChangeEvent)) (func(), error) {
	f.mu.Lock()
	f.changes = h
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.changes = nil
		f.mu.Unlock()
	}, nil
}
