package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

var monday = model.Date{Year: 2026, Month: time.March, Day: 2}

func createTestRoutine(t *testing.T, db *DB, userID, name string, sortOrder int) model.Routine {
	t.Helper()
	rows, err := db.CreateRoutines(context.Background(), []model.Routine{{
		UserID:    userID,
		DayOfWeek: monday.Weekday(),
		TaskName:  name,
		SortOrder: sortOrder,
		Subtasks:  []model.Subtask{{ID: "s1", Text: "first", Order: 0}},
	}})
	if err != nil {
		t.Fatalf("CreateRoutines() error = %v", err)
	}
	return rows[0]
}

// =========================================================================
// ROUTINE TESTS
// =========================================================================

func TestCreateRoutines_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")

	r := createTestRoutine(t, db, u.ID, "  Water plants ", 0)

	got, err := db.GetRoutine(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetRoutine() error = %v", err)
	}
	if got.TaskName != "Water plants" || !got.IsActive {
		t.Errorf("routine = %+v", got)
	}
	if len(got.Subtasks) != 1 || got.Subtasks[0].Text != "first" {
		t.Errorf("Subtasks = %+v", got.Subtasks)
	}
}

func TestCreateRoutines_InvalidRowInsertsNothing(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")

	_, err := db.CreateRoutines(context.Background(), []model.Routine{
		{UserID: u.ID, DayOfWeek: 1, TaskName: "ok"},
		{UserID: u.ID, DayOfWeek: 9, TaskName: "bad day"},
	})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("CreateRoutines() error = %v, want ErrValidation", err)
	}
	rows, _ := db.ListRoutines(context.Background(), gateway.RoutineQuery{UserID: u.ID})
	if len(rows) != 0 {
		t.Errorf("stored %d routines, want 0", len(rows))
	}
}

func TestListRoutines_FiltersAndOrders(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	second := createTestRoutine(t, db, u.ID, "second", 2)
	first := createTestRoutine(t, db, u.ID, "first", 1)
	hidden := createTestRoutine(t, db, u.ID, "hidden", 0)
	off := false
	if _, err := db.UpdateRoutine(context.Background(), hidden.ID, gateway.RoutinePatch{IsActive: &off}); err != nil {
		t.Fatalf("UpdateRoutine() error = %v", err)
	}

	day := monday.Weekday()
	rows, err := db.ListRoutines(context.Background(), gateway.RoutineQuery{UserID: u.ID, DayOfWeek: &day, ActiveOnly: true})
	if err != nil {
		t.Fatalf("ListRoutines() error = %v", err)
	}
	if len(rows) != 2 || rows[0].ID != first.ID || rows[1].ID != second.ID {
		t.Errorf("ListRoutines() = %v, want [first second]", names(rows))
	}

	all, _ := db.ListRoutines(context.Background(), gateway.RoutineQuery{UserID: u.ID})
	if len(all) != 3 {
		t.Errorf("unfiltered ListRoutines() returned %d rows, want 3", len(all))
	}
}

func TestUpdateRoutine_ValidatesMergedRow(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	r := createTestRoutine(t, db, u.ID, "stretch", 0)

	fixed := true
	_, err := db.UpdateRoutine(context.Background(), r.ID, gateway.RoutinePatch{IsFixed: &fixed})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Fatalf("fixed without time: error = %v, want ErrValidation", err)
	}

	at := "07:30"
	got, err := db.UpdateRoutine(context.Background(), r.ID, gateway.RoutinePatch{IsFixed: &fixed, ScheduledTime: &at})
	if err != nil {
		t.Fatalf("UpdateRoutine() error = %v", err)
	}
	if !got.IsFixed || got.ScheduledTime != "07:30" || got.TaskName != "stretch" {
		t.Errorf("routine = %+v", got)
	}
}

// =========================================================================
// TASK LOG TESTS
// =========================================================================

func TestCreateTaskLogs_DuplicateIsConstraintViolation(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	r := createTestRoutine(t, db, u.ID, "dishes", 0)

	if _, err := db.CreateTaskLogs(context.Background(), []model.TaskLog{model.NewTaskLog(r, monday)}); err != nil {
		t.Fatalf("first CreateTaskLogs() error = %v", err)
	}
	_, err := db.CreateTaskLogs(context.Background(), []model.TaskLog{model.NewTaskLog(r, monday)})

	if !errors.Is(err, apperror.ErrConstraint) {
		t.Fatalf("duplicate CreateTaskLogs() error = %v, want ErrConstraint", err)
	}
	logs, _ := db.ListTaskLogs(context.Background(), u.ID, monday)
	if len(logs) != 1 {
		t.Errorf("stored %d logs, want 1", len(logs))
	}
}

func TestListTaskLogs_ZeroDateListsRecentFirst(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	r := createTestRoutine(t, db, u.ID, "dishes", 0)
	tuesday := monday.AddDays(1)
	for _, d := range []model.Date{monday, tuesday} {
		if _, err := db.CreateTaskLogs(context.Background(), []model.TaskLog{model.NewTaskLog(r, d)}); err != nil {
			t.Fatalf("CreateTaskLogs(%s) error = %v", d, err)
		}
	}

	logs, err := db.ListTaskLogs(context.Background(), u.ID, model.Date{})
	if err != nil {
		t.Fatalf("ListTaskLogs() error = %v", err)
	}
	if len(logs) != 2 || logs[0].Date != tuesday || logs[1].Date != monday {
		t.Errorf("ListTaskLogs() = %+v, want tuesday then monday", logs)
	}
}

func TestUpdateTaskLog_CompleteThenReopen(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	r := createTestRoutine(t, db, u.ID, "dishes", 0)
	logs, err := db.CreateTaskLogs(context.Background(), []model.TaskLog{model.NewTaskLog(r, monday)})
	if err != nil {
		t.Fatalf("CreateTaskLogs() error = %v", err)
	}
	id := logs[0].ID

	done := model.StatusDone
	at := time.Date(2026, time.March, 2, 9, 15, 0, 0, time.UTC)
	subtasks := []string{"s1"}
	got, err := db.UpdateTaskLog(context.Background(), id, gateway.TaskLogPatch{
		Status:            &done,
		CompletedAt:       &at,
		CompletedBy:       &u.ID,
		SubtasksCompleted: &subtasks,
	})
	if err != nil {
		t.Fatalf("UpdateTaskLog(done) error = %v", err)
	}
	if got.Status != model.StatusDone || got.CompletedAt == nil || !got.CompletedAt.Equal(at) || got.CompletedBy != u.ID {
		t.Errorf("done log = %+v", got)
	}
	if !got.SubtaskDone("s1") {
		t.Error("subtask s1 not recorded")
	}
	if got.Date != monday {
		t.Errorf("Date = %s, want %s", got.Date, monday)
	}

	pending := model.StatusPending
	got, err = db.UpdateTaskLog(context.Background(), id, gateway.TaskLogPatch{Status: &pending, ClearCompletion: true})
	if err != nil {
		t.Fatalf("UpdateTaskLog(pending) error = %v", err)
	}
	if got.CompletedAt != nil || got.CompletedBy != "" {
		t.Errorf("reopened log kept completion: %+v", got)
	}
}

func TestUpdateTaskLog_NotFound(t *testing.T) {
	db := newTestDB(t)
	done := model.StatusDone

	_, err := db.UpdateTaskLog(context.Background(), "missing", gateway.TaskLogPatch{Status: &done})

	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("UpdateTaskLog() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// DAILY STATUS TESTS
// =========================================================================

func TestDailyStatus_UpsertKeepsUntouchedFields(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	ctx := context.Background()

	none, err := db.GetDailyStatus(ctx, u.ID, monday)
	if err != nil || none != nil {
		t.Fatalf("GetDailyStatus() = %v, %v; want nil, nil", none, err)
	}

	high := model.EnergyHigh
	first, err := db.UpsertDailyStatus(ctx, u.ID, monday, gateway.DailyStatusPatch{EnergyLevel: &high})
	if err != nil {
		t.Fatalf("UpsertDailyStatus() error = %v", err)
	}
	good := model.MoodGood
	second, err := db.UpsertDailyStatus(ctx, u.ID, monday, gateway.DailyStatusPatch{Mood: &good})
	if err != nil {
		t.Fatalf("second UpsertDailyStatus() error = %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("upsert created a second row: %s vs %s", second.ID, first.ID)
	}
	stored, _ := db.GetDailyStatus(ctx, u.ID, monday)
	if stored.EnergyLevel != model.EnergyHigh || stored.Mood != model.MoodGood {
		t.Errorf("stored = %+v, want high/good", stored)
	}
}

func TestDailyStatus_RejectsUnknownMood(t *testing.T) {
	db := newTestDB(t)
	u := createTestUser(t, db, "ana@example.com")
	bad := model.Mood("ecstatic")

	_, err := db.UpsertDailyStatus(context.Background(), u.ID, monday, gateway.DailyStatusPatch{Mood: &bad})

	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("UpsertDailyStatus() error = %v, want ErrValidation", err)
	}
}

// =========================================================================
// NOTIFICATION TESTS
// =========================================================================

func TestNotifications_MarkReadAndDelete(t *testing.T) {
	db := newTestDB(t)
	ana := createTestUser(t, db, "ana@example.com")
	bo := createTestUser(t, db, "bo@example.com")
	if _, err := db.RequestPairing(context.Background(), ana.ID, bo.PairingCode); err != nil {
		t.Fatalf("RequestPairing() error = %v", err)
	}
	inbox, _ := db.ListNotifications(context.Background(), bo.ID)
	id := inbox[0].ID

	if err := db.MarkNotificationRead(context.Background(), id); err != nil {
		t.Fatalf("MarkNotificationRead() error = %v", err)
	}
	n, _ := db.GetNotification(context.Background(), id)
	if !n.Read {
		t.Error("notification not marked read")
	}

	if err := db.DeleteNotification(context.Background(), id); err != nil {
		t.Fatalf("DeleteNotification() error = %v", err)
	}
	if err := db.DeleteNotification(context.Background(), id); !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("second DeleteNotification() error = %v, want ErrNotFound", err)
	}
}

func names(rows []model.Routine) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.TaskName
	}
	return out
}
