package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusDone      TaskStatus = "done"
	StatusSkipped   TaskStatus = "skipped"
	StatusPostponed TaskStatus = "postponed"
)

func ValidateTaskStatus(s TaskStatus) error {
	switch s {
	case StatusPending, StatusDone, StatusSkipped, StatusPostponed:
		return nil
	}
	return apperror.ValidationFailed("status", fmt.Sprintf("unknown task status %q", s))
}

// TaskLog is a routine materialized for one calendar date.
// There is at most one per (UserID, Date, RoutineID); the backend enforces
// this with a unique index.
type TaskLog struct {
	ID                string     `json:"id"                 db:"id"`
	UserID            string     `json:"user_id"            db:"user_id"`
	RoutineID         string     `json:"routine_id"         db:"routine_id"`
	Date              Date       `json:"date"               db:"date"`
	TaskName          string     `json:"task_name"          db:"task_name"`
	Status            TaskStatus `json:"status"             db:"status"`
	CompletedAt       *time.Time `json:"completed_at"       db:"completed_at"`
	CompletedBy       string     `json:"completed_by"       db:"completed_by"`
	SubtasksCompleted []string   `json:"subtasks_completed" db:"subtasks_completed"`
	CreatedAt         time.Time  `json:"created_at"         db:"created_at"`
}

// NewTaskLog builds the pending instance of r for date. TaskName is copied so
// renaming the routine later does not rewrite history.
func NewTaskLog(r Routine, date Date) TaskLog {
	return TaskLog{
		UserID:    r.UserID,
		RoutineID: r.ID,
		Date:      date,
		TaskName:  r.TaskName,
		Status:    StatusPending,
	}
}

// Clone returns a deep copy, so optimistic updates can be rolled back.
func (t TaskLog) Clone() TaskLog {
	c := t
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	c.SubtasksCompleted = slices.Clone(t.SubtasksCompleted)
	return c
}

// SubtaskDone reports whether subtaskID is checked.
func (t TaskLog) SubtaskDone(subtaskID string) bool {
	return slices.Contains(t.SubtasksCompleted, subtaskID)
}

func (t *TaskLog) Validate() error {
	if t == nil {
		return apperror.ValidationFailed("task_log", "task log row is empty")
	}
	if t.ID == "" || t.UserID == "" {
		return apperror.ValidationFailed("id", "task log id and owner are required")
	}
	if t.Date.IsZero() {
		return apperror.ValidationFailed("date", "task log date is required")
	}
	return ValidateTaskStatus(t.Status)
}
