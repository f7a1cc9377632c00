package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type FlexiblePeriod string

const (
	PeriodMorning   FlexiblePeriod = "morning"
	PeriodAfternoon FlexiblePeriod = "afternoon"
	PeriodEvening   FlexiblePeriod = "evening"
	PeriodAnytime   FlexiblePeriod = "anytime"
)

type Category string

const (
	CategoryMorning  Category = "morning"
	CategoryCleaning Category = "cleaning"
	CategoryKitchen  Category = "kitchen"
	CategoryEvening  Category = "evening"
	CategorySelfcare Category = "selfcare"
	CategoryWork     Category = "work"
)

const MaxRoutineNameLength = 100

var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Subtask is one checklist item inside a routine.
type Subtask struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Order int    `json:"order"`
}

// Routine is a recurring task template for one weekday, owned by one user.
// Routines are never hard-deleted; IsActive=false hides them.
type Routine struct {
	ID                string         `json:"id"                 db:"id"`
	UserID            string         `json:"user_id"            db:"user_id"`
	DayOfWeek         int            `json:"day_of_week"        db:"day_of_week"`
	TaskName          string         `json:"task_name"          db:"task_name"`
	TaskIcon          string         `json:"task_icon"          db:"task_icon"`
	Category          Category       `json:"category,omitempty" db:"category"`
	IsFixed           bool           `json:"is_fixed"           db:"is_fixed"`
	ScheduledTime     string         `json:"scheduled_time"     db:"scheduled_time"` // HH:MM, fixed routines only
	FlexiblePeriod    FlexiblePeriod `json:"flexible_period"    db:"flexible_period"`
	EstimatedDuration int            `json:"estimated_duration" db:"estimated_duration"` // minutes
	ReminderMinutes   int            `json:"reminder_minutes"   db:"reminder_minutes"`
	Subtasks          []Subtask      `json:"subtasks"           db:"subtasks"`
	Note              string         `json:"note"               db:"note"`
	SortOrder         int            `json:"sort_order"         db:"sort_order"`
	IsActive          bool           `json:"is_active"          db:"is_active"`
	CreatedAt         time.Time      `json:"created_at"         db:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"         db:"updated_at"`
}

// HasSubtask reports whether id names one of the routine's subtasks.
func (r *Routine) HasSubtask(id string) bool {
	for _, s := range r.Subtasks {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (r *Routine) Validate() error {
	if r == nil {
		return apperror.ValidationFailed("routine", "routine row is empty")
	}
	if r.UserID == "" {
		return apperror.ValidationFailed("user_id", "routine owner is required")
	}
	name := strings.TrimSpace(r.TaskName)
	if name == "" {
		return apperror.ValidationFailed("task_name", "task name is required")
	}
	if len(name) > MaxRoutineNameLength {
		return apperror.ValidationFailed("task_name",
			fmt.Sprintf("task name must be %d characters or fewer", MaxRoutineNameLength))
	}
	if r.DayOfWeek < 0 || r.DayOfWeek > 6 {
		return apperror.ValidationFailed("day_of_week", "day of week must be between 0 and 6")
	}
	if r.IsFixed {
		if !clockPattern.MatchString(r.ScheduledTime) {
			return apperror.ValidationFailed("scheduled_time", "fixed routines need a HH:MM time")
		}
	} else if r.FlexiblePeriod != "" {
		switch r.FlexiblePeriod {
		case PeriodMorning, PeriodAfternoon, PeriodEvening, PeriodAnytime:
		default:
			return apperror.ValidationFailed("flexible_period",
				fmt.Sprintf("unknown period %q", r.FlexiblePeriod))
		}
	}
	if r.EstimatedDuration < 0 || r.ReminderMinutes < 0 {
		return apperror.ValidationFailed("estimated_duration", "durations cannot be negative")
	}
	seen := make(map[string]bool, len(r.Subtasks))
	for _, s := range r.Subtasks {
		if s.ID == "" || seen[s.ID] {
			return apperror.ValidationFailed("subtasks", "subtask ids must be present and unique")
		}
		seen[s.ID] = true
	}
	return nil
}
