package model

import (
	"fmt"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
)

type EnergyLevel string

const (
	EnergyHigh   EnergyLevel = "high"
	EnergyMedium EnergyLevel = "medium"
	EnergyLow    EnergyLevel = "low"
)

type Mood string

const (
	MoodGood      Mood = "good"
	MoodMeh       Mood = "meh"
	MoodDifficult Mood = "difficult"
)

// DailyStatus is the mood/energy check-in, at most one per (UserID, Date).
type DailyStatus struct {
	ID          string      `json:"id"           db:"id"`
	UserID      string      `json:"user_id"      db:"user_id"`
	Date        Date        `json:"date"         db:"date"`
	EnergyLevel EnergyLevel `json:"energy_level" db:"energy_level"`
	Mood        Mood        `json:"mood"         db:"mood"`
	CreatedAt   time.Time   `json:"created_at"   db:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"   db:"updated_at"`
}

func ValidateEnergy(e EnergyLevel) error {
	switch e {
	case "", EnergyHigh, EnergyMedium, EnergyLow:
		return nil
	}
	return apperror.ValidationFailed("energy_level", fmt.Sprintf("unknown energy level %q", e))
}

func ValidateMood(m Mood) error {
	switch m {
	case "", MoodGood, MoodMeh, MoodDifficult:
		return nil
	}
	return apperror.ValidationFailed("mood", fmt.Sprintf("unknown mood %q", m))
}

func (s *DailyStatus) Validate() error {
	if s == nil {
		return apperror.ValidationFailed("daily_status", "daily status row is empty")
	}
	if s.UserID == "" || s.Date.IsZero() {
		return apperror.ValidationFailed("user_id", "daily status owner and date are required")
	}
	if err := ValidateEnergy(s.EnergyLevel); err != nil {
		return err
	}
	return ValidateMood(s.Mood)
}
