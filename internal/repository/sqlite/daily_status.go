package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.DailyStatusRepository = (*DB)(nil)

func scanDailyStatus(row rowScanner) (*model.DailyStatus, error) {
	var (
		s    model.DailyStatus
		date string
	)
	err := row.Scan(&s.ID, &s.UserID, &date, &s.EnergyLevel, &s.Mood, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if s.Date, err = model.ParseDate(date); err != nil {
		return nil, fmt.Errorf("sqlite: daily status %s: %w", s.ID, err)
	}
	return &s, nil
}

func (db *DB) GetDailyStatus(ctx context.Context, userID string, date model.Date) (*model.DailyStatus, error) {
	return getDailyStatus(ctx, db.conn, userID, date)
}

func getDailyStatus(ctx context.Context, q queryer, userID string, date model.Date) (*model.DailyStatus, error) {
	s, err := scanDailyStatus(q.QueryRowContext(ctx,
		`SELECT id, user_id, date, energy_level, mood, created_at, updated_at
		 FROM daily_status WHERE user_id = ? AND date = ?`,
		userID, date.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: getting daily status: %w", err)
	}
	return s, nil
}

// UpsertDailyStatus writes the fields set in patch and leaves the others as
// they were, creating the row on the first check-in of the day.
func (db *DB) UpsertDailyStatus(ctx context.Context, userID string, date model.Date, patch gateway.DailyStatusPatch) (*model.DailyStatus, error) {
	if patch.EnergyLevel != nil {
		if err := model.ValidateEnergy(*patch.EnergyLevel); err != nil {
			return nil, err
		}
	}
	if patch.Mood != nil {
		if err := model.ValidateMood(*patch.Mood); err != nil {
			return nil, err
		}
	}

	var saved *model.DailyStatus
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getDailyStatus(ctx, tx, userID, date)
		if err != nil {
			return err
		}
		now := db.now().UTC()
		if cur == nil {
			cur = &model.DailyStatus{
				ID:        xid.New().String(),
				UserID:    userID,
				Date:      date,
				CreatedAt: now,
			}
		}
		if patch.EnergyLevel != nil {
			cur.EnergyLevel = *patch.EnergyLevel
		}
		if patch.Mood != nil {
			cur.Mood = *patch.Mood
		}
		cur.UpdatedAt = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO daily_status (id, user_id, date, energy_level, mood, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, date) DO UPDATE SET
				energy_level = excluded.energy_level,
				mood = excluded.mood,
				updated_at = excluded.updated_at`,
			cur.ID,
			cur.UserID,
			cur.Date.String(),
			cur.EnergyLevel,
			cur.Mood,
			cur.CreatedAt,
			cur.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("sqlite: upserting daily status: %w", err)
		}
		saved = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}
