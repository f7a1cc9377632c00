package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/repository"
)

var _ repository.RoutineRepository = (*DB)(nil)

const routineColumns = `id, user_id, day_of_week, task_name, task_icon, category, is_fixed, scheduled_time,
	flexible_period, estimated_duration, reminder_minutes, subtasks, note, sort_order, is_active,
	created_at, updated_at`

func scanRoutine(row rowScanner) (*model.Routine, error) {
	var (
		r        model.Routine
		subtasks string
	)
	err := row.Scan(
		&r.ID,
		&r.UserID,
		&r.DayOfWeek,
		&r.TaskName,
		&r.TaskIcon,
		&r.Category,
		&r.IsFixed,
		&r.ScheduledTime,
		&r.FlexiblePeriod,
		&r.EstimatedDuration,
		&r.ReminderMinutes,
		&subtasks,
		&r.Note,
		&r.SortOrder,
		&r.IsActive,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(subtasks), &r.Subtasks); err != nil {
		return nil, fmt.Errorf("sqlite: decoding subtasks of routine %s: %w", r.ID, err)
	}
	if r.Subtasks == nil {
		r.Subtasks = []model.Subtask{}
	}
	return &r, nil
}

// ListRoutines returns routines in display order: sort_order, then creation.
func (db *DB) ListRoutines(ctx context.Context, q gateway.RoutineQuery) ([]model.Routine, error) {
	where := []string{"user_id = ?"}
	args := []any{q.UserID}
	if q.DayOfWeek != nil {
		where, args = append(where, "day_of_week = ?"), append(args, *q.DayOfWeek)
	}
	if q.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+routineColumns+` FROM routines
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY sort_order, created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing routines: %w", err)
	}
	defer rows.Close()

	out := make([]model.Routine, 0)
	for rows.Next() {
		r, err := scanRoutine(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning routine: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating routines: %w", err)
	}
	return out, nil
}

func (db *DB) GetRoutine(ctx context.Context, id string) (*model.Routine, error) {
	r, err := scanRoutine(db.conn.QueryRowContext(ctx,
		`SELECT `+routineColumns+` FROM routines WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("routine", id)
		}
		return nil, fmt.Errorf("sqlite: getting routine %s: %w", id, err)
	}
	return r, nil
}

// CreateRoutines validates and inserts every row in one transaction. IDs
// and timestamps are assigned here; is_active defaults to true because a
// freshly created routine that is hidden makes no sense.
func (db *DB) CreateRoutines(ctx context.Context, rows []model.Routine) ([]model.Routine, error) {
	now := db.now().UTC()
	out := make([]model.Routine, 0, len(rows))
	for _, r := range rows {
		r.ID = xid.New().String()
		r.TaskName = strings.TrimSpace(r.TaskName)
		r.IsActive = true
		r.CreatedAt, r.UpdatedAt = now, now
		if r.Subtasks == nil {
			r.Subtasks = []model.Subtask{}
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		out = append(out, r)
	}

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for _, r := range out {
			subtasks, err := toJSON(r.Subtasks)
			if err != nil {
				return fmt.Errorf("sqlite: encoding subtasks: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO routines (`+routineColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID,
				r.UserID,
				r.DayOfWeek,
				r.TaskName,
				r.TaskIcon,
				r.Category,
				r.IsFixed,
				r.ScheduledTime,
				r.FlexiblePeriod,
				r.EstimatedDuration,
				r.ReminderMinutes,
				subtasks,
				r.Note,
				r.SortOrder,
				r.IsActive,
				r.CreatedAt,
				r.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("sqlite: inserting routine %q: %w", r.TaskName, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRoutine applies patch to the stored row, validates the result and
// writes it back. Validating the merged row catches combinations a single
// field check would miss, like is_fixed without a scheduled_time.
func (db *DB) UpdateRoutine(ctx context.Context, id string, patch gateway.RoutinePatch) (*model.Routine, error) {
	var updated *model.Routine
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRoutine(tx.QueryRowContext(ctx,
			`SELECT `+routineColumns+` FROM routines WHERE id = ?`, id))
		if err != nil {
			if err == sql.ErrNoRows {
				return apperror.NotFound("routine", id)
			}
			return fmt.Errorf("sqlite: loading routine %s: %w", id, err)
		}

		applyRoutinePatch(r, patch)
		if err := r.Validate(); err != nil {
			return err
		}
		r.UpdatedAt = db.now().UTC()

		subtasks, err := toJSON(r.Subtasks)
		if err != nil {
			return fmt.Errorf("sqlite: encoding subtasks: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE routines SET task_name = ?, task_icon = ?, category = ?, is_fixed = ?,
				scheduled_time = ?, flexible_period = ?, estimated_duration = ?, reminder_minutes = ?,
				subtasks = ?, note = ?, sort_order = ?, is_active = ?, updated_at = ?
			 WHERE id = ?`,
			r.TaskName,
			r.TaskIcon,
			r.Category,
			r.IsFixed,
			r.ScheduledTime,
			r.FlexiblePeriod,
			r.EstimatedDuration,
			r.ReminderMinutes,
			subtasks,
			r.Note,
			r.SortOrder,
			r.IsActive,
			r.UpdatedAt,
			r.ID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating routine %s: %w", id, err)
		}
		updated = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyRoutinePatch(r *model.Routine, p gateway.RoutinePatch) {
	if p.TaskName != nil {
		r.TaskName = strings.TrimSpace(*p.TaskName)
	}
	if p.TaskIcon != nil {
		r.TaskIcon = *p.TaskIcon
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.IsFixed != nil {
		r.IsFixed = *p.IsFixed
	}
	if p.ScheduledTime != nil {
		r.ScheduledTime = *p.ScheduledTime
	}
	if p.FlexiblePeriod != nil {
		r.FlexiblePeriod = *p.FlexiblePeriod
	}
	if p.EstimatedDuration != nil {
		r.EstimatedDuration = *p.EstimatedDuration
	}
	if p.ReminderMinutes != nil {
		r.ReminderMinutes = *p.ReminderMinutes
	}
	if p.Subtasks != nil {
		r.Subtasks = *p.Subtasks
	}
	if p.Note != nil {
		r.Note = *p.Note
	}
	if p.SortOrder != nil {
		r.SortOrder = *p.SortOrder
	}
	if p.IsActive != nil {
		r.IsActive = *p.IsActive
	}
}
