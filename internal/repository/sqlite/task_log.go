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

var _ repository.TaskLogRepository = (*DB)(nil)

const taskLogColumns = `id, user_id, routine_id, date, task_name, status, completed_at, completed_by,
	subtasks_completed, created_at`

func scanTaskLog(row rowScanner) (*model.TaskLog, error) {
	var (
		t           model.TaskLog
		routineID   sql.NullString
		date        string
		completedAt sql.NullTime
		completedBy sql.NullString
		subtasks    string
	)
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&routineID,
		&date,
		&t.TaskName,
		&t.Status,
		&completedAt,
		&completedBy,
		&subtasks,
		&t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if t.Date, err = model.ParseDate(date); err != nil {
		return nil, fmt.Errorf("sqlite: task log %s: %w", t.ID, err)
	}
	t.RoutineID = routineID.String
	t.CompletedBy = completedBy.String
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	if err := json.Unmarshal([]byte(subtasks), &t.SubtasksCompleted); err != nil {
		return nil, fmt.Errorf("sqlite: decoding subtasks of task log %s: %w", t.ID, err)
	}
	if t.SubtasksCompleted == nil {
		t.SubtasksCompleted = []string{}
	}
	return &t, nil
}

// recentTaskLogLimit caps an undated listing, which change pollers use.
const recentTaskLogLimit = 100

// ListTaskLogs returns one day's logs in creation order. A zero date lists
// the user's most recent logs across all days instead.
func (db *DB) ListTaskLogs(ctx context.Context, userID string, date model.Date) ([]model.TaskLog, error) {
	query := `SELECT ` + taskLogColumns + ` FROM task_logs
		 WHERE user_id = ? AND date = ?
		 ORDER BY created_at, id`
	args := []any{userID, date.String()}
	if date.IsZero() {
		query = `SELECT ` + taskLogColumns + ` FROM task_logs
		 WHERE user_id = ?
		 ORDER BY date DESC, created_at, id
		 LIMIT ?`
		args = []any{userID, recentTaskLogLimit}
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing task logs: %w", err)
	}
	defer rows.Close()

	out := make([]model.TaskLog, 0)
	for rows.Next() {
		t, err := scanTaskLog(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning task log: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating task logs: %w", err)
	}
	return out, nil
}

func (db *DB) GetTaskLog(ctx context.Context, id string) (*model.TaskLog, error) {
	t, err := scanTaskLog(db.conn.QueryRowContext(ctx,
		`SELECT `+taskLogColumns+` FROM task_logs WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("task log", id)
		}
		return nil, fmt.Errorf("sqlite: getting task log %s: %w", id, err)
	}
	return t, nil
}

// CreateTaskLogs inserts the batch atomically. Two devices materialising
// the same day race here; the unique index picks the winner and the loser
// gets apperror.ErrConstraint and re-reads.
func (db *DB) CreateTaskLogs(ctx context.Context, rows []model.TaskLog) ([]model.TaskLog, error) {
	now := db.now().UTC()
	out := make([]model.TaskLog, 0, len(rows))
	for _, t := range rows {
		t.ID = xid.New().String()
		t.CreatedAt = now
		if t.Status == "" {
			t.Status = model.StatusPending
		}
		if t.SubtasksCompleted == nil {
			t.SubtasksCompleted = []string{}
		}
		if err := t.Validate(); err != nil {
			return nil, err
		}
		out = append(out, t)
	}

	err := db.inTx(ctx, func(tx *sql.Tx) error {
		for _, t := range out {
			subtasks, err := toJSON(t.SubtasksCompleted)
			if err != nil {
				return fmt.Errorf("sqlite: encoding subtasks: %w", err)
			}
			var completedAt sql.NullTime
			if t.CompletedAt != nil {
				completedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO task_logs (`+taskLogColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				t.ID,
				t.UserID,
				nullString(t.RoutineID),
				t.Date.String(),
				t.TaskName,
				t.Status,
				completedAt,
				nullString(t.CompletedBy),
				subtasks,
				t.CreatedAt,
			)
			if err != nil {
				if isUniqueViolation(err) {
					return apperror.ConstraintViolation("task log",
						fmt.Sprintf("routine %s already has a log on %s", t.RoutineID, t.Date))
				}
				return fmt.Errorf("sqlite: inserting task log: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateTaskLog applies patch. ClearCompletion wins over CompletedAt and
// CompletedBy so "back to pending" always erases who finished the task.
func (db *DB) UpdateTaskLog(ctx context.Context, id string, patch gateway.TaskLogPatch) (*model.TaskLog, error) {
	sets := []string{}
	args := []any{}
	if patch.Status != nil {
		if err := model.ValidateTaskStatus(*patch.Status); err != nil {
			return nil, err
		}
		sets, args = append(sets, "status = ?"), append(args, *patch.Status)
	}
	switch {
	case patch.ClearCompletion:
		sets = append(sets, "completed_at = NULL", "completed_by = NULL")
	default:
		if patch.CompletedAt != nil {
			sets, args = append(sets, "completed_at = ?"), append(args, patch.CompletedAt.UTC())
		}
		if patch.CompletedBy != nil {
			sets, args = append(sets, "completed_by = ?"), append(args, nullString(*patch.CompletedBy))
		}
	}
	if patch.SubtasksCompleted != nil {
		ids := *patch.SubtasksCompleted
		if ids == nil {
			ids = []string{}
		}
		subtasks, err := toJSON(ids)
		if err != nil {
			return nil, fmt.Errorf("sqlite: encoding subtasks: %w", err)
		}
		sets, args = append(sets, "subtasks_completed = ?"), append(args, subtasks)
	}
	if len(sets) == 0 {
		return db.GetTaskLog(ctx, id)
	}

	res, err := db.conn.ExecContext(ctx,
		`UPDATE task_logs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, append(args, id)...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: updating task log %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apperror.NotFound("task log", id)
	}
	return db.GetTaskLog(ctx, id)
}
