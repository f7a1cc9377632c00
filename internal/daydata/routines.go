package daydata

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/deadline"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// Routine editing. Routines are owned by one user and never hard-deleted.
// The day store mirrors every edit that touches the selected weekday, so the
// list on screen stays current without a reload.

// CreateRoutine validates and stores a new active routine. A zero SortOrder
// appends it after the routines already shown for that weekday.
func (l *Loader) CreateRoutine(ctx context.Context, r model.Routine) (*model.Routine, error) {
	r.ID = ""
	r.TaskName = strings.TrimSpace(r.TaskName)
	r.IsActive = true
	day := l.store.Snapshot()
	if r.SortOrder == 0 && r.DayOfWeek == day.SelectedDate.Weekday() {
		r.SortOrder = len(day.Routines)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}

	rows, err := deadline.Run(ctx, l.timeout, "routine create", func(ctx context.Context) ([]model.Routine, error) {
		return l.gw.InsertRoutines(ctx, []model.Routine{r})
	})
	if err != nil {
		return nil, fmt.Errorf("daydata: creating routine: %w", err)
	}
	if len(rows) != 1 {
		return nil, apperror.DB("creating routine: backend returned no row", nil)
	}
	created := rows[0]
	l.applyRoutine(created)
	return &created, nil
}

// UpdateRoutine patches a routine. Task logs already created keep the name
// they were created with.
func (l *Loader) UpdateRoutine(ctx context.Context, id string, patch gateway.RoutinePatch) (*model.Routine, error) {
	if patch.TaskName != nil {
		name := strings.TrimSpace(*patch.TaskName)
		if name == "" || len(name) > model.MaxRoutineNameLength {
			return nil, apperror.ValidationFailed("task_name",
				fmt.Sprintf("task name must be 1 to %d characters", model.MaxRoutineNameLength))
		}
		patch.TaskName = &name
	}

	updated, err := deadline.Run(ctx, l.timeout, "routine update", func(ctx context.Context) (*model.Routine, error) {
		return l.gw.UpdateRoutine(ctx, id, patch)
	})
	if err != nil {
		return nil, fmt.Errorf("daydata: updating routine %s: %w", id, err)
	}
	l.applyRoutine(*updated)
	return updated, nil
}

// DeactivateRoutine soft-deletes a routine.
func (l *Loader) DeactivateRoutine(ctx context.Context, id string) error {
	inactive := false
	_, err := l.UpdateRoutine(ctx, id, gateway.RoutinePatch{IsActive: &inactive})
	return err
}

// DuplicateRoutine copies a loaded routine onto other weekdays.
func (l *Loader) DuplicateRoutine(ctx context.Context, id string, days []int) ([]model.Routine, error) {
	src, ok := l.store.Snapshot().Routine(id)
	if !ok {
		return nil, apperror.NotFound("routine", id)
	}
	if len(days) == 0 {
		return nil, apperror.ValidationFailed("days", "at least one day is required")
	}

	copies := make([]model.Routine, 0, len(days))
	for _, d := range days {
		c := src
		c.ID = ""
		c.DayOfWeek = d
		c.IsActive = true
		c.Subtasks = slices.Clone(src.Subtasks)
		if err := c.Validate(); err != nil {
			return nil, err
		}
		copies = append(copies, c)
	}

	rows, err := deadline.Run(ctx, l.timeout, "routine duplicate", func(ctx context.Context) ([]model.Routine, error) {
		return l.gw.InsertRoutines(ctx, copies)
	})
	if err != nil {
		return nil, fmt.Errorf("daydata: duplicating routine %s: %w", id, err)
	}
	for _, r := range rows {
		l.applyRoutine(r)
	}
	return rows, nil
}

// ReorderRoutines sets SortOrder to each id's position in ids. The patches
// go out concurrently; on failure the store is left as the backend last
// reported it for each routine that did succeed.
func (l *Loader) ReorderRoutines(ctx context.Context, ids []string) error {
	_, err := deadline.Run(ctx, l.timeout, "routine reorder", func(ctx context.Context) (struct{}, error) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(4)
		for i, id := range ids {
			order := i
			g.Go(func() error {
				r, err := l.gw.UpdateRoutine(gctx, id, gateway.RoutinePatch{SortOrder: &order})
				if err != nil {
					return err
				}
				l.applyRoutine(*r)
				return nil
			})
		}
		return struct{}{}, g.Wait()
	})
	if err != nil {
		return fmt.Errorf("daydata: reordering routines: %w", err)
	}
	return nil
}

// applyRoutine reflects r in the day store: replaced, added or removed
// depending on whether it is active on the selected weekday.
func (l *Loader) applyRoutine(r model.Routine) {
	l.store.update(func(d *Day) {
		i := slices.IndexFunc(d.Routines, func(x model.Routine) bool { return x.ID == r.ID })
		show := r.IsActive && r.DayOfWeek == d.SelectedDate.Weekday()
		switch {
		case i >= 0 && show:
			d.Routines[i] = r
		case i >= 0:
			d.Routines = slices.Delete(d.Routines, i, i+1)
		case show:
			d.Routines = append(d.Routines, r)
		}
		sortRoutines(d.Routines)
		sortTasks(d.Tasks, d.Routines)
	})
}
