package daydata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/deadline"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// Gateway is the slice of the backend the loader talks to.
type Gateway interface {
	gateway.Tables
	gateway.Realtime
}

// DefaultTimeout bounds one whole day load, all three reads included.
const DefaultTimeout = 15 * time.Second

type Options struct {
	Timeout time.Duration
	// Now defaults to time.Now. "Today" is Now's calendar date.
	Now func() time.Time
}

// Loader is the single writer of a day Store.
//
// DEDUPLICATION:
// Loads are keyed by user id + date. A key that already loaded (or failed)
// is skipped until Refetch or a date change forgets it; two overlapping
// loads of one key share a single run through singleflight. Loads of
// different dates never wait on each other.
//
// GENERATIONS:
// Refetch and date changes bump a generation counter. A load that finishes
// under an older generation is dropped instead of overwriting newer state;
// the backend side of it is idempotent, so nothing is lost.
type Loader struct {
	gw      Gateway
	store   *Store
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time

	flight singleflight.Group

	mu   sync.Mutex
	gen  uint64
	done map[string]bool
}

func NewLoader(gw Gateway, st *Store, logger *slog.Logger, opts Options) *Loader {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Loader{
		gw:      gw,
		store:   st,
		logger:  logger,
		timeout: opts.Timeout,
		now:     opts.Now,
		done:    make(map[string]bool),
	}
}

func (l *Loader) Store() *Store {
	return l.store
}

func (l *Loader) today() model.Date {
	return model.DateOf(l.now())
}

func dedupKey(userID string, date model.Date) string {
	return userID + "|" + date.String()
}

type dayResult struct {
	routines []model.Routine
	tasks    []model.TaskLog
	status   *model.DailyStatus
}

// Load makes sure the store holds userID's data for date. It returns
// immediately if that key already loaded, and joins a load already in flight
// for it.
func (l *Loader) Load(ctx context.Context, userID string, date model.Date) error {
	if userID == "" {
		return apperror.NotAuthenticated()
	}
	key := dedupKey(userID, date)
	if l.isDone(key) {
		return nil
	}

	// The generation is part of the flight key so a load started after a
	// reset never joins a run the reset disowned.
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	_, err, _ := l.flight.Do(fmt.Sprintf("load|%s|%d", key, gen), func() (any, error) {
		// A run for this key may have finished between isDone and here.
		if l.isDone(key) {
			return nil, nil
		}
		return nil, l.load(runCtx, gen, key, userID, date)
	})
	return err
}

func (l *Loader) isDone(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done[key]
}

func (l *Loader) load(ctx context.Context, gen uint64, key, userID string, date model.Date) error {
	l.store.update(func(d *Day) {
		if d.SelectedDate == date {
			d.Status = StatusLoading
			d.Err = ""
		}
	})

	res, err := deadline.Run(ctx, l.timeout, "day data load", func(ctx context.Context) (dayResult, error) {
		return l.fetchDay(ctx, userID, date)
	})

	l.mu.Lock()
	current := gen == l.gen
	if current {
		// Failures are marked too: a retry goes through Refetch, which
		// clears the mark, rather than through every re-render.
		l.done[key] = true
	}
	l.mu.Unlock()
	if !current {
		l.logger.Debug("dropping day load from a previous generation", slog.String("date", date.String()))
		return nil
	}

	if err != nil {
		status := StatusError
		if errors.Is(err, apperror.ErrTimeout) {
			status = StatusTimedOut
		}
		l.logger.Error("day data load failed",
			slog.String("date", date.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		l.store.update(func(d *Day) {
			if d.SelectedDate == date {
				d.Status = status
				d.Err = err.Error()
			}
		})
		return err
	}

	sortRoutines(res.routines)
	sortTasks(res.tasks, res.routines)
	l.store.update(func(d *Day) {
		if d.SelectedDate != date {
			return
		}
		d.Routines = res.routines
		d.Tasks = res.tasks
		d.DailyStatus = res.status
		d.Status = StatusOK
		d.Err = ""
	})
	return nil
}

// fetchDay issues the three independent reads together, then materializes
// today's tasks if none exist yet.
func (l *Loader) fetchDay(ctx context.Context, userID string, date model.Date) (dayResult, error) {
	var res dayResult
	weekday := date.Weekday()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rs, err := l.gw.QueryRoutines(gctx, gateway.RoutineQuery{UserID: userID, DayOfWeek: &weekday, ActiveOnly: true})
		if err != nil {
			return fmt.Errorf("daydata: loading routines: %w", err)
		}
		res.routines = rs
		return nil
	})
	g.Go(func() error {
		ts, err := l.gw.QueryTaskLogs(gctx, userID, date)
		if err != nil {
			return fmt.Errorf("daydata: loading task logs: %w", err)
		}
		res.tasks = ts
		return nil
	})
	g.Go(func() error {
		s, err := l.gw.QueryDailyStatus(gctx, userID, date)
		if err != nil {
			return fmt.Errorf("daydata: loading daily status: %w", err)
		}
		res.status = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return dayResult{}, err
	}

	if len(res.routines) > 0 && len(res.tasks) == 0 && date == l.today() {
		tasks, err := l.InitializeDayTasks(ctx, userID, res.routines, date)
		if err != nil {
			return dayResult{}, err
		}
		res.tasks = tasks
	}
	return res, nil
}

// InitializeDayTasks creates a pending task log for every routine that has
// none on date yet, and returns the day's full task list. It is safe to run
// concurrently with itself, in this process or another: the set difference
// keeps it from re-inserting what it can see, and a unique-key violation
// from a racing writer is answered by re-reading.
func (l *Loader) InitializeDayTasks(ctx context.Context, userID string, routines []model.Routine, date model.Date) ([]model.TaskLog, error) {
	v, err, _ := l.flight.Do("init|"+dedupKey(userID, date), func() (any, error) {
		existing, err := l.gw.QueryTaskLogs(ctx, userID, date)
		if err != nil {
			return nil, fmt.Errorf("daydata: reading existing task logs: %w", err)
		}
		have := make(map[string]bool, len(existing))
		for _, t := range existing {
			have[t.RoutineID] = true
		}

		var missing []model.TaskLog
		for _, r := range routines {
			if r.UserID != userID || have[r.ID] {
				continue
			}
			have[r.ID] = true
			missing = append(missing, model.NewTaskLog(r, date))
		}
		if len(missing) == 0 {
			return existing, nil
		}

		inserted, err := l.gw.InsertTaskLogs(ctx, missing)
		if errors.Is(err, apperror.ErrConstraint) {
			l.logger.Info("task logs were created concurrently, re-reading",
				slog.String("date", date.String()))
			return l.gw.QueryTaskLogs(ctx, userID, date)
		}
		if err != nil {
			return nil, fmt.Errorf("daydata: inserting task logs: %w", err)
		}
		l.logger.Info("initialized day tasks",
			slog.String("date", date.String()),
			slog.Int("count", len(inserted)),
		)
		return append(existing, inserted...), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.TaskLog), nil
}

// ResetForDate forgets every dedup key and error/timeout flag and selects
// date, so the next Load for it runs fresh. Loads still in flight are
// disowned.
func (l *Loader) ResetForDate(date model.Date) {
	l.mu.Lock()
	l.gen++
	clear(l.done)
	l.mu.Unlock()

	l.store.update(func(d *Day) {
		if d.SelectedDate != date {
			d.Tasks = nil
			d.DailyStatus = nil
		}
		d.SelectedDate = date
		d.Status = StatusIdle
		d.Err = ""
	})
}

// SetSelectedDate switches the day being shown and loads it.
func (l *Loader) SetSelectedDate(ctx context.Context, userID string, date model.Date) error {
	l.ResetForDate(date)
	if userID == "" {
		return nil
	}
	return l.Load(ctx, userID, date)
}

// Refetch clears all flags and reloads the selected date.
func (l *Loader) Refetch(ctx context.Context, userID string) error {
	date := l.store.Snapshot().SelectedDate
	l.ResetForDate(date)
	return l.Load(ctx, userID, date)
}

// Reset drops everything, e.g. on sign-out.
func (l *Loader) Reset() {
	l.mu.Lock()
	l.gen++
	clear(l.done)
	l.mu.Unlock()
	l.store.clear(l.today())
}

// SetTaskStatus changes a task's status. The store is updated first and
// rolled back if the backend rejects the change. Setting the status a task
// already has does nothing, so a done task keeps its first completion time.
func (l *Loader) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	if err := model.ValidateTaskStatus(status); err != nil {
		return err
	}
	prev, ok := l.store.Snapshot().Task(taskID)
	if !ok {
		return apperror.NotFound("task", taskID)
	}
	if prev.Status == status {
		return nil
	}

	next := prev.Clone()
	next.Status = status
	patch := gateway.TaskLogPatch{Status: &status}
	if status == model.StatusDone {
		now := l.now().UTC()
		next.CompletedAt = &now
		next.CompletedBy = prev.UserID
		patch.CompletedAt = &now
		patch.CompletedBy = &next.CompletedBy
	} else {
		next.CompletedAt = nil
		next.CompletedBy = ""
		patch.ClearCompletion = true
	}

	return l.optimistic(ctx, prev, next, patch)
}

// ToggleSubtask checks or unchecks one subtask of a task.
func (l *Loader) ToggleSubtask(ctx context.Context, taskID, subtaskID string) error {
	day := l.store.Snapshot()
	prev, ok := day.Task(taskID)
	if !ok {
		return apperror.NotFound("task", taskID)
	}
	if r, ok := day.Routine(prev.RoutineID); ok && !r.HasSubtask(subtaskID) {
		return apperror.ValidationFailed("subtask_id", fmt.Sprintf("routine has no subtask %q", subtaskID))
	}

	next := prev.Clone()
	if i := slices.Index(next.SubtasksCompleted, subtaskID); i >= 0 {
		next.SubtasksCompleted = slices.Delete(next.SubtasksCompleted, i, i+1)
	} else {
		next.SubtasksCompleted = append(next.SubtasksCompleted, subtaskID)
	}
	completed := slices.Clone(next.SubtasksCompleted)
	if completed == nil {
		completed = []string{}
	}

	return l.optimistic(ctx, prev, next, gateway.TaskLogPatch{SubtasksCompleted: &completed})
}

func (l *Loader) optimistic(ctx context.Context, prev, next model.TaskLog, patch gateway.TaskLogPatch) error {
	l.store.replaceTask(next)

	row, err := deadline.Run(ctx, l.timeout, "task update", func(ctx context.Context) (*model.TaskLog, error) {
		return l.gw.UpdateTaskLog(ctx, prev.ID, patch)
	})
	if err != nil {
		l.store.replaceTask(prev)
		l.logger.Warn("task update failed, rolled back",
			slog.String("task_id", prev.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("daydata: updating task %s: %w", prev.ID, err)
	}
	l.store.replaceTask(*row)
	return nil
}

// SaveDailyStatus records energy and mood for the selected date. Empty
// values are allowed and mean "not set".
func (l *Loader) SaveDailyStatus(ctx context.Context, userID string, energy model.EnergyLevel, mood model.Mood) error {
	if userID == "" {
		return apperror.NotAuthenticated()
	}
	if err := model.ValidateEnergy(energy); err != nil {
		return err
	}
	if err := model.ValidateMood(mood); err != nil {
		return err
	}
	date := l.store.Snapshot().SelectedDate

	patch := gateway.DailyStatusPatch{}
	if energy != "" {
		patch.EnergyLevel = &energy
	}
	if mood != "" {
		patch.Mood = &mood
	}
	s, err := deadline.Run(ctx, l.timeout, "daily status save", func(ctx context.Context) (*model.DailyStatus, error) {
		return l.gw.UpsertDailyStatus(ctx, userID, date, patch)
	})
	if err != nil {
		return fmt.Errorf("daydata: saving daily status: %w", err)
	}
	l.store.update(func(d *Day) {
		if d.SelectedDate == date {
			d.DailyStatus = s
		}
	})
	return nil
}

// PartnerDay is a read-only view of the partner's day.
type PartnerDay struct {
	Tasks       []model.TaskLog
	DailyStatus *model.DailyStatus
}

// PartnerDay reads the partner's tasks and status for date. Nothing is
// stored; the partner's day belongs to the partner.
func (l *Loader) PartnerDay(ctx context.Context, partnerID string, date model.Date) (PartnerDay, error) {
	if partnerID == "" {
		return PartnerDay{}, apperror.NotFound("partner", "")
	}
	return deadline.Run(ctx, l.timeout, "partner day load", func(ctx context.Context) (PartnerDay, error) {
		var pd PartnerDay
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			ts, err := l.gw.QueryTaskLogs(gctx, partnerID, date)
			pd.Tasks = ts
			return err
		})
		g.Go(func() error {
			s, err := l.gw.QueryDailyStatus(gctx, partnerID, date)
			pd.DailyStatus = s
			return err
		})
		if err := g.Wait(); err != nil {
			return PartnerDay{}, fmt.Errorf("daydata: loading partner day: %w", err)
		}
		return pd, nil
	})
}

// Watch follows the user's task logs on the backend and re-reads the
// selected date's tasks when another device changes them.
func (l *Loader) Watch(ctx context.Context, userID string) (stop func(), err error) {
	return l.gw.SubscribeTableChanges(ctx, "task_logs", gateway.Filter{"user_id": userID}, func(gateway.ChangeEvent) {
		l.reloadTasks(ctx, userID)
	})
}

func (l *Loader) reloadTasks(ctx context.Context, userID string) {
	l.mu.Lock()
	gen := l.gen
	l.mu.Unlock()
	date := l.store.Snapshot().SelectedDate

	ts, err := deadline.Run(ctx, l.timeout, "task reload", func(ctx context.Context) ([]model.TaskLog, error) {
		return l.gw.QueryTaskLogs(ctx, userID, date)
	})
	if err != nil {
		l.logger.Warn("reloading tasks after remote change", slog.String("error", err.Error()))
		return
	}

	l.mu.Lock()
	current := gen == l.gen
	l.mu.Unlock()
	if !current {
		return
	}
	l.store.update(func(d *Day) {
		if d.SelectedDate != date {
			return
		}
		sortTasks(ts, d.Routines)
		d.Tasks = ts
	})
}
