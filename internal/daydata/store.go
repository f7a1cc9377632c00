// Package daydata holds everything scoped to one calendar day for the
// signed-in user: the weekday's routines, the day's task logs and the
// mood/energy status, plus the loader that fetches and materializes them.
package daydata

import (
	"log/slog"
	"slices"

	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/store"
)

// Status is the outcome of the latest load for the selected date.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusLoading  Status = "loading"
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusTimedOut Status = "timed_out"
)

// Day is a read-only snapshot of the day store.
type Day struct {
	SelectedDate model.Date
	Routines     []model.Routine
	Tasks        []model.TaskLog
	DailyStatus  *model.DailyStatus
	Status       Status
	// Err is the message of the failure behind StatusError or StatusTimedOut.
	Err string
}

// Task returns the task with id, if loaded.
func (d Day) Task(id string) (model.TaskLog, bool) {
	i := slices.IndexFunc(d.Tasks, func(t model.TaskLog) bool { return t.ID == id })
	if i < 0 {
		return model.TaskLog{}, false
	}
	return d.Tasks[i], true
}

// Routine returns the routine with id, if loaded.
func (d Day) Routine(id string) (model.Routine, bool) {
	i := slices.IndexFunc(d.Routines, func(r model.Routine) bool { return r.ID == id })
	if i < 0 {
		return model.Routine{}, false
	}
	return d.Routines[i], true
}

// Progress counts done tasks. Percent is rounded to the nearest integer and
// is 0 for a day with no tasks.
func (d Day) Progress() (done, total, percent int) {
	total = len(d.Tasks)
	for _, t := range d.Tasks {
		if t.Status == model.StatusDone {
			done++
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return done, total, (done*100 + total/2) / total
}

// NextTask is the first pending task in display order.
func (d Day) NextTask() (model.TaskLog, bool) {
	for _, t := range d.Tasks {
		if t.Status == model.StatusPending {
			return t, true
		}
	}
	return model.TaskLog{}, false
}

// persisted is what survives a restart. Tasks and the selected date are left
// out on purpose: yesterday's ticked-off tasks must never greet the user.
type persisted struct {
	Routines []model.Routine `json:"routines"`
}

type Store struct {
	b       *store.Broadcaster[Day]
	persist store.Persistence
	logger  *slog.Logger
}

// NewStore rehydrates the cached routines and selects today.
func NewStore(persist store.Persistence, logger *slog.Logger, today model.Date) *Store {
	var p persisted
	if _, err := persist.Load(store.KeyRoutines, &p); err != nil {
		logger.Warn("discarding unreadable routine cache", slog.String("error", err.Error()))
		p = persisted{}
	}
	routines := slices.DeleteFunc(p.Routines, func(r model.Routine) bool { return r.Validate() != nil })

	return &Store{
		b: store.NewBroadcaster(Day{
			SelectedDate: today,
			Routines:     routines,
			Status:       StatusIdle,
		}),
		persist: persist,
		logger:  logger,
	}
}

func (s *Store) Snapshot() Day {
	return s.b.Get()
}

func (s *Store) Subscribe(fn func(Day)) (unsubscribe func()) {
	return s.b.Subscribe(fn)
}

// update applies fn to a copy of the day whose slices fn may modify freely.
func (s *Store) update(fn func(*Day)) Day {
	var routinesChanged bool
	d := s.b.Update(func(cur Day) Day {
		next := cur
		next.Routines = slices.Clone(cur.Routines)
		next.Tasks = slices.Clone(cur.Tasks)
		fn(&next)
		routinesChanged = !slices.EqualFunc(cur.Routines, next.Routines, sameRoutine)
		return next
	})
	if routinesChanged {
		if err := s.persist.Save(store.KeyRoutines, persisted{Routines: d.Routines}); err != nil {
			s.logger.Error("persisting routines", slog.String("error", err.Error()))
		}
	}
	return d
}

func sameRoutine(a, b model.Routine) bool {
	return a.ID == b.ID && a.UpdatedAt.Equal(b.UpdatedAt) && a.SortOrder == b.SortOrder &&
		a.IsActive == b.IsActive && a.TaskName == b.TaskName
}

// replaceTask swaps in t by id. It reports false if the task is gone, e.g.
// because the date changed meanwhile.
func (s *Store) replaceTask(t model.TaskLog) bool {
	found := false
	s.update(func(d *Day) {
		for i := range d.Tasks {
			if d.Tasks[i].ID == t.ID {
				d.Tasks[i] = t
				found = true
				return
			}
		}
	})
	return found
}

func (s *Store) clear(today model.Date) {
	s.update(func(d *Day) {
		*d = Day{SelectedDate: today, Status: StatusIdle}
	})
}

// sortRoutines orders routines by SortOrder, then by name.
func sortRoutines(rs []model.Routine) {
	slices.SortStableFunc(rs, func(a, b model.Routine) int {
		if a.SortOrder != b.SortOrder {
			return a.SortOrder - b.SortOrder
		}
		if a.TaskName < b.TaskName {
			return -1
		}
		if a.TaskName > b.TaskName {
			return 1
		}
		return 0
	})
}

// sortTasks puts tasks in the order of the routines they came from; tasks
// without a known routine go last.
func sortTasks(ts []model.TaskLog, rs []model.Routine) {
	pos := make(map[string]int, len(rs))
	for i, r := range rs {
		pos[r.ID] = i
	}
	rank := func(t model.TaskLog) int {
		if p, ok := pos[t.RoutineID]; ok {
			return p
		}
		return len(rs)
	}
	slices.SortStableFunc(ts, func(a, b model.TaskLog) int { return rank(a) - rank(b) })
}
