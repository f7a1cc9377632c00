// Package session keeps the signed-in user and their partner consistent with
// the backend.
//
// Store is the observable snapshot the presentation layer reads. Reconciler
// is its only writer: it checks the identity, loads the profile and partner,
// reacts to identity lifecycle events and runs the pairing procedures.
package session

import (
	"log/slog"

	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/store"
)

// Session is a read-only snapshot. IsAuthenticated always equals User != nil.
type Session struct {
	User            *model.User
	Partner         *model.User
	IsAuthenticated bool
	IsLoading       bool
}

// persisted is the part of a Session that survives a restart. The flags are
// deliberately absent: a stale IsLoading=true from a crashed process must
// never come back.
type persisted struct {
	User    *model.User `json:"user"`
	Partner *model.User `json:"partner"`
}

type Store struct {
	b       *store.Broadcaster[Session]
	persist store.Persistence
	logger  *slog.Logger
}

// NewStore rehydrates the cached user and partner. The snapshot starts with
// IsLoading=true whatever was on disk; the reconciler clears it within its
// timeout.
func NewStore(persist store.Persistence, logger *slog.Logger) *Store {
	var p persisted
	if _, err := persist.Load(store.KeySession, &p); err != nil {
		logger.Warn("discarding unreadable session cache", slog.String("error", err.Error()))
		p = persisted{}
	}
	if p.User == nil || p.User.Validate() != nil {
		p = persisted{}
	}
	if p.Partner != nil && p.Partner.Validate() != nil {
		p.Partner = nil
	}

	return &Store{
		b: store.NewBroadcaster(Session{
			User:            p.User,
			Partner:         p.Partner,
			IsAuthenticated: p.User != nil,
			IsLoading:       true,
		}),
		persist: persist,
		logger:  logger,
	}
}

// Snapshot returns the current session.
func (s *Store) Snapshot() Session {
	return s.b.Get()
}

// Subscribe calls fn with every new snapshot until unsubscribe is called.
func (s *Store) Subscribe(fn func(Session)) (unsubscribe func()) {
	return s.b.Subscribe(fn)
}

func (s *Store) set(user, partner *model.User) {
	s.b.Update(func(Session) Session {
		return Session{User: user, Partner: partner, IsAuthenticated: user != nil}
	})
	s.save(user, partner)
}

func (s *Store) setLoading(loading bool) {
	s.b.Update(func(cur Session) Session {
		cur.IsLoading = loading
		return cur
	})
}

// clear is the logged-out state: {nil, nil, false, false}.
func (s *Store) clear() {
	s.set(nil, nil)
}

func (s *Store) save(user, partner *model.User) {
	var err error
	if user == nil {
		err = s.persist.Delete(store.KeySession)
	} else {
		err = s.persist.Save(store.KeySession, persisted{User: user, Partner: partner})
	}
	if err != nil {
		s.logger.Error("persisting session", slog.String("error", err.Error()))
	}
}
