// Package routeguard decides where a navigation may go given the session.
package routeguard

import (
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/duo-routine/internal/session"
	"github.com/sakif/duo-routine/internal/store"
)

const (
	RouteHome     = "/"
	RouteLogin    = "/login"
	RouteCallback = "/auth/callback"
	RoutePairing  = "/pairing"
)

// DefaultSkipWindow is how long "skip pairing for now" lasts.
const DefaultSkipWindow = 24 * time.Hour

var publicRoutes = []string{RouteLogin, RouteCallback, RoutePairing}

type Kind int

const (
	// Wait means the session is still loading; do nothing yet.
	Wait Kind = iota
	Allow
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	}
	return "wait"
}

type Decision struct {
	Kind   Kind
	Target string // set for Redirect
}

// Guard evaluates navigations. The skip-pairing override lives in durable
// storage so every process on the machine honours it.
type Guard struct {
	persist store.Persistence
	logger  *slog.Logger
	window  time.Duration
	now     func() time.Time
}

func New(persist store.Persistence, logger *slog.Logger, window time.Duration, now func() time.Time) *Guard {
	if window <= 0 {
		window = DefaultSkipWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Guard{persist: persist, logger: logger, window: window, now: now}
}

func isPublic(path string) bool {
	for _, p := range publicRoutes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return true
		}
	}
	return false
}

// Evaluate returns what to do about a navigation to path. While the session
// is loading the answer is always Wait, so nobody is bounced to the login
// page in the moment before the reconciler has answered.
func (g *Guard) Evaluate(s session.Session, path string) Decision {
	if s.IsLoading {
		return Decision{Kind: Wait}
	}
	if path == "" {
		path = RouteHome
	}

	if !s.IsAuthenticated {
		if isPublic(path) {
			return Decision{Kind: Allow}
		}
		return Decision{Kind: Redirect, Target: RouteLogin}
	}

	switch {
	case path == RouteLogin:
		return Decision{Kind: Redirect, Target: RouteHome}
	case path == RoutePairing && s.User.HasPartner():
		return Decision{Kind: Redirect, Target: RouteHome}
	case !s.User.HasPartner() && !isPublic(path) && !g.SkipActive():
		return Decision{Kind: Redirect, Target: RoutePairing}
	}
	return Decision{Kind: Allow}
}

// SkipPairing lets an unpaired user use the app for the skip window.
func (g *Guard) SkipPairing() error {
	until := g.now().Add(g.window)
	if err := g.persist.Save(store.KeySkipPairing, until); err != nil {
		return err
	}
	g.logger.Info("pairing skipped", slog.Time("until", until))
	return nil
}

func (g *Guard) ClearSkipPairing() error {
	return g.persist.Delete(store.KeySkipPairing)
}

// SkipActive reports whether the skip-pairing override is in effect. An
// expired override is removed.
func (g *Guard) SkipActive() bool {
	var until time.Time
	found, err := g.persist.Load(store.KeySkipPairing, &until)
	if err != nil {
		g.logger.Warn("reading skip-pairing override", slog.String("error", err.Error()))
		return false
	}
	if !found {
		return false
	}
	if g.now().Before(until) {
		return true
	}
	if err := g.ClearSkipPairing(); err != nil {
		g.logger.Warn("clearing expired skip-pairing override", slog.String("error", err.Error()))
	}
	return false
}
