// Package app wires the client core together. A Client is built once at
// bootstrap and handed to the presentation layer, which reads the session,
// day and inbox snapshots and calls the imperative functions below.
//
// LIFECYCLE:
//  1. New builds the gateway, stores, reconciler, loader, guard and inbox
//  2. Start initializes the session and begins following it: when a user
//     appears the inbox starts and today's data loads; on sign-out both stop
//  3. Start also watches durable storage, so a sign-in, sign-out or token
//     rotation in another process on this machine is picked up here
//  4. Close stops everything and waits for background goroutines
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/config"
	"github.com/sakif/duo-routine/internal/daydata"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/gateway/rest"
	"github.com/sakif/duo-routine/internal/inbox"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/routeguard"
	"github.com/sakif/duo-routine/internal/session"
	"github.com/sakif/duo-routine/internal/store"
)

// Gateway is the backend handle the client owns. rest.Client satisfies it.
type Gateway interface {
	gateway.Gateway
	// SyncToken adopts a token another process persisted.
	SyncToken()
	Close()
}

type Client struct {
	logger  *slog.Logger
	persist store.Persistence
	gw      Gateway
	now     func() time.Time

	sessions *session.Reconciler
	day      *daydata.Loader
	guard    *routeguard.Guard
	inbox    *inbox.Inbox

	mu      sync.Mutex
	path    string
	started bool
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup

	// active is the user the per-user machinery follows. settled is closed
	// and replaced each time follow has caught up with the session.
	active  string
	settled chan struct{}
}

// New builds the client from cfg. With an empty DataDir nothing is persisted
// between runs.
func New(cfg config.Client, logger *slog.Logger) (*Client, error) {
	var persist store.Persistence = store.NewMemoryStore()
	if cfg.DataDir != "" {
		ds, err := store.NewDiskStore(cfg.DataDir, logger)
		if err != nil {
			return nil, fmt.Errorf("app: opening data dir: %w", err)
		}
		persist = ds
	}

	gw, err := rest.New(rest.Config{
		BaseURL:          cfg.BackendURL,
		RealtimeInterval: cfg.RealtimeInterval,
	}, persist, logger)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return newClient(gw, persist, cfg, logger, time.Now), nil
}

func newClient(gw Gateway, persist store.Persistence, cfg config.Client, logger *slog.Logger, now func() time.Time) *Client {
	sessions := session.NewReconciler(gw, session.NewStore(persist, logger), logger, cfg.SessionTimeout)
	day := daydata.NewLoader(gw, daydata.NewStore(persist, logger, model.DateOf(now())), logger, daydata.Options{
		Timeout: cfg.DayTimeout,
		Now:     now,
	})
	return &Client{
		logger:   logger,
		persist:  persist,
		gw:       gw,
		now:      now,
		sessions: sessions,
		day:      day,
		guard:    routeguard.New(persist, logger, cfg.SkipPairingWindow, now),
		inbox:    inbox.New(gw, sessions, logger, cfg.NotificationInterval, cfg.SessionTimeout),
		path:     routeguard.RouteHome,
		settled:  make(chan struct{}),
	}
}

// Start initializes the session and begins following it. It returns once
// the first reconciliation finished. Later calls return the same result.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return c.sessions.Initialize(ctx)
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)

	// The listener only signals. Reacting inline would run inbox and loader
	// calls on whatever goroutine published the session, including the
	// inbox poller itself.
	changed := make(chan struct{}, 1)
	c.unsub = c.sessions.Store().Subscribe(func(session.Session) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	c.mu.Unlock()

	c.wg.Add(1)
	go c.follow(ctx, changed)

	if keys, err := c.persist.Watch(ctx); err != nil {
		c.logger.Warn("not watching shared state", slog.String("error", err.Error()))
	} else {
		c.wg.Add(1)
		go c.watchShared(ctx, keys)
	}

	return c.sessions.Initialize(ctx)
}

// follow starts and stops the per-user machinery as the signed-in user
// changes.
func (c *Client) follow(ctx context.Context, changed <-chan struct{}) {
	defer c.wg.Done()

	var (
		current   string
		stopWatch func()
	)
	stop := func() {
		if stopWatch != nil {
			stopWatch()
			stopWatch = nil
		}
		c.inbox.Stop()
		c.day.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			if current != "" {
				stop()
			}
			return
		case <-changed:
		}

		s := c.sessions.Store().Snapshot()
		if s.IsLoading {
			continue
		}
		var id string
		if s.User != nil {
			id = s.User.ID
		}
		if id == current {
			c.markSettled(id)
			continue
		}
		if current != "" {
			c.logger.Info("user left, stopping day data and inbox")
			stop()
		}
		current = id
		if id == "" {
			c.markSettled("")
			continue
		}

		c.logger.Info("user signed in, loading today", slog.String("user_id", id))
		c.inbox.Start(ctx, id)
		var err error
		if stopWatch, err = c.day.Watch(ctx, id); err != nil {
			c.logger.Warn("task change feed unavailable", slog.String("error", err.Error()))
		}
		c.markSettled(id)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			if err := c.day.SetSelectedDate(ctx, id, model.DateOf(c.now())); err != nil {
				c.logger.Error("loading today", slog.String("error", err.Error()))
			}
		}()
	}
}

func (c *Client) markSettled(id string) {
	c.mu.Lock()
	c.active = id
	close(c.settled)
	c.settled = make(chan struct{})
	c.mu.Unlock()
}

// Ready waits until the session has settled and the inbox follows the
// signed-in user. It fails with apperror.ErrNotAuthenticated when the
// settled session has no user. Call it after Start.
func (c *Client) Ready(ctx context.Context) error {
	for {
		s := c.Session()
		c.mu.Lock()
		active, settled := c.active, c.settled
		c.mu.Unlock()

		if !s.IsLoading {
			switch {
			case s.User == nil && active == "":
				return apperror.NotAuthenticated()
			case s.User != nil && s.User.ID == active:
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		}
	}
}

func (c *Client) watchShared(ctx context.Context, keys <-chan string) {
	defer c.wg.Done()
	for key := range keys {
		switch key {
		case store.KeyAuthToken:
			c.logger.Debug("auth token changed in another process")
			c.gw.SyncToken()
		case store.KeySession:
			if err := c.sessions.Refetch(ctx); err != nil {
				c.logger.Error("refetching session after shared change", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops background work and releases the gateway.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, unsub := c.cancel, c.unsub
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.sessions.Close()
	c.inbox.Stop()
	c.gw.Close()
}

// Session returns the current session snapshot.
func (c *Client) Session() session.Session {
	return c.sessions.Store().Snapshot()
}

func (c *Client) SubscribeSession(fn func(session.Session)) (unsubscribe func()) {
	return c.sessions.Store().Subscribe(fn)
}

// Day returns the current day snapshot.
func (c *Client) Day() daydata.Day {
	return c.day.Store().Snapshot()
}

func (c *Client) SubscribeDay(fn func(daydata.Day)) (unsubscribe func()) {
	return c.day.Store().Subscribe(fn)
}

func (c *Client) Inbox() *inbox.Inbox {
	return c.inbox
}

// Navigate asks the route guard about path and records where the client
// ends up.
func (c *Client) Navigate(path string) routeguard.Decision {
	d := c.guard.Evaluate(c.Session(), path)
	c.mu.Lock()
	switch d.Kind {
	case routeguard.Allow:
		c.path = path
	case routeguard.Redirect:
		c.path = d.Target
	}
	c.mu.Unlock()
	return d
}

// Path is the route the client is on.
func (c *Client) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

func (c *Client) SkipPairing() error {
	return c.guard.SkipPairing()
}

// SignIn sends a one-time code to email.
func (c *Client) SignIn(ctx context.Context, email string) error {
	return c.sessions.SignInWithEmail(ctx, email)
}

// VerifySignIn completes SignIn with the code the user received.
func (c *Client) VerifySignIn(ctx context.Context, email, code string) error {
	return c.sessions.VerifyEmailCode(ctx, email, code)
}

// SignInWithProvider returns the URL that starts provider sign-in. The
// backend redirects to redirectTo with a code for CompleteProviderSignIn.
func (c *Client) SignInWithProvider(ctx context.Context, redirectTo string) (string, error) {
	return c.sessions.SignInWithProvider(ctx, redirectTo)
}

func (c *Client) CompleteProviderSignIn(ctx context.Context, code, redirectTo string) error {
	return c.sessions.CompleteProviderSignIn(ctx, code, redirectTo)
}

// SignOut always ends signed out and on the login route.
func (c *Client) SignOut(ctx context.Context) error {
	err := c.sessions.SignOut(ctx)
	if clearErr := c.guard.ClearSkipPairing(); clearErr != nil {
		c.logger.Warn("clearing skip-pairing override", slog.String("error", clearErr.Error()))
	}
	c.Navigate(routeguard.RouteLogin)
	return err
}

func (c *Client) PairWithPartner(ctx context.Context, code string) error {
	if err := c.sessions.PairWithPartner(ctx, code); err != nil {
		return err
	}
	if err := c.guard.ClearSkipPairing(); err != nil {
		c.logger.Warn("clearing skip-pairing override", slog.String("error", err.Error()))
	}
	return nil
}

func (c *Client) RequestPairing(ctx context.Context, code string) error {
	return c.sessions.RequestPairing(ctx, code)
}

func (c *Client) UnpairPartner(ctx context.Context) error {
	return c.sessions.UnpairPartner(ctx)
}

func (c *Client) UpdatePreferences(ctx context.Context, theme model.Theme, fontSize model.FontSize) error {
	return c.sessions.UpdatePreferences(ctx, theme, fontSize)
}

func (c *Client) SetTaskStatus(ctx context.Context, taskID string, status model.TaskStatus) error {
	return c.day.SetTaskStatus(ctx, taskID, status)
}

func (c *Client) ToggleSubtask(ctx context.Context, taskID, subtaskID string) error {
	return c.day.ToggleSubtask(ctx, taskID, subtaskID)
}

func (c *Client) SaveDailyStatus(ctx context.Context, energy model.EnergyLevel, mood model.Mood) error {
	id, err := c.userID()
	if err != nil {
		return err
	}
	return c.day.SaveDailyStatus(ctx, id, energy, mood)
}

// SetSelectedDate switches the day being shown. Error and timeout flags
// from the previous date are cleared.
func (c *Client) SetSelectedDate(ctx context.Context, date model.Date) error {
	id, _ := c.userID()
	return c.day.SetSelectedDate(ctx, id, date)
}

// PartnerDay reads the partner's tasks for the selected date.
func (c *Client) PartnerDay(ctx context.Context) (daydata.PartnerDay, error) {
	s := c.Session()
	if s.Partner == nil {
		return daydata.PartnerDay{}, apperror.NotFound("partner", "")
	}
	return c.day.PartnerDay(ctx, s.Partner.ID, c.Day().SelectedDate)
}

func (c *Client) RefetchSession(ctx context.Context) error {
	return c.sessions.Refetch(ctx)
}

// RefetchDayData is the retry action: it clears every error and timeout flag
// and loads the selected date again.
func (c *Client) RefetchDayData(ctx context.Context) error {
	id, err := c.userID()
	if err != nil {
		return err
	}
	return c.day.Refetch(ctx, id)
}

// HardReload drops all in-memory day state and reloads both stores from
// the backend.
func (c *Client) HardReload(ctx context.Context) error {
	c.day.Reset()
	if err := c.sessions.Refetch(ctx); err != nil {
		return err
	}
	if _, err := c.userID(); err != nil {
		return nil
	}
	return c.RefetchDayData(ctx)
}

func (c *Client) CreateRoutine(ctx context.Context, r model.Routine) (*model.Routine, error) {
	id, err := c.userID()
	if err != nil {
		return nil, err
	}
	r.UserID = id
	return c.day.CreateRoutine(ctx, r)
}

func (c *Client) UpdateRoutine(ctx context.Context, id string, patch gateway.RoutinePatch) (*model.Routine, error) {
	return c.day.UpdateRoutine(ctx, id, patch)
}

func (c *Client) DeactivateRoutine(ctx context.Context, id string) error {
	return c.day.DeactivateRoutine(ctx, id)
}

func (c *Client) DuplicateRoutine(ctx context.Context, id string, days []int) ([]model.Routine, error) {
	return c.day.DuplicateRoutine(ctx, id, days)
}

func (c *Client) ReorderRoutines(ctx context.Context, ids []string) error {
	return c.day.ReorderRoutines(ctx, ids)
}

func (c *Client) userID() (string, error) {
	s := c.Session()
	if s.User == nil {
		return "", apperror.NotAuthenticated()
	}
	return s.User.ID, nil
}

// IsTimeout reports whether err is the "timed out" state the presentation
// layer shows with a retry action.
func IsTimeout(err error) bool {
	return errors.Is(err, apperror.ErrTimeout)
}
