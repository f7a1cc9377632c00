// Package inbox keeps the signed-in user's notifications current and answers
// pairing requests.
//
// Notifications arrive two ways: a poller re-reads them on a fixed interval,
// and a table-change subscription wakes the poller early. Both feed the same
// refresh, so a missed change event only delays an update until the next
// tick.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/deadline"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/store"
)

type Gateway interface {
	gateway.Tables
	gateway.Procedures
	gateway.Realtime
}

// Refetcher reloads the session; accepting a pairing request must make the
// new partner show up.
type Refetcher interface {
	Refetch(ctx context.Context) error
}

const DefaultInterval = 30 * time.Second

type Snapshot struct {
	Notifications []model.Notification
	Unread        int
}

type Inbox struct {
	gw       Gateway
	session  Refetcher
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration
	b        *store.Broadcaster[Snapshot]

	mu     sync.Mutex
	userID string
	done   chan struct{}
	kick   chan struct{}
	unsub  func()
	seen   map[string]bool
	primed bool
	wg     sync.WaitGroup
}

func New(gw Gateway, session Refetcher, logger *slog.Logger, interval, timeout time.Duration) *Inbox {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Inbox{
		gw:       gw,
		session:  session,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		b:        store.NewBroadcaster(Snapshot{}),
		seen:     make(map[string]bool),
	}
}

func (in *Inbox) Snapshot() Snapshot {
	return in.b.Get()
}

func (in *Inbox) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return in.b.Subscribe(fn)
}

// Start begins following userID's inbox. Starting for the user already
// followed is a no-op; starting for another user stops the old one first.
func (in *Inbox) Start(ctx context.Context, userID string) {
	in.mu.Lock()
	if in.done != nil && in.userID == userID {
		in.mu.Unlock()
		return
	}
	in.mu.Unlock()
	in.Stop()

	in.mu.Lock()
	in.userID = userID
	in.done = make(chan struct{})
	in.kick = make(chan struct{}, 1)
	done, kick := in.done, in.kick
	in.mu.Unlock()

	unsub, err := in.gw.SubscribeTableChanges(ctx, "notifications", gateway.Filter{"user_id": userID}, func(gateway.ChangeEvent) {
		select {
		case kick <- struct{}{}:
		default:
		}
	})
	if err != nil {
		// Polling alone still delivers everything, only later.
		in.logger.Warn("notification change feed unavailable", slog.String("error", err.Error()))
	} else {
		in.mu.Lock()
		in.unsub = unsub
		in.mu.Unlock()
	}

	in.logger.Info("starting notification poller", slog.Duration("interval", in.interval))
	in.wg.Add(1)
	go in.poller(ctx, userID, done, kick)
}

// Stop ends polling and forgets the inbox contents.
func (in *Inbox) Stop() {
	in.mu.Lock()
	done, unsub := in.done, in.unsub
	in.done, in.unsub, in.userID = nil, nil, ""
	in.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if done != nil {
		close(done)
	}
	in.wg.Wait()

	in.mu.Lock()
	clear(in.seen)
	in.primed = false
	in.mu.Unlock()
	in.b.Update(func(Snapshot) Snapshot { return Snapshot{} })
}

func (in *Inbox) poller(ctx context.Context, userID string, done <-chan struct{}, kick <-chan struct{}) {
	defer in.wg.Done()

	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()

	for {
		if err := in.refresh(ctx, userID); err != nil {
			in.logger.Error("refreshing notifications", slog.String("error", err.Error()))
		}
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}

// Refresh re-reads the inbox now.
func (in *Inbox) Refresh(ctx context.Context) error {
	in.mu.Lock()
	userID := in.userID
	in.mu.Unlock()
	if userID == "" {
		return apperror.NotAuthenticated()
	}
	return in.refresh(ctx, userID)
}

func (in *Inbox) refresh(ctx context.Context, userID string) error {
	rows, err := deadline.Run(ctx, in.timeout, "notification fetch", func(ctx context.Context) ([]model.Notification, error) {
		return in.gw.QueryNotifications(ctx, userID)
	})
	if err != nil {
		return err
	}
	slices.SortStableFunc(rows, func(a, b model.Notification) int { return b.CreatedAt.Compare(a.CreatedAt) })

	in.mu.Lock()
	if in.userID != userID {
		in.mu.Unlock()
		return nil
	}
	accepted := false
	for _, n := range rows {
		if !in.seen[n.ID] && in.primed && n.Type == model.NotifyPairingAccepted {
			accepted = true
		}
		in.seen[n.ID] = true
	}
	in.primed = true
	in.mu.Unlock()

	in.publish(rows)

	if accepted {
		in.logger.Info("pairing accepted by partner, refreshing session")
		if err := in.session.Refetch(ctx); err != nil {
			in.logger.Warn("session refetch after pairing acceptance", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (in *Inbox) publish(rows []model.Notification) {
	unread := 0
	for _, n := range rows {
		if !n.Read {
			unread++
		}
	}
	in.b.Update(func(Snapshot) Snapshot { return Snapshot{Notifications: rows, Unread: unread} })
}

func (in *Inbox) MarkAsRead(ctx context.Context, id string) error {
	_, err := deadline.Run(ctx, in.timeout, "mark notification read", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, in.gw.MarkNotificationRead(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("inbox: marking %s read: %w", id, err)
	}
	in.edit(func(ns []model.Notification) []model.Notification {
		for i := range ns {
			if ns[i].ID == id {
				ns[i].Read = true
			}
		}
		return ns
	})
	return nil
}

func (in *Inbox) Delete(ctx context.Context, id string) error {
	_, err := deadline.Run(ctx, in.timeout, "delete notification", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, in.gw.DeleteNotification(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("inbox: deleting %s: %w", id, err)
	}
	in.edit(func(ns []model.Notification) []model.Notification {
		return slices.DeleteFunc(ns, func(n model.Notification) bool { return n.ID == id })
	})
	return nil
}

func (in *Inbox) edit(fn func([]model.Notification) []model.Notification) {
	rows := fn(slices.Clone(in.Snapshot().Notifications))
	in.publish(rows)
}

// RespondToRequest accepts or rejects a pairing request. Accepting links
// both users on the backend; the session is refetched before returning so
// the partner is there when the caller navigates.
func (in *Inbox) RespondToRequest(ctx context.Context, requestID string, accept bool) error {
	res, err := deadline.Run(ctx, in.timeout, gateway.ProcRespondPairing, func(ctx context.Context) (*gateway.RPCResult, error) {
		return in.gw.CallRemoteProcedure(ctx, gateway.ProcRespondPairing, map[string]any{
			"request_id": requestID,
			"accept":     accept,
		})
	})
	if err != nil {
		return fmt.Errorf("inbox: responding to %s: %w", requestID, err)
	}
	if !res.Success {
		switch res.ErrorCode {
		case gateway.CodeAlreadyPaired:
			return apperror.AlreadyPaired(res.Message)
		case gateway.CodeNotFound:
			return apperror.NotFound("pairing request", requestID)
		}
		return &apperror.AppError{Err: apperror.ErrConflict, Message: res.Message}
	}

	if accept {
		if err := in.session.Refetch(ctx); err != nil {
			in.logger.Warn("session refetch after accepting pairing", slog.String("error", err.Error()))
		}
	}
	if err := in.Refresh(ctx); err != nil && !errors.Is(err, apperror.ErrNotAuthenticated) {
		in.logger.Warn("refreshing inbox after response", slog.String("error", err.Error()))
	}
	return nil
}
