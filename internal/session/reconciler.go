package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/deadline"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

// Gateway is the slice of the backend the reconciler talks to.
type Gateway interface {
	gateway.Auth
	gateway.Profiles
	gateway.Procedures
}

// DefaultTimeout bounds every identity, profile and procedure call.
const DefaultTimeout = 10 * time.Second

// Reconciler is the single writer of a Store. Build one per process at
// bootstrap and share it; Initialize is safe to call from anywhere, any
// number of times.
//
// EXACTLY-ONCE FETCHING:
// Initialize, Refetch and event-triggered refetches all go through one
// singleflight key. While a reconciliation is in flight every other caller
// waits on it and receives its result instead of starting a second one.
//
// LATE RESULTS:
// Signing out bumps a generation counter. A reconciliation that started under
// an older generation throws its result away, so a slow profile fetch can
// never resurrect a user who has since signed out.
type Reconciler struct {
	gw      Gateway
	store   *Store
	logger  *slog.Logger
	timeout time.Duration

	flight singleflight.Group

	mu          sync.Mutex
	phase       Phase
	gen         uint64
	closed      bool
	unsubscribe func()

	initOnce sync.Once
	initErr  error
	wg       sync.WaitGroup
}

func NewReconciler(gw Gateway, st *Store, logger *slog.Logger, timeout time.Duration) *Reconciler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Reconciler{gw: gw, store: st, logger: logger, timeout: timeout}
}

// Store returns the store this reconciler writes.
func (r *Reconciler) Store() *Store {
	return r.store
}

// Phase reports the identity lifecycle phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Initialize subscribes to identity events and runs the first
// reconciliation. Later calls wait for the first one and return its result.
// Whatever happens, IsLoading is false when it returns.
func (r *Reconciler) Initialize(ctx context.Context) error {
	r.initOnce.Do(func() {
		unsub := r.gw.SubscribeIdentityEvents(r.onEvent)
		r.mu.Lock()
		r.unsubscribe = unsub
		if r.phase == PhaseUnknown {
			r.phase = PhaseAuthenticating
		}
		r.mu.Unlock()

		r.initErr = r.Refetch(ctx)
	})
	return r.initErr
}

// Refetch re-runs reconciliation, joining one already in flight for the
// same generation. A flight from before a sign-out is left to finish on its
// own; its result is discarded and joining it would lose the new session.
func (r *Reconciler) Refetch(ctx context.Context) error {
	// The shared run must not die with whichever caller happened to start
	// it; it is bounded by r.timeout instead.
	runCtx := context.WithoutCancel(ctx)
	gen := r.generation()
	_, err, shared := r.flight.Do(fmt.Sprintf("reconcile|%d", gen), func() (any, error) {
		return nil, r.reconcile(runCtx, gen)
	})
	if shared {
		r.logger.Debug("joined in-flight reconciliation")
	}
	return err
}

func (r *Reconciler) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}

// commit reports whether gen is still the active generation, and if so
// moves to phase.
func (r *Reconciler) commit(gen uint64, phase Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return false
	}
	r.phase = phase
	return true
}

func (r *Reconciler) reconcile(ctx context.Context, gen uint64) error {
	defer r.store.setLoading(false)

	ident, err := deadline.Run(ctx, r.timeout, "identity check", r.gw.CurrentIdentity)
	if err != nil {
		return r.identityFailed(gen, err)
	}
	if ident == nil {
		if r.commit(gen, PhaseUnauthenticated) {
			r.store.clear()
		}
		return nil
	}

	user, err := deadline.Run(ctx, r.timeout, "profile fetch", func(ctx context.Context) (*model.User, error) {
		return r.gw.Profile(ctx, ident.ID)
	})
	if err != nil {
		// Leave the session as it was rather than invent a user.
		r.logger.Error("profile fetch failed",
			slog.String("user_id", ident.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("session: loading profile: %w", err)
	}

	partner := r.loadPartner(ctx, user)

	if !r.commit(gen, PhaseAuthenticated) {
		r.logger.Debug("discarding reconciliation result from before sign-out")
		return nil
	}
	r.store.set(user, partner)
	return nil
}

// identityFailed applies the read-path policy for a failed identity check.
// A user this process has already confirmed is kept through a timeout
// (last-known-good); otherwise the session degrades to logged out. The
// backend session itself is left alone either way.
func (r *Reconciler) identityFailed(gen uint64, err error) error {
	r.mu.Lock()
	confirmed := r.phase == PhaseAuthenticated || r.phase == PhaseTokenRefreshing
	r.mu.Unlock()

	if errors.Is(err, apperror.ErrTimeout) && confirmed {
		r.logger.Warn("identity check timed out, keeping cached session",
			slog.String("error", err.Error()))
		r.commit(gen, PhaseAuthenticated)
		return err
	}

	r.logger.Error("identity check failed, treating as signed out",
		slog.String("error", err.Error()))
	if r.commit(gen, PhaseUnauthenticated) {
		r.store.clear()
	}
	return err
}

// loadPartner fetches the linked partner. Failure is logged and never
// blocks the primary user: the previously cached partner is kept if it is
// still the one linked, otherwise the partner is left empty.
func (r *Reconciler) loadPartner(ctx context.Context, user *model.User) *model.User {
	if !user.HasPartner() {
		return nil
	}
	partner, err := deadline.Run(ctx, r.timeout, "partner fetch", func(ctx context.Context) (*model.User, error) {
		return r.gw.Profile(ctx, user.PartnerID)
	})
	if err != nil {
		r.logger.Warn("partner fetch failed",
			slog.String("partner_id", user.PartnerID),
			slog.String("error", err.Error()),
		)
		if cached := r.store.Snapshot().Partner; cached != nil && cached.ID == user.PartnerID {
			return cached
		}
		return nil
	}
	if partner.PartnerID != user.ID {
		// Pairing in progress on the other side; it settles on a later refetch.
		r.logger.Info("partner link is not reciprocal yet",
			slog.String("user_id", user.ID),
			slog.String("partner_id", partner.ID),
		)
	}
	return partner
}

func (r *Reconciler) onEvent(e gateway.IdentityEvent) {
	snap := r.store.Snapshot()
	hasUser := snap.User != nil && (e.Identity == nil || snap.User.ID == e.Identity.ID)

	r.mu.Lock()
	next, act := decide(r.phase, hasUser, e.Kind)
	r.phase = next
	if act == actClear {
		r.gen++
	}
	spawn := act == actRefetch && !r.closed
	if spawn {
		r.wg.Add(1)
	}
	r.mu.Unlock()

	r.logger.Debug("identity event",
		slog.String("kind", string(e.Kind)),
		slog.String("phase", next.String()),
	)

	switch {
	case act == actClear:
		r.store.clear()
		r.store.setLoading(false)
	case spawn:
		go func() {
			defer r.wg.Done()
			if err := r.Refetch(context.Background()); err != nil {
				r.logger.Warn("event-triggered refetch failed",
					slog.String("kind", string(e.Kind)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// Close stops reacting to identity events and waits for refetches they
// started.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	unsub := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	r.wg.Wait()
}

// ---------------------------------------------------------------------------
// Explicit user actions. Unlike background reconciliation these return typed
// errors for the caller to show.
// ---------------------------------------------------------------------------

// SignInWithEmail asks the backend to send a one-time sign-in code.
func (r *Reconciler) SignInWithEmail(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if !strings.Contains(email, "@") {
		return apperror.ValidationFailed("email", "a valid email address is required")
	}
	_, err := deadline.Run(ctx, r.timeout, "sign-in request", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.gw.SignInWithEmail(ctx, email)
	})
	return err
}

// VerifyEmailCode completes an email sign-in and loads the session.
func (r *Reconciler) VerifyEmailCode(ctx context.Context, email, code string) error {
	_, err := deadline.Run(ctx, r.timeout, "code verification", func(ctx context.Context) (*gateway.Identity, error) {
		return r.gw.VerifyEmailCode(ctx, strings.TrimSpace(email), strings.TrimSpace(code))
	})
	if err != nil {
		return err
	}
	return r.Refetch(ctx)
}

// SignInWithProvider returns the URL that starts a third-party sign-in.
func (r *Reconciler) SignInWithProvider(ctx context.Context, redirectTo string) (string, error) {
	return r.gw.ProviderSignInURL(ctx, redirectTo)
}

// CompleteProviderSignIn exchanges the code the provider flow redirected
// back with and loads the session.
func (r *Reconciler) CompleteProviderSignIn(ctx context.Context, code, redirectTo string) error {
	_, err := deadline.Run(ctx, r.timeout, "code exchange", func(ctx context.Context) (*gateway.Identity, error) {
		return r.gw.ExchangeAuthCode(ctx, code, redirectTo)
	})
	if err != nil {
		return err
	}
	return r.Refetch(ctx)
}

// SignOut ends the session. The local state is cleared even when the backend
// cannot be reached, so SignOut never fails; the remote error is logged.
func (r *Reconciler) SignOut(ctx context.Context) error {
	r.mu.Lock()
	r.gen++
	r.phase = PhaseUnauthenticated
	r.mu.Unlock()

	_, err := deadline.Run(ctx, r.timeout, "sign out", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.gw.SignOut(ctx)
	})
	if err != nil {
		r.logger.Warn("remote sign-out failed, cleared local session anyway",
			slog.String("error", err.Error()))
	}
	r.store.clear()
	r.store.setLoading(false)
	return nil
}

// PairWithPartner links the current user with the owner of code. On success
// the session is refetched so the partner is present when it returns.
func (r *Reconciler) PairWithPartner(ctx context.Context, code string) error {
	code, err := model.NormalizePairingCode(code)
	if err != nil {
		return err
	}
	if r.store.Snapshot().User == nil {
		return apperror.NotAuthenticated()
	}

	res, err := r.call(ctx, gateway.ProcPairUsers, map[string]any{"partner_code_input": code})
	if err != nil {
		return err
	}
	if err := r.Refetch(ctx); err != nil {
		// The link exists on the backend; the next refetch will show it.
		r.logger.Warn("refetch after pairing failed", slog.String("error", err.Error()))
	}
	r.logger.Info("paired with partner", slog.Any("data", res.Data))
	return nil
}

// RequestPairing sends a pairing request the other user must accept.
func (r *Reconciler) RequestPairing(ctx context.Context, code string) error {
	code, err := model.NormalizePairingCode(code)
	if err != nil {
		return err
	}
	if r.store.Snapshot().User == nil {
		return apperror.NotAuthenticated()
	}
	_, err = r.call(ctx, gateway.ProcRequestPairing, map[string]any{"partner_code_input": code})
	return err
}

// UnpairPartner removes the partner link on both sides. If the backend has
// no unpair procedure, only the local side is cleared and the degraded state
// is logged: the former partner still points at this user until it is
// corrected server-side.
func (r *Reconciler) UnpairPartner(ctx context.Context) error {
	snap := r.store.Snapshot()
	if snap.User == nil {
		return apperror.NotAuthenticated()
	}
	if !snap.User.HasPartner() {
		return nil
	}

	_, err := r.call(ctx, gateway.ProcUnpairUsers, map[string]any{"user_id": snap.User.ID})
	switch {
	case errors.Is(err, apperror.ErrUnavailable):
		r.logger.Warn("unpair procedure unavailable, clearing only the local partner link",
			slog.String("user_id", snap.User.ID),
			slog.String("partner_id", snap.User.PartnerID),
		)
		u, err := deadline.Run(ctx, r.timeout, "profile update", func(ctx context.Context) (*model.User, error) {
			return r.gw.UpdateProfile(ctx, snap.User.ID, gateway.ProfilePatch{ClearPartner: true})
		})
		if err != nil {
			return fmt.Errorf("session: clearing partner: %w", err)
		}
		r.store.set(u, nil)
		return nil
	case err != nil:
		return err
	}

	user := *snap.User
	user.PartnerID = ""
	r.store.set(&user, nil)
	if err := r.Refetch(ctx); err != nil {
		r.logger.Warn("refetch after unpairing failed", slog.String("error", err.Error()))
	}
	return nil
}

// UpdatePreferences changes the presentation preferences on the profile.
func (r *Reconciler) UpdatePreferences(ctx context.Context, theme model.Theme, fontSize model.FontSize) error {
	if err := model.ValidateTheme(theme); err != nil {
		return err
	}
	if err := model.ValidateFontSize(fontSize); err != nil {
		return err
	}
	snap := r.store.Snapshot()
	if snap.User == nil {
		return apperror.NotAuthenticated()
	}

	u, err := deadline.Run(ctx, r.timeout, "profile update", func(ctx context.Context) (*model.User, error) {
		return r.gw.UpdateProfile(ctx, snap.User.ID, gateway.ProfilePatch{Theme: &theme, FontSize: &fontSize})
	})
	if err != nil {
		return err
	}
	r.store.set(u, r.store.Snapshot().Partner)
	return nil
}

// call runs a remote procedure and turns a refusal into a typed error.
func (r *Reconciler) call(ctx context.Context, name string, args map[string]any) (*gateway.RPCResult, error) {
	res, err := deadline.Run(ctx, r.timeout, name, func(ctx context.Context) (*gateway.RPCResult, error) {
		return r.gw.CallRemoteProcedure(ctx, name, args)
	})
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, refusal(res)
	}
	return res, nil
}

func refusal(res *gateway.RPCResult) error {
	msg := res.Message
	switch res.ErrorCode {
	case gateway.CodeInvalidCode:
		if msg == "" {
			msg = "no user has that pairing code"
		}
		return apperror.InvalidCode(msg, false)
	case gateway.CodeSelfPairing:
		if msg == "" {
			msg = "you cannot pair with yourself"
		}
		return apperror.InvalidCode(msg, false)
	case gateway.CodeAlreadyPaired:
		if msg == "" {
			msg = "that user already has a partner"
		}
		return apperror.AlreadyPaired(msg)
	case gateway.CodeNotAuthenticated:
		return apperror.NotAuthenticated()
	case gateway.CodeNotFound:
		return &apperror.AppError{Err: apperror.ErrNotFound, Message: msg}
	}
	if msg == "" {
		msg = "procedure refused the request"
	}
	return &apperror.AppError{Err: apperror.ErrConflict, Message: msg}
}
