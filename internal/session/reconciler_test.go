package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/store"
)

var (
	ana = model.User{ID: "u1", Email: "ana@example.com", Name: "ana", PairingCode: "ANA111", Theme: model.ThemeOcean, FontSize: model.FontNormal}
	bo  = model.User{ID: "u2", Email: "bo@example.com", Name: "bo", PairingCode: "BOB222", Theme: model.ThemeOcean, FontSize: model.FontNormal}
	cy  = model.User{ID: "u3", Email: "cy@example.com", Name: "cy", PairingCode: "CYC333", Theme: model.ThemeOcean, FontSize: model.FontNormal}
)

func newTestReconciler(t *testing.T, gw *fakeGateway, timeout time.Duration) *Reconciler {
	t.Helper()
	st := NewStore(store.NewMemoryStore(), testLogger())
	r := NewReconciler(gw, st, testLogger(), timeout)
	t.Cleanup(r.Close)
	return r
}

func paired(a, b model.User) (model.User, model.User) {
	a.PartnerID, b.PartnerID = b.ID, a.ID
	return a, b
}

// =========================================================================
// INITIALIZE / REFETCH
// =========================================================================

func TestInitialize_LoadsUserAndPartner(t *testing.T) {
	gw := newFakeGateway()
	a, b := paired(ana, bo)
	gw.addUser(a)
	gw.addUser(b)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)

	require.NoError(t, r.Initialize(context.Background()))

	s := r.Store().Snapshot()
	require.NotNil(t, s.User)
	require.NotNil(t, s.Partner)
	assert.Equal(t, "u1", s.User.ID)
	assert.Equal(t, "u2", s.Partner.ID)
	assert.True(t, s.IsAuthenticated)
	assert.False(t, s.IsLoading)
	assert.Equal(t, PhaseAuthenticated, r.Phase())
}

func TestInitialize_NoIdentityIsLoggedOut(t *testing.T) {
	gw := newFakeGateway()
	r := newTestReconciler(t, gw, time.Second)

	require.NoError(t, r.Initialize(context.Background()))

	assert.Equal(t, Session{}, r.Store().Snapshot())
	assert.Equal(t, PhaseUnauthenticated, r.Phase())
}

func TestInitialize_IsIdempotent(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)

	for range 3 {
		require.NoError(t, r.Initialize(context.Background()))
	}

	assert.Equal(t, int32(1), gw.subscribes.Load())
	assert.Equal(t, int32(1), gw.identityCalls.Load())
}

func TestRefetch_ConcurrentCallsShareOneFetch(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	gw.hang = make(chan struct{})
	r := newTestReconciler(t, gw, 5*time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- r.Refetch(context.Background())
	}()
	require.Eventually(t, func() bool { return gw.identityCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	for range 9 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Refetch(context.Background())
		}()
	}
	// Give the late callers time to attach to the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(gw.hang)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), gw.identityCalls.Load())
	assert.Equal(t, int32(1), gw.profileCalls.Load())
	assert.Equal(t, "u1", r.Store().Snapshot().User.ID)
}

func TestInitialize_HangingIdentityClearsLoading(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	gw.hang = make(chan struct{})
	defer close(gw.hang)

	ms := store.NewMemoryStore()
	// A cached user from a previous run must not keep the UI waiting either.
	require.NoError(t, ms.Save(store.KeySession, persisted{User: &ana}))
	st := NewStore(ms, testLogger())
	require.True(t, st.Snapshot().IsLoading)

	r := NewReconciler(gw, st, testLogger(), 50*time.Millisecond)
	defer r.Close()

	start := time.Now()
	err := r.Initialize(context.Background())

	assert.ErrorIs(t, err, apperror.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	s := st.Snapshot()
	assert.False(t, s.IsLoading)
	assert.False(t, s.IsAuthenticated)
	assert.Nil(t, s.User)
}

func TestRefetch_TimeoutKeepsConfirmedUser(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, 50*time.Millisecond)
	require.NoError(t, r.Initialize(context.Background()))

	gw.mu.Lock()
	gw.hang = make(chan struct{})
	gw.mu.Unlock()
	defer close(gw.hang)

	err := r.Refetch(context.Background())

	assert.ErrorIs(t, err, apperror.ErrTimeout)
	s := r.Store().Snapshot()
	require.NotNil(t, s.User)
	assert.Equal(t, "u1", s.User.ID)
	assert.False(t, s.IsLoading)
}

func TestRefetch_ProfileFailureLeavesSessionAsIs(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	gw.mu.Lock()
	gw.failIDs["u1"] = true
	gw.mu.Unlock()

	err := r.Refetch(context.Background())

	assert.ErrorIs(t, err, apperror.ErrDB)
	s := r.Store().Snapshot()
	require.NotNil(t, s.User)
	assert.Equal(t, "u1", s.User.ID)
	assert.False(t, s.IsLoading)
}

func TestRefetch_PartnerFailureDoesNotBlockUser(t *testing.T) {
	gw := newFakeGateway()
	a, b := paired(ana, bo)
	gw.addUser(a)
	gw.addUser(b)
	gw.failIDs["u2"] = true
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)

	require.NoError(t, r.Initialize(context.Background()))

	s := r.Store().Snapshot()
	require.NotNil(t, s.User)
	assert.Equal(t, "u2", s.User.PartnerID)
	assert.Nil(t, s.Partner)
}

func TestRefetch_ToleratesOneSidedLink(t *testing.T) {
	gw := newFakeGateway()
	a := ana
	a.PartnerID = "u2"
	gw.addUser(a)
	gw.addUser(bo) // bo does not point back yet
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)

	require.NoError(t, r.Initialize(context.Background()))

	s := r.Store().Snapshot()
	require.NotNil(t, s.Partner)
	assert.Equal(t, "u2", s.Partner.ID)
}

// =========================================================================
// IDENTITY EVENTS
// =========================================================================

func TestEvents_SignedInWithUserLoadedDoesNotRefetch(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	gw.fire(gateway.IdentityEvent{Kind: gateway.SignedIn, Identity: &gateway.Identity{ID: "u1"}})
	gw.fire(gateway.IdentityEvent{Kind: gateway.InitialSession, Identity: &gateway.Identity{ID: "u1"}})
	r.wg.Wait()

	assert.Equal(t, int32(1), gw.identityCalls.Load())
}

func TestEvents_TokenRefreshedRefetches(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	gw.mu.Lock()
	gw.users["u1"].Name = "Ana Maria"
	gw.mu.Unlock()
	gw.fire(gateway.IdentityEvent{Kind: gateway.TokenRefreshed, Identity: &gateway.Identity{ID: "u1"}})
	r.wg.Wait()

	assert.Equal(t, int32(2), gw.identityCalls.Load())
	assert.Equal(t, "Ana Maria", r.Store().Snapshot().User.Name)
	assert.Equal(t, PhaseAuthenticated, r.Phase())
}

func TestEvents_SignedOutClearsAndStopsReconciling(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	gw.fire(gateway.IdentityEvent{Kind: gateway.SignedOut})
	assert.Equal(t, Session{}, r.Store().Snapshot())

	gw.fire(gateway.IdentityEvent{Kind: gateway.TokenRefreshed, Identity: &gateway.Identity{ID: "u1"}})
	r.wg.Wait()
	assert.Equal(t, int32(1), gw.identityCalls.Load())
	assert.Nil(t, r.Store().Snapshot().User)

	gw.fire(gateway.IdentityEvent{Kind: gateway.SignedIn, Identity: &gateway.Identity{ID: "u1"}})
	r.wg.Wait()
	assert.Equal(t, int32(2), gw.identityCalls.Load())
	assert.Equal(t, "u1", r.Store().Snapshot().User.ID)
}

func TestSignOut_LateResultIsDiscarded(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	gw.hang = make(chan struct{})
	r := newTestReconciler(t, gw, 5*time.Second)

	done := make(chan error, 1)
	go func() { done <- r.Refetch(context.Background()) }()
	require.Eventually(t, func() bool { return gw.identityCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Sign out while the identity check is still in flight. The fake keeps
	// answering with the old identity once released.
	gw.mu.Lock()
	id := *gw.identity
	gw.mu.Unlock()
	require.NoError(t, r.SignOut(context.Background()))
	gw.mu.Lock()
	gw.identity = &id
	gw.mu.Unlock()

	close(gw.hang)
	require.NoError(t, <-done)

	assert.Equal(t, Session{}, r.Store().Snapshot())
}

// A sign-in right after a sign-out must not ride on the reconciliation that
// was already running when the user signed out.
func TestSignOut_NextSignInStartsFreshReconciliation(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	gw.hang = make(chan struct{})
	r := newTestReconciler(t, gw, 5*time.Second)

	stale := make(chan error, 1)
	go func() { stale <- r.Refetch(context.Background()) }()
	require.Eventually(t, func() bool { return gw.identityCalls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, r.SignOut(context.Background()))

	signedIn := make(chan error, 1)
	go func() { signedIn <- r.VerifyEmailCode(context.Background(), "ana@example.com", "123456") }()
	require.Eventually(t, func() bool { return gw.identityCalls.Load() == 2 }, time.Second, 5*time.Millisecond,
		"sign-in should start its own identity check")

	close(gw.hang)
	require.NoError(t, <-stale)
	require.NoError(t, <-signedIn)

	snap := r.Store().Snapshot()
	require.NotNil(t, snap.User)
	assert.Equal(t, "u1", snap.User.ID)
	assert.True(t, snap.IsAuthenticated)
	assert.False(t, snap.IsLoading)
	assert.Equal(t, PhaseAuthenticated, r.Phase())
}

// =========================================================================
// SIGN OUT
// =========================================================================

func TestSignOut_AlwaysEndsLoggedOut(t *testing.T) {
	tests := []struct {
		name      string
		remoteErr error
	}{
		{"remote succeeds", nil},
		{"remote fails", apperror.DB("logout", nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			a, b := paired(ana, bo)
			gw.addUser(a)
			gw.addUser(b)
			gw.signIn("u1")
			gw.signOut = tt.remoteErr
			r := newTestReconciler(t, gw, time.Second)
			require.NoError(t, r.Initialize(context.Background()))

			err := r.SignOut(context.Background())

			assert.NoError(t, err)
			assert.Equal(t, Session{User: nil, Partner: nil, IsAuthenticated: false, IsLoading: false}, r.Store().Snapshot())
			assert.Equal(t, PhaseUnauthenticated, r.Phase())
		})
	}
}

// =========================================================================
// PAIRING
// =========================================================================

func TestPairWithPartner(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		signIn  bool
		wantErr error
	}{
		{"lowercase code with spaces", "  bob222 ", true, nil},
		{"malformed code", "B0B", true, apperror.ErrValidation},
		{"unknown code", "ZZZ999", true, apperror.ErrInvalidCode},
		{"own code", "ANA111", true, apperror.ErrInvalidCode},
		{"target already paired", "CYC333", true, apperror.ErrAlreadyPaired},
		{"nobody signed in", "BOB222", false, apperror.ErrNotAuthenticated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gw := newFakeGateway()
			gw.rpc = gw.pairByCode
			c := cy
			c.PartnerID = "u9"
			gw.addUser(ana)
			gw.addUser(bo)
			gw.addUser(c)
			if tt.signIn {
				gw.signIn("u1")
			}
			r := newTestReconciler(t, gw, time.Second)
			require.NoError(t, r.Initialize(context.Background()))

			err := r.PairWithPartner(context.Background(), tt.code)

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			s := r.Store().Snapshot()
			require.NotNil(t, s.Partner)
			assert.Equal(t, "u2", s.Partner.ID)
			assert.Equal(t, "u2", s.User.PartnerID)
		})
	}
}

func TestPairWithPartner_AlreadyPairedLeavesBothUnchanged(t *testing.T) {
	gw := newFakeGateway()
	gw.rpc = gw.pairByCode
	b, c := paired(bo, cy)
	gw.addUser(ana)
	gw.addUser(b)
	gw.addUser(c)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	err := r.PairWithPartner(context.Background(), "BOB222")
	require.ErrorIs(t, err, apperror.ErrAlreadyPaired)

	me, _ := gw.Profile(context.Background(), "u1")
	target, _ := gw.Profile(context.Background(), "u2")
	assert.Empty(t, me.PartnerID)
	assert.Equal(t, "u3", target.PartnerID)
}

func TestUnpairPartner_ClearsBothSides(t *testing.T) {
	gw := newFakeGateway()
	gw.rpc = gw.pairByCode
	a, b := paired(ana, bo)
	gw.addUser(a)
	gw.addUser(b)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.UnpairPartner(context.Background()))

	s := r.Store().Snapshot()
	assert.Nil(t, s.Partner)
	assert.Empty(t, s.User.PartnerID)
	me, _ := gw.Profile(context.Background(), "u1")
	former, _ := gw.Profile(context.Background(), "u2")
	assert.Empty(t, me.PartnerID)
	assert.Empty(t, former.PartnerID)
}

func TestUnpairPartner_FallsBackToLocalSide(t *testing.T) {
	gw := newFakeGateway() // no rpc: every procedure is unavailable
	a, b := paired(ana, bo)
	gw.addUser(a)
	gw.addUser(b)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	require.NoError(t, r.UnpairPartner(context.Background()))

	assert.Nil(t, r.Store().Snapshot().Partner)
	me, _ := gw.Profile(context.Background(), "u1")
	former, _ := gw.Profile(context.Background(), "u2")
	assert.Empty(t, me.PartnerID)
	assert.Equal(t, "u1", former.PartnerID, "degraded mode leaves the other side set")
}

func TestUpdatePreferences(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	gw.signIn("u1")
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))

	err := r.UpdatePreferences(context.Background(), "neon", model.FontLarge)
	assert.ErrorIs(t, err, apperror.ErrValidation)

	require.NoError(t, r.UpdatePreferences(context.Background(), model.ThemeMidnight, model.FontLarge))
	u := r.Store().Snapshot().User
	assert.Equal(t, model.ThemeMidnight, u.Theme)
	assert.Equal(t, model.FontLarge, u.FontSize)
}

func TestVerifyEmailCode_LoadsSession(t *testing.T) {
	gw := newFakeGateway()
	gw.addUser(ana)
	r := newTestReconciler(t, gw, time.Second)
	require.NoError(t, r.Initialize(context.Background()))
	require.Nil(t, r.Store().Snapshot().User)

	assert.ErrorIs(t, r.SignInWithEmail(context.Background(), "not-an-email"), apperror.ErrValidation)
	require.NoError(t, r.SignInWithEmail(context.Background(), "ana@example.com"))
	require.NoError(t, r.VerifyEmailCode(context.Background(), "ana@example.com", "123456"))

	assert.Equal(t, "u1", r.Store().Snapshot().User.ID)
}
