package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGateway is an in-memory backend. Users live in a map; hang, when set,
// blocks identity checks until it is closed.
type fakeGateway struct {
	mu       sync.Mutex
	identity *gateway.Identity
	users    map[string]*model.User
	failIDs  map[string]bool
	hang     chan struct{}
	signOut  error
	rpc      func(name string, args map[string]any) (*gateway.RPCResult, error)
	handlers []func(gateway.IdentityEvent)

	identityCalls atomic.Int32
	profileCalls  atomic.Int32
	subscribes    atomic.Int32
	rpcCalls      []string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{users: make(map[string]*model.User), failIDs: make(map[string]bool)}
}

func (f *fakeGateway) addUser(u model.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[u.ID] = &u
}

func (f *fakeGateway) signIn(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identity = &gateway.Identity{ID: id, Email: id + "@example.com"}
}

func (f *fakeGateway) fire(e gateway.IdentityEvent) {
	f.mu.Lock()
	hs := append([]func(gateway.IdentityEvent){}, f.handlers...)
	f.mu.Unlock()
	for _, h := range hs {
		h(e)
	}
}

func (f *fakeGateway) CurrentIdentity(ctx context.Context) (*gateway.Identity, error) {
	f.identityCalls.Add(1)
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang != nil {
		select {
		case <-hang:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.identity == nil {
		return nil, nil
	}
	id := *f.identity
	return &id, nil
}

func (f *fakeGateway) SubscribeIdentityEvents(h func(gateway.IdentityEvent)) func() {
	f.subscribes.Add(1)
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.handlers = nil
		f.mu.Unlock()
	}
}

func (f *fakeGateway) SignInWithEmail(context.Context, string) error { return nil }

func (f *fakeGateway) VerifyEmailCode(_ context.Context, email, _ string) (*gateway.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Email == email {
			f.identity = &gateway.Identity{ID: u.ID, Email: email}
			return f.identity, nil
		}
	}
	return nil, apperror.Auth("bad code")
}

func (f *fakeGateway) ProviderSignInURL(context.Context, string) (string, error) {
	return "http://backend/auth/v1/authorize", nil
}

func (f *fakeGateway) ExchangeAuthCode(context.Context, string, string) (*gateway.Identity, error) {
	return nil, apperror.Auth("not supported")
}

func (f *fakeGateway) SignOut(context.Context) error {
	f.mu.Lock()
	f.identity = nil
	err := f.signOut
	f.mu.Unlock()
	return err
}

func (f *fakeGateway) Profile(_ context.Context, id string) (*model.User, error) {
	f.profileCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[id] {
		return nil, apperror.DB("fetching profile", nil)
	}
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	c := *u
	return &c, nil
}

func (f *fakeGateway) UpdateProfile(_ context.Context, id string, p gateway.ProfilePatch) (*model.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, apperror.NotFound("user", id)
	}
	if p.Theme != nil {
		u.Theme = *p.Theme
	}
	if p.FontSize != nil {
		u.FontSize = *p.FontSize
	}
	if p.ClearPartner {
		u.PartnerID = ""
	}
	c := *u
	return &c, nil
}

func (f *fakeGateway) CallRemoteProcedure(_ context.Context, name string, args map[string]any) (*gateway.RPCResult, error) {
	f.mu.Lock()
	f.rpcCalls = append(f.rpcCalls, name)
	rpc := f.rpc
	f.mu.Unlock()
	if rpc == nil {
		return nil, apperror.Unavailable(name)
	}
	return rpc(name, args)
}

// pairByCode is a pair_users implementation over the fake's user map with
// the same rules as the backend procedure.
func (f *fakeGateway) pairByCode(name string, args map[string]any) (*gateway.RPCResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch name {
	case gateway.ProcPairUsers:
		if f.identity == nil {
			return &gateway.RPCResult{ErrorCode: gateway.CodeNotAuthenticated}, nil
		}
		me := f.users[f.identity.ID]
		code, _ := args["partner_code_input"].(string)
		for _, u := range f.users {
			if u.PairingCode != code {
				continue
			}
			if u.ID == me.ID {
				return &gateway.RPCResult{ErrorCode: gateway.CodeSelfPairing}, nil
			}
			if u.PartnerID != "" || me.PartnerID != "" {
				return &gateway.RPCResult{ErrorCode: gateway.CodeAlreadyPaired}, nil
			}
			u.PartnerID, me.PartnerID = me.ID, u.ID
			return &gateway.RPCResult{Success: true, Data: map[string]any{"partner_id": u.ID}}, nil
		}
		return &gateway.RPCResult{ErrorCode: gateway.CodeInvalidCode}, nil
	case gateway.ProcUnpairUsers:
		me := f.users[f.identity.ID]
		if p, ok := f.users[me.PartnerID]; ok {
			p.PartnerID = ""
		}
		me.PartnerID = ""
		return &gateway.RPCResult{Success: true}, nil
	}
	return nil, apperror.Unavailable(name)
}
