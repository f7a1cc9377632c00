package rest

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/xid"
	"golang.org/x/oauth2"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/store"
)

// tokenResponse is what /auth/v1/verify returns. /auth/v1/token returns the
// same shape, but that endpoint is driven through oauth2.Config.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (t tokenResponse) oauth2() *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// identityClaims mirrors the claims the backend puts in its access tokens.
type identityClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// identityFromToken reads the identity out of an access token without
// verifying its signature. The client cannot verify (it has no secret) and
// does not need to: the backend verifies on every request. This is only used
// to announce who a restored or refreshed session belongs to.
func identityFromToken(tok *oauth2.Token) *gateway.Identity {
	if tok == nil || tok.AccessToken == "" {
		return nil
	}
	var c identityClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tok.AccessToken, &c); err != nil {
		return nil
	}
	if c.Subject == "" {
		return nil
	}
	id := &gateway.Identity{ID: c.Subject, Email: c.Email}
	if c.ExpiresAt != nil {
		id.ExpiresAt = c.ExpiresAt.Time
	}
	return id
}

func (c *Client) SubscribeIdentityEvents(handler func(gateway.IdentityEvent)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = handler
	tok := c.token
	c.mu.Unlock()

	// Like the hosted auth SDKs, a new subscriber is told about the session
	// that already exists.
	if ident := identityFromToken(tok); ident != nil {
		handler(gateway.IdentityEvent{Kind: gateway.InitialSession, Identity: ident})
	}

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) emit(kind gateway.EventKind, ident *gateway.Identity) {
	c.mu.Lock()
	hs := make([]func(gateway.IdentityEvent), 0, len(c.listeners))
	for _, h := range c.listeners {
		hs = append(hs, h)
	}
	c.mu.Unlock()

	c.logger.Debug("identity event", slog.String("kind", string(kind)))
	for _, h := range hs {
		h(gateway.IdentityEvent{Kind: kind, Identity: ident})
	}
}

func (c *Client) setToken(tok *oauth2.Token) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	if err := c.persist.Save(store.KeyAuthToken, tok); err != nil {
		c.logger.Error("persisting auth token", slog.String("error", err.Error()))
	}
}

// clearToken forgets the session and reports whether there was one.
func (c *Client) clearToken() bool {
	c.mu.Lock()
	had := c.token != nil
	c.token = nil
	c.mu.Unlock()
	if err := c.persist.Delete(store.KeyAuthToken); err != nil {
		c.logger.Error("deleting auth token", slog.String("error", err.Error()))
	}
	return had
}

// accessToken returns a usable access token, refreshing an expired one.
// An empty string with a nil error means nobody is signed in.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	cur := c.token
	c.mu.Unlock()
	if cur == nil {
		return "", nil
	}
	if cur.Valid() {
		return cur.AccessToken, nil
	}
	return c.refresh(ctx, cur)
}

func (c *Client) refresh(ctx context.Context, stale *oauth2.Token) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	cur := c.token
	c.mu.Unlock()
	if cur == nil {
		return "", apperror.Auth("signed out during refresh")
	}
	if cur.AccessToken != stale.AccessToken && cur.Valid() {
		return cur.AccessToken, nil
	}
	if cur.RefreshToken == "" {
		if c.clearToken() {
			c.emit(gateway.SignedOut, nil)
		}
		return "", apperror.Auth("session expired")
	}

	octx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	fresh, err := c.oauth.TokenSource(octx, cur).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < http.StatusInternalServerError {
			if c.clearToken() {
				c.emit(gateway.SignedOut, nil)
			}
			return "", apperror.Auth("session expired")
		}
		return "", apperror.Auth("refreshing session: " + err.Error())
	}

	c.setToken(fresh)
	c.emit(gateway.TokenRefreshed, identityFromToken(fresh))
	return fresh.AccessToken, nil
}

type identityResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

func (c *Client) CurrentIdentity(ctx context.Context) (*gateway.Identity, error) {
	c.mu.Lock()
	signedIn := c.token != nil
	c.mu.Unlock()
	if !signedIn {
		return nil, nil
	}

	var ir identityResponse
	if err := c.do(ctx, http.MethodGet, "/auth/v1/user", nil, nil, &ir); err != nil {
		if errors.Is(err, apperror.ErrTimeout) || errors.Is(err, apperror.ErrAuth) {
			return nil, err
		}
		return nil, apperror.Auth("checking identity: " + err.Error())
	}
	if ir.ID == "" {
		return nil, apperror.Auth("identity response has no id")
	}

	ident := &gateway.Identity{ID: ir.ID, Email: ir.Email}
	c.mu.Lock()
	if c.token != nil {
		ident.ExpiresAt = c.token.Expiry
	}
	c.mu.Unlock()
	return ident, nil
}

func (c *Client) SignInWithEmail(ctx context.Context, email string) error {
	body := map[string]string{"email": email}
	return c.do(ctx, http.MethodPost, "/auth/v1/otp", nil, body, nil)
}

func (c *Client) VerifyEmailCode(ctx context.Context, email, code string) (*gateway.Identity, error) {
	var tr tokenResponse
	body := map[string]string{"email": email, "code": code}
	if err := c.do(ctx, http.MethodPost, "/auth/v1/verify", nil, body, &tr); err != nil {
		return nil, err
	}
	return c.signedIn(tr.oauth2())
}

// ProviderSignInURL returns the URL that starts the third-party login. The
// backend redirects back to redirectTo with ?code=...&state=... once the
// provider approves.
func (c *Client) ProviderSignInURL(_ context.Context, redirectTo string) (string, error) {
	if _, err := url.Parse(redirectTo); err != nil || redirectTo == "" {
		return "", apperror.ValidationFailed("redirect_to", "a valid redirect url is required")
	}
	cfg := *c.oauth
	cfg.RedirectURL = redirectTo
	return cfg.AuthCodeURL(xid.New().String()), nil
}

func (c *Client) ExchangeAuthCode(ctx context.Context, code, redirectTo string) (*gateway.Identity, error) {
	cfg := *c.oauth
	cfg.RedirectURL = redirectTo
	octx := context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.Exchange(octx, code)
	if err != nil {
		return nil, apperror.Auth("exchanging authorization code: " + err.Error())
	}
	return c.signedIn(tok)
}

func (c *Client) signedIn(tok *oauth2.Token) (*gateway.Identity, error) {
	ident := identityFromToken(tok)
	if ident == nil {
		return nil, apperror.Auth("backend returned an unreadable access token")
	}
	c.setToken(tok)
	c.emit(gateway.SignedIn, ident)
	return ident, nil
}

// SignOut revokes the session on the backend and forgets it locally. The
// local half always happens; the returned error only reports the remote half.
func (c *Client) SignOut(ctx context.Context) error {
	c.mu.Lock()
	tok := c.token
	c.mu.Unlock()

	var remoteErr error
	if tok != nil {
		body := map[string]string{"refresh_token": tok.RefreshToken}
		remoteErr = c.do(ctx, http.MethodPost, "/auth/v1/logout", nil, body, nil)
	}
	if c.clearToken() {
		c.emit(gateway.SignedOut, nil)
	}
	return remoteErr
}

// SyncToken adopts the token another process on this machine persisted, as
// when one tab signs in or out under another. It is called after the
// persisted token changed; the new token is not written back.
func (c *Client) SyncToken() {
	var tok oauth2.Token
	found, err := c.persist.Load(store.KeyAuthToken, &tok)
	if err != nil {
		c.logger.Warn("reading shared auth token", slog.String("error", err.Error()))
		return
	}

	c.mu.Lock()
	prev := c.token
	if !found || tok.AccessToken == "" {
		c.token = nil
	} else {
		c.token = &tok
	}
	next := c.token
	c.mu.Unlock()

	before, after := identityFromToken(prev), identityFromToken(next)
	switch {
	case after == nil && prev != nil:
		c.emit(gateway.SignedOut, nil)
	case after == nil:
	case before == nil || before.ID != after.ID:
		c.emit(gateway.SignedIn, after)
	}
	// Same user with a rotated token: adopt it quietly, the other process
	// already refreshed.
}
