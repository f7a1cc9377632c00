package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/auth"
	"github.com/sakif/duo-routine/internal/model"
	"github.com/sakif/duo-routine/internal/service"
)

const (
	stateCookie    = "oauth_state"
	redirectCookie = "duo_redirect"
	cookieMaxAge   = 600 // 10 minutes to approve on GitHub
)

// AuthFlows is the part of service.AuthService the handlers call.
type AuthFlows interface {
	RequestSignInCode(ctx context.Context, email string) error
	VerifySignInCode(ctx context.Context, email, code string) (*service.TokenPair, error)
	Refresh(ctx context.Context, refreshToken string) (*service.TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
	LoginGitHub(ctx context.Context, gh *auth.GitHubUser, redirectURI string) (string, error)
	ExchangeAuthCode(ctx context.Context, code, redirectURI string) (*service.TokenPair, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// IdentityProvider is the third-party login. *auth.GitHubProvider
// satisfies it.
type IdentityProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*auth.GitHubUser, error)
}

// AuthHandler serves /auth/v1.
//
// HANDLER RESPONSIBILITIES:
//   - HandleOTP, HandleVerify → emailed one-time code sign-in
//   - HandleToken             → OAuth2 token endpoint (refresh and code grants)
//   - HandleAuthorize         → start a GitHub login on behalf of a client
//   - HandleCallback          → finish it and hand the client a one-time code
//   - HandleUser, HandleLogout
//
// The GitHub leg is a small authorization server. The CLI opens
// /authorize with its own loopback redirect_uri and state; we remember both
// in a cookie, bounce the browser through GitHub, and on the way back
// redirect to the client with a code it trades at /token.
type AuthHandler struct {
	flows  AuthFlows
	github IdentityProvider // nil when GitHub login is not configured
	logger *slog.Logger
}

// NewAuthHandler creates an AuthHandler. github may be nil.
func NewAuthHandler(flows AuthFlows, github IdentityProvider, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{flows: flows, github: github, logger: logger}
}

// tokenResponse is the RFC 6749 section 5.1 shape, which golang.org/x/oauth2
// on the client decodes.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func newTokenResponse(p *service.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:  p.AccessToken,
		TokenType:    "bearer",
		RefreshToken: p.RefreshToken,
		ExpiresIn:    int64(p.ExpiresIn / time.Second),
	}
}

// HandleOTP emails a sign-in code.
//
// HTTP: POST /auth/v1/otp
// REQUEST BODY: {"email": "ana@example.com"}
func (h *AuthHandler) HandleOTP(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.flows.RequestSignInCode(r.Context(), req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "sign-in code sent"})
}

// HandleVerify trades an emailed code for a token pair.
//
// HTTP: POST /auth/v1/verify
// REQUEST BODY: {"email": "ana@example.com", "code": "123456"}
func (h *AuthHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
		Code  string `json:"code"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := h.flows.VerifySignInCode(r.Context(), req.Email, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

// HandleToken is the OAuth2 token endpoint.
//
// HTTP: POST /auth/v1/token (application/x-www-form-urlencoded)
//
//	grant_type=refresh_token&refresh_token=...
//	grant_type=authorization_code&code=...&redirect_uri=...
//
// Failures use the RFC 6749 error body, so the client's oauth2 library
// reports them as a RetrieveError.
func (h *AuthHandler) HandleToken(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, "invalid_request", "malformed form body")
		return
	}

	var (
		pair *service.TokenPair
		err  error
	)
	switch grant := r.PostForm.Get("grant_type"); grant {
	case "refresh_token":
		pair, err = h.flows.Refresh(r.Context(), r.PostForm.Get("refresh_token"))
	case "authorization_code":
		pair, err = h.flows.ExchangeAuthCode(r.Context(), r.PostForm.Get("code"), r.PostForm.Get("redirect_uri"))
	default:
		writeOAuthError(w, "unsupported_grant_type", "unsupported grant_type "+grant)
		return
	}
	if err != nil {
		if errors.Is(err, apperror.ErrAuth) {
			writeOAuthError(w, "invalid_grant", err.Error())
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, newTokenResponse(pair))
}

func writeOAuthError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error":             code,
		"error_description": description,
		"message":           description,
	})
}

// HandleUser returns the identity behind the bearer token.
//
// HTTP: GET /auth/v1/user
// Auth: Required
func (h *AuthHandler) HandleUser(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, apperror.Auth("valid authentication required"))
		return
	}
	user, err := h.flows.GetUserByID(r.Context(), userID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			// A valid token for a deleted account is a dead session.
			writeError(w, apperror.Auth("account no longer exists"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": user.ID, "email": user.Email})
}

// HandleLogout revokes a refresh token.
//
// HTTP: POST /auth/v1/logout
// REQUEST BODY: {"refresh_token": "..."}
//
// The access token stays valid until it expires (15 min by default). That
// is the usual trade for stateless JWTs.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := h.flows.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// HandleAuthorize starts a GitHub login for a client.
//
// HTTP: GET /auth/v1/authorize?client_id=...&redirect_uri=...&response_type=code&state=...
//
// CSRF PROTECTION VIA STATE:
// We mint our own state for the GitHub leg and keep it in an HttpOnly
// cookie next to the client's redirect_uri and state. The callback only
// proceeds if GitHub echoes the cookie's state back.
func (h *AuthHandler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:   "unavailable",
			Message: "GitHub sign-in is not configured on this server",
		})
		return
	}

	q := r.URL.Query()
	if q.Get("response_type") != "code" {
		writeError(w, apperror.ValidationFailed("response_type", "response_type must be code"))
		return
	}
	if q.Get("client_id") == "" {
		writeError(w, apperror.ValidationFailed("client_id", "client_id is required"))
		return
	}
	redirectURI := q.Get("redirect_uri")
	if !isLoopbackRedirect(redirectURI) {
		writeError(w, apperror.ValidationFailed("redirect_uri", "redirect_uri must be an http loopback address"))
		return
	}

	state := xid.New().String()
	setShortCookie(w, stateCookie, state)
	setShortCookie(w, redirectCookie, url.Values{
		"redirect_uri": {redirectURI},
		"state":        {q.Get("state")},
	}.Encode())

	h.logger.Info("starting GitHub sign-in", slog.String("clientID", q.Get("client_id")))
	http.Redirect(w, r, h.github.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleCallback finishes the GitHub leg.
//
// HTTP: GET /auth/v1/callback?code=xxx&state=yyy
//
// FLOW:
//  1. Validate the state parameter (CSRF check)
//  2. Exchange the GitHub code for a GitHub profile
//  3. Link or create the user and mint a one-time code
//  4. Redirect to the client's redirect_uri with that code and its state
func (h *AuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if h.github == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{
			Error:   "unavailable",
			Message: "GitHub sign-in is not configured on this server",
		})
		return
	}

	// --- Step 1: Validate CSRF state ---
	sc, err := r.Cookie(stateCookie)
	if err != nil || sc.Value == "" || r.URL.Query().Get("state") != sc.Value {
		h.logger.Warn("auth callback: state mismatch")
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}
	rc, err := r.Cookie(redirectCookie)
	if err != nil {
		writeError(w, apperror.ValidationFailed("state", "sign-in session expired, start again"))
		return
	}
	client, err := url.ParseQuery(rc.Value)
	if err != nil || !isLoopbackRedirect(client.Get("redirect_uri")) {
		writeError(w, apperror.ValidationFailed("redirect_uri", "sign-in session is corrupt, start again"))
		return
	}
	// Both cookies are single-use.
	clearCookie(w, stateCookie)
	clearCookie(w, redirectCookie)

	redirectURI := client.Get("redirect_uri")
	back := url.Values{"state": {client.Get("state")}}

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		h.logger.Info("auth callback: user denied authorization", slog.String("error", errParam))
		back.Set("error", "access_denied")
		http.Redirect(w, r, withQuery(redirectURI, back), http.StatusSeeOther)
		return
	}

	// --- Step 2: Exchange code for GitHub user profile ---
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}
	ghUser, err := h.github.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Error("auth callback: GitHub exchange failed", slog.String("error", err.Error()))
		back.Set("error", "server_error")
		http.Redirect(w, r, withQuery(redirectURI, back), http.StatusSeeOther)
		return
	}

	// --- Step 3: Link the user, mint a code bound to redirectURI ---
	authCode, err := h.flows.LoginGitHub(r.Context(), ghUser, redirectURI)
	if err != nil {
		h.logger.Error("auth callback: login failed",
			slog.Int64("githubID", ghUser.ID),
			slog.String("error", err.Error()),
		)
		back.Set("error", "server_error")
		http.Redirect(w, r, withQuery(redirectURI, back), http.StatusSeeOther)
		return
	}

	// --- Step 4: Back to the client ---
	back.Set("code", authCode)
	http.Redirect(w, r, withQuery(redirectURI, back), http.StatusSeeOther)
}

func setShortCookie(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/auth/v1/",
		MaxAge:   cookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/auth/v1/", MaxAge: -1})
}

// isLoopbackRedirect accepts only http://127.0.0.1, ::1 or localhost. The
// only clients are CLIs listening on this machine, so a code can never be
// sent anywhere else.
func isLoopbackRedirect(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" || u.User != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func withQuery(raw string, v url.Values) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	for k, vs := range v {
		q[k] = vs
	}
	u.RawQuery = q.Encode()
	return u.String()
}
