// Package rest implements gateway.Gateway against the backend's HTTP API.
//
// REQUEST FLOW:
//  1. A caller invokes e.g. QueryTaskLogs(ctx, userID, date)
//  2. do() asks the token source for a valid access token, refreshing it
//     with the stored refresh token if it has expired
//  3. The request goes out with "Authorization: Bearer <access token>"
//  4. The status code is mapped back onto the apperror taxonomy, so callers
//     branch with errors.Is exactly as they would on a local error
//  5. Rows are decoded into model types and validated; malformed rows are
//     logged and dropped here, at the boundary, and never reach a store
//
// The access/refresh token pair is persisted under store.KeyAuthToken so a
// restarted process (a new "tab") resumes the session without signing in.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/sakif/duo-routine/internal/apperror"
	"github.com/sakif/duo-routine/internal/gateway"
	"github.com/sakif/duo-routine/internal/store"
)

// ClientID identifies this client to the backend's token endpoint.
const ClientID = "duo-cli"

// Config holds the gateway's tunables.
type Config struct {
	BaseURL string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// RealtimeInterval is how often SubscribeTableChanges polls.
	RealtimeInterval time.Duration
}

// Client is the long-lived backend handle. It owns no business state beyond
// the auth token.
type Client struct {
	base     *url.URL
	http     *http.Client
	oauth    *oauth2.Config
	persist  store.Persistence
	logger   *slog.Logger
	interval time.Duration

	// refreshMu serialises refreshes. The backend rotates refresh tokens, so
	// two concurrent refreshes with the same token would sign one caller out.
	refreshMu sync.Mutex

	mu        sync.Mutex
	token     *oauth2.Token
	listeners map[int]func(gateway.IdentityEvent)
	nextID    int

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

var _ gateway.Gateway = (*Client)(nil)

// New builds a Client and restores any persisted token. It does not touch
// the network.
func New(cfg Config, persist store.Persistence, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("rest: invalid backend url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	interval := cfg.RealtimeInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	c := &Client{
		base: base,
		http: hc,
		oauth: &oauth2.Config{
			ClientID: ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   base.String() + "/auth/v1/authorize",
				TokenURL:  base.String() + "/auth/v1/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		persist:   persist,
		logger:    logger,
		interval:  interval,
		listeners: make(map[int]func(gateway.IdentityEvent)),
		done:      make(chan struct{}),
	}

	var tok oauth2.Token
	found, err := persist.Load(store.KeyAuthToken, &tok)
	if err != nil {
		// A corrupt token file is the same as being signed out.
		logger.Warn("discarding unreadable auth token", slog.String("error", err.Error()))
	} else if found && tok.AccessToken != "" {
		c.token = &tok
	}
	return c, nil
}

// Close stops realtime pollers and waits for them to exit.
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })
	c.wg.Wait()
}

// errorBody is the backend's error envelope: {"error": "...", "message": "..."}.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// do sends an authenticated request and decodes a JSON response into out.
// out may be nil. An empty body leaves out untouched.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	raw, err := c.roundTrip(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperror.DB("decoding "+path, err)
	}
	return nil
}

// roundTrip sends the request and returns the raw body of a 2xx response.
func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	tok, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, apperror.Timeout(method + " " + path)
		}
		return nil, apperror.DB(method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.DB("reading "+path, err)
	}
	if resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, path, raw)
	}
	return raw, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	u := *c.base
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("rest: encoding %s body: %w", path, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("rest: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// statusError maps an HTTP failure back onto the apperror taxonomy.
func statusError(status int, path string, raw []byte) error {
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("%s: HTTP %d", path, status)
	}

	switch status {
	case http.StatusUnauthorized:
		return apperror.Auth(msg)
	case http.StatusForbidden:
		return apperror.Forbidden(msg)
	case http.StatusBadRequest:
		return apperror.ValidationFailed(eb.Error, msg)
	case http.StatusNotFound:
		if eb.Error == "unavailable" {
			return apperror.Unavailable(path)
		}
		return &apperror.AppError{Err: apperror.ErrNotFound, Message: msg}
	case http.StatusConflict:
		if eb.Error == "constraint_violation" {
			return &apperror.AppError{Err: apperror.ErrConstraint, Message: msg}
		}
		return &apperror.AppError{Err: apperror.ErrConflict, Message: msg}
	case http.StatusNotImplemented:
		return apperror.Unavailable(path)
	case http.StatusGatewayTimeout:
		return apperror.Timeout(path)
	}
	return apperror.DB(msg, nil)
}
