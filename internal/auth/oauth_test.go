package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"
)

// fakeGitHub serves the token endpoint and the two user endpoints.
func fakeGitHub(t *testing.T, user GitHubUser, emails []githubEmail) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "gh-code" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"gh-token","token_type":"bearer"}`))
	})
	mux.HandleFunc("GET /user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(user)
	})
	mux.HandleFunc("GET /user/emails", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(emails)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func providerFor(srv *httptest.Server) *GitHubProvider {
	return newGitHubProvider("id", "secret", "http://localhost/auth/v1/callback", oauth2.Endpoint{
		AuthURL:  srv.URL + "/login/oauth/authorize",
		TokenURL: srv.URL + "/login/oauth/access_token",
	}, srv.URL)
}

func TestGitHubExchange_PublicEmail(t *testing.T) {
	srv := fakeGitHub(t, GitHubUser{ID: 7, Login: "ana", Email: "Ana@Example.com"}, nil)

	u, err := providerFor(srv).Exchange(context.Background(), "gh-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if u.ID != 7 || u.Email != "ana@example.com" {
		t.Errorf("Exchange() = %+v, want id 7 with a lower-cased email", u)
	}
}

func TestGitHubExchange_FallsBackToPrimaryVerifiedEmail(t *testing.T) {
	srv := fakeGitHub(t, GitHubUser{ID: 8, Login: "bo"}, []githubEmail{
		{Email: "old@example.com", Primary: false, Verified: true},
		{Email: "bo@example.com", Primary: true, Verified: true},
	})

	u, err := providerFor(srv).Exchange(context.Background(), "gh-code")
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if u.Email != "bo@example.com" {
		t.Errorf("Email = %q, want bo@example.com", u.Email)
	}
}

func TestGitHubExchange_NoVerifiedEmail(t *testing.T) {
	srv := fakeGitHub(t, GitHubUser{ID: 9, Login: "cy"}, []githubEmail{
		{Email: "cy@example.com", Primary: true, Verified: false},
	})

	if _, err := providerFor(srv).Exchange(context.Background(), "gh-code"); err == nil {
		t.Fatal("Exchange() should fail without a verified email")
	}
}

func TestGitHubAuthURL_CarriesState(t *testing.T) {
	p := NewGitHubProvider("client-1", "secret", "http://localhost:8080/auth/v1/callback")

	u, err := url.Parse(p.AuthURL("state-123"))
	if err != nil {
		t.Fatalf("AuthURL() is not a URL: %v", err)
	}
	q := u.Query()
	if q.Get("state") != "state-123" || q.Get("client_id") != "client-1" {
		t.Errorf("AuthURL() query = %v", q)
	}
	if !strings.Contains(q.Get("scope"), "user:email") {
		t.Errorf("AuthURL() scope = %q, want user:email", q.Get("scope"))
	}
}
