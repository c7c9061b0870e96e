package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthorityServer(t *testing.T) (*httptest.Server, *atomic.Value) {
	t.Helper()
	revoked := &atomic.Value{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "at-" + r.Form.Get("code"),
				"refresh_token": "rt-1",
				"token_type":    "Bearer",
				"expires_in":    3600,
				"scope":         "scope.a scope.b",
			})
		case "refresh_token":
			if r.Form.Get("refresh_token") != "rt-1" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]any{"error": "invalid_grant"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "at-refreshed",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		}
	})
	mux.HandleFunc("POST /revoke", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		revoked.Store(r.Form.Get("token"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, revoked
}

func newTestAuthority(srv *httptest.Server) *OAuthAuthority {
	return NewOAuthAuthority(OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/callback",
		AuthURL:      srv.URL + "/auth",
		TokenURL:     srv.URL + "/token",
		RevokeURL:    srv.URL + "/revoke",
		Scopes:       []string{"scope.a"},
		HTTPClient:   srv.Client(),
	})
}

func TestOAuthAuthority_AuthCodeURL(t *testing.T) {
	srv, _ := newAuthorityServer(t)
	a := newTestAuthority(srv)

	u, err := url.Parse(a.AuthCodeURL("state-123"))
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "state-123", q.Get("state"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, "client", q.Get("client_id"))
}

func TestOAuthAuthority_ExchangeRefreshRevoke(t *testing.T) {
	srv, revoked := newAuthorityServer(t)
	a := newTestAuthority(srv)
	ctx := context.Background()

	tok, err := a.Exchange(ctx, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "at-code-1", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)
	assert.Equal(t, []string{"scope.a", "scope.b"}, tok.Scopes)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Expiry, time.Minute)

	tok, err = a.Refresh(ctx, "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-refreshed", tok.AccessToken)
	assert.Equal(t, "rt-1", tok.RefreshToken)

	_, err = a.Refresh(ctx, "rt-revoked")
	assert.Error(t, err)

	require.NoError(t, a.Revoke(ctx, "at-refreshed"))
	assert.Equal(t, "at-refreshed", revoked.Load())
}
