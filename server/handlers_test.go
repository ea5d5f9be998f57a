package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestHandleLoginRedirectsToProvider(t *testing.T) {
	cfg := newTestConfig(t)
	provider := &stubProvider{
		authorizeURL: func(redirectURI string) string {
			return "https://idp.example.com/realms/main/authorize?client_id=gateway" +
				"&scope=" + url.QueryEscape(cfg.Scopes) +
				"&redirect_uri=" + url.QueryEscape(redirectURI)
		},
	}
	app := newTestApp(t, cfg, provider)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/login?url="+url.QueryEscape("https://app.example/cb"), nil)
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}

	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	if location.Host != "idp.example.com" || !strings.HasPrefix(location.Path, "/realms/main/authorize") {
		t.Fatalf("redirect does not target the provider authorize endpoint: %s", location)
	}
	if location.Query().Get("client_id") != "gateway" {
		t.Fatalf("missing client_id in authorize URL: %s", location)
	}
	if location.Query().Get("scope") != cfg.Scopes {
		t.Fatalf("missing scope in authorize URL: %s", location)
	}

	redirectURI, err := url.Parse(location.Query().Get("redirect_uri"))
	if err != nil {
		t.Fatalf("parse redirect_uri: %v", err)
	}
	if redirectURI.Host != "gate.example.com" || redirectURI.Path != "/auth" {
		t.Fatalf("unexpected redirect_uri: %s", redirectURI)
	}
	if redirectURI.Query().Get("url") != "https://app.example/cb" {
		t.Fatalf("return URL not embedded in redirect_uri: %s", redirectURI)
	}
}

func TestHandleLoginBadRequest(t *testing.T) {
	cfg := newTestConfig(t)
	app := newTestApp(t, cfg, &stubProvider{})

	for _, query := range []string{"", "?url=", "?url=not-absolute", "?url=" + url.QueryEscape("://bad")} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/login"+query, nil)
		app.Routes().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for query %q, got %d", query, rec.Code)
		}
	}
}

func TestCallbackRedirectURIStable(t *testing.T) {
	cfg := newTestConfig(t)
	app := newTestApp(t, cfg, &stubProvider{})

	// Login and callback must reconstruct the same redirect URI byte for
	// byte; providers compare them for equality.
	first := app.callbackRedirectURI("https://app.example/cb?x=1&y=2")
	second := app.callbackRedirectURI("https://app.example/cb?x=1&y=2")
	if first != second {
		t.Fatalf("redirect URI not stable:\n%s\n%s", first, second)
	}
}

func TestHandleAuthMintsSession(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.RefreshTokens = true
	tokenExpiry := time.Now().Add(time.Hour)
	provider := &stubProvider{
		exchange: func(_ context.Context, redirectURI, code string) (Bearer, IdentityClaims, error) {
			if code != "code-1" {
				t.Fatalf("unexpected code %q", code)
			}
			u, err := url.Parse(redirectURI)
			if err != nil || u.Query().Get("url") != "https://app.example/cb" {
				t.Fatalf("callback did not rebuild the login redirect URI: %q", redirectURI)
			}
			return Bearer{
					AccessToken:  "at-1",
					TokenType:    "Bearer",
					RefreshToken: "rt-1",
					Expires:      &tokenExpiry,
					IDToken:      "id-1",
				},
				IdentityClaims{
					RealmAccess: &RealmAccess{Roles: []string{"user"}},
					Raw: map[string]any{
						"email":    "user@example.com",
						"verified": true,
						"level":    float64(3),
						"address":  map[string]any{"street": "x"},
						"missing":  nil,
					},
				},
				nil
		},
	}
	app := newTestApp(t, cfg, provider)
	app.Config.HeaderClaims = map[string]string{
		"X-User-Email": "email",
		"X-Verified":   "verified",
		"X-Level":      "level",
		"X-Address":    "address",
		"X-Missing":    "missing",
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth?code=code-1&url="+url.QueryEscape("https://app.example/cb"), nil)
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	if got := rec.Header().Get("Location"); got != "https://app.example/cb" {
		t.Fatalf("expected redirect back to return URL, got %q", got)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one session cookie, got %d", len(cookies))
	}
	cookie := cookies[0]
	if cookie.Name != cfg.CookieName || !cookie.HttpOnly || !cookie.Secure {
		t.Fatalf("cookie attributes wrong: %+v", cookie)
	}

	token, err := DecompressToken(cookie.Value)
	if err != nil {
		t.Fatalf("decompress cookie: %v", err)
	}
	session, err := VerifySession(token, cfg.SigningKey())
	if err != nil {
		t.Fatalf("verify cookie: %v", err)
	}

	if session.Issuer != cfg.Public {
		t.Fatalf("session issuer = %q, want %q", session.Issuer, cfg.Public)
	}
	if session.AccessToken != "" || session.IDToken != "" {
		t.Fatalf("access/id tokens leaked into the cookie: %+v", session.Bearer)
	}
	if session.RefreshToken != "rt-1" {
		t.Fatalf("refresh token should be retained when renewal is enabled")
	}
	if len(session.Roles) != 1 || session.Roles[0] != "user" {
		t.Fatalf("roles = %v, want [user]", session.Roles)
	}

	want := map[string]string{
		"X-User-Email": "user@example.com",
		"X-Verified":   "true",
		"X-Level":      "3",
	}
	if len(session.Claims) != len(want) {
		t.Fatalf("claims = %v, want %v", session.Claims, want)
	}
	for k, v := range want {
		if session.Claims[k] != v {
			t.Fatalf("claim %s = %q, want %q", k, session.Claims[k], v)
		}
	}
}

func TestHandleAuthStripsRefreshWhenDisabled(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.RefreshTokens = false
	provider := &stubProvider{
		exchange: func(context.Context, string, string) (Bearer, IdentityClaims, error) {
			return Bearer{AccessToken: "at", RefreshToken: "rt", IDToken: "id"}, IdentityClaims{}, nil
		},
	}
	app := newTestApp(t, cfg, provider)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth?code=c&url="+url.QueryEscape("https://app.example/"), nil)
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected 307, got %d", rec.Code)
	}
	token, err := DecompressToken(rec.Result().Cookies()[0].Value)
	if err != nil {
		t.Fatalf("decompress cookie: %v", err)
	}
	session, err := VerifySession(token, cfg.SigningKey())
	if err != nil {
		t.Fatalf("verify cookie: %v", err)
	}
	if session.RefreshToken != "" {
		t.Fatalf("refresh token must be stripped when renewal is disabled")
	}
}

func TestHandleAuthFailuresCollapseToUnauthorized(t *testing.T) {
	cfg := newTestConfig(t)
	failing := &stubProvider{
		exchange: func(context.Context, string, string) (Bearer, IdentityClaims, error) {
			return Bearer{}, IdentityClaims{}, errors.New("provider said no: upstream_error_detail")
		},
	}
	app := newTestApp(t, cfg, failing)

	cases := []string{
		"/auth",
		"/auth?code=c",
		"/auth?url=" + url.QueryEscape("https://app.example/"),
		"/auth?code=c&url=not-absolute",
		"/auth?code=c&url=" + url.QueryEscape("https://app.example/"),
	}
	for _, target := range cases {
		rec := httptest.NewRecorder()
		app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %q, got %d", target, rec.Code)
		}
		if body := rec.Body.String(); strings.Contains(body, "upstream_error_detail") {
			t.Fatalf("provider error detail leaked to the client: %q", body)
		}
	}
}

func TestHandleAuthEnforcesRolesOnLoginWhenConfigured(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.EnforceRolesOnLogin = true
	cfg.RequiredRoles = []string{"admin"}
	provider := &stubProvider{
		exchange: func(context.Context, string, string) (Bearer, IdentityClaims, error) {
			return Bearer{}, IdentityClaims{RealmAccess: &RealmAccess{Roles: []string{"user"}}}, nil
		},
	}
	app := newTestApp(t, cfg, provider)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth?code=c&url="+url.QueryEscape("https://app.example/"), nil)
	app.Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when callback role enforcement is on, got %d", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	cfg := newTestConfig(t)
	app := newTestApp(t, cfg, &stubProvider{})

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from health, got %d", rec.Code)
	}
}

func TestResponsesAreUncacheable(t *testing.T) {
	cfg := newTestConfig(t)
	app := newTestApp(t, cfg, &stubProvider{})

	rec := httptest.NewRecorder()
	app.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if got := rec.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Fatalf("expected no-store cache policy, got %q", got)
	}
}
