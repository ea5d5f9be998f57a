package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config  Config
	Logger  *slog.Logger
	OIDC    Provider
	Metrics *Metrics
}

// NewApp wires together the application state from configuration. It blocks
// until provider discovery has succeeded so the gateway never accepts
// traffic against an empty provider cache.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	logger.Info("initializing OIDC provider", "issuer", cfg.Issuer)
	oidcManager, err := NewSessionManager(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("OIDC provider initialized")

	return &App{
		Config:  cfg,
		Logger:  logger,
		OIDC:    oidcManager,
		Metrics: NewMetrics(),
	}, nil
}

// handleLogin redirects the browser to the provider authorize endpoint with
// the gateway callback as redirect URI.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	target, err := a.loginRedirect(r.URL.Query().Get("url"))
	if err != nil {
		a.Logger.Warn("failed to build login redirect", "error", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	a.Metrics.LoginStarted()
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (a *App) loginRedirect(returnURL string) (string, error) {
	if returnURL == "" {
		return "", errors.New("missing url parameter")
	}
	u, err := url.Parse(returnURL)
	if err != nil {
		return "", fmt.Errorf("parse url parameter: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("url parameter must be absolute, got: %s", returnURL)
	}
	return a.OIDC.AuthorizationURL(a.callbackRedirectURI(returnURL)), nil
}

// callbackRedirectURI embeds the return URL into the gateway's own callback
// address. Login and callback must produce the identical string, providers
// compare redirect URIs for equality.
func (a *App) callbackRedirectURI(returnURL string) string {
	redirect := a.Config.RedirectURL()
	q := redirect.Query()
	q.Set("url", returnURL)
	redirect.RawQuery = q.Encode()
	return redirect.String()
}

// handleAuth is the provider callback: it exchanges the code, mints the
// session cookie, and bounces the browser back to where it came from. Every
// failure collapses to a generic 401, provider detail is only logged.
func (a *App) handleAuth(w http.ResponseWriter, r *http.Request) {
	target, cookie, err := a.completeLogin(r)
	if err != nil {
		a.Logger.Warn("login callback failed", "error", err)
		unauthorized(w)
		return
	}
	a.Metrics.LoginCompleted()
	http.SetCookie(w, cookie)
	http.Redirect(w, r, target, http.StatusTemporaryRedirect)
}

func (a *App) completeLogin(r *http.Request) (string, *http.Cookie, error) {
	q := r.URL.Query()
	code := q.Get("code")
	returnURL := q.Get("url")
	if code == "" || returnURL == "" {
		return "", nil, errors.New("missing code or url parameter")
	}
	if u, err := url.Parse(returnURL); err != nil || !u.IsAbs() {
		return "", nil, fmt.Errorf("invalid url parameter: %s", returnURL)
	}

	bearer, identity, err := a.OIDC.ExchangeCode(r.Context(), a.callbackRedirectURI(returnURL), code)
	if err != nil {
		return "", nil, err
	}

	now := time.Now()
	maxAge := sessionMaxAge(a.Config, bearer.Expires, now)
	roles := identity.RealmRoles()
	bearer.Strip(a.Config.RefreshTokens)

	session := &SessionClaims{
		Issuer:    a.Config.Public,
		Claims:    extractHeaderClaims(a.Config.HeaderClaims, identity.Raw, a.Logger),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Unix() + maxAge,
		Roles:     roles,
		Bearer:    bearer,
	}

	if a.Config.EnforceRolesOnLogin && !session.HasRequiredRoles(a.Config.RequiredRoles) {
		return "", nil, fmt.Errorf("missing required roles: %v", a.Config.RequiredRoles)
	}

	cookie, err := a.buildCookie(session, maxAge)
	if err != nil {
		return "", nil, err
	}
	return returnURL, cookie, nil
}

// extractHeaderClaims maps configured output headers to scalar claim values.
// Null, boolean, number and string values are rendered; anything structured
// is dropped.
func extractHeaderClaims(headerClaims map[string]string, raw map[string]any, logger *slog.Logger) map[string]string {
	out := make(map[string]string, len(headerClaims))
	for header, claim := range headerClaims {
		value, ok := raw[claim]
		if !ok || value == nil {
			continue
		}
		switch v := value.(type) {
		case bool:
			out[header] = strconv.FormatBool(v)
		case float64:
			out[header] = strconv.FormatFloat(v, 'f', -1, 64)
		case string:
			out[header] = v
		default:
			logger.Warn("unserializable claim value", "claim", claim)
		}
	}
	return out
}

// buildCookie signs and compresses the session into the gateway cookie.
func (a *App) buildCookie(session *SessionClaims, maxAge int64) (*http.Cookie, error) {
	signed, err := SignSession(session, a.Config.SigningKey())
	if err != nil {
		return nil, err
	}
	value, err := CompressToken(signed)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     a.Config.CookieName,
		Value:    value,
		Path:     "/",
		Domain:   a.Config.CookieDomain,
		MaxAge:   int(maxAge),
		Secure:   a.Config.CookieSecure,
		HttpOnly: true,
	}, nil
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
