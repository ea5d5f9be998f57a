package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// validationStatus enumerates the terminal outcomes of session validation.
type validationStatus int

const (
	validationPass validationStatus = iota
	validationExpired
	validationForbidden
	validationRenewed
)

func (s validationStatus) String() string {
	switch s {
	case validationPass:
		return "pass"
	case validationExpired:
		return "expired"
	case validationForbidden:
		return "forbidden"
	case validationRenewed:
		return "renewed"
	default:
		return "unknown"
	}
}

type validationResult struct {
	status  validationStatus
	session *SessionClaims
	cookie  *http.Cookie
}

// postValidate runs the validation state machine over an already verified
// session. Exactly one outcome results; at most one renewal attempt is made,
// and a failed renewal fails the whole validation.
func (a *App) postValidate(ctx context.Context, session *SessionClaims, policy Policy, now time.Time) (validationResult, error) {
	nowSec := now.Unix()

	if session.ExpiresAt < nowSec || session.IssuedAt+a.Config.LoginCacheMinutes*60 < nowSec {
		return validationResult{status: validationExpired}, nil
	}

	if !session.HasRequiredRoles(policy.RequiredRoles) {
		return validationResult{status: validationForbidden}, nil
	}

	if a.Config.RefreshTokens && session.RefreshToken != "" && session.IssuedAt+a.Config.LoginRenewSeconds < nowSec {
		a.Logger.Info("renewing session", "issued_at", session.IssuedAt)
		renewed, cookie, err := a.renewSession(ctx, session)
		if err != nil {
			return validationResult{}, err
		}
		a.Metrics.RenewalObserved()
		return validationResult{status: validationRenewed, session: renewed, cookie: cookie}, nil
	}

	return validationResult{status: validationPass, session: session}, nil
}

// renewSession exchanges the refresh credential for a fresh token set and
// mints the replacement session and cookie. The renewed session keeps the
// derived claim headers but takes its roles from the renewal response.
func (a *App) renewSession(ctx context.Context, session *SessionClaims) (*SessionClaims, *http.Cookie, error) {
	bearer, identity, err := a.OIDC.Renew(ctx, session.Bearer)
	if err != nil {
		return nil, nil, err
	}
	bearer.Strip(true)

	now := time.Now()
	maxAge := sessionMaxAge(a.Config, bearer.Expires, now)

	renewed := &SessionClaims{
		Issuer:    session.Issuer,
		Claims:    session.Claims,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Unix() + maxAge,
		Roles:     identity.RealmRoles(),
		Bearer:    bearer,
	}

	cookie, err := a.buildCookie(renewed, maxAge)
	if err != nil {
		return nil, nil, err
	}
	return renewed, cookie, nil
}

// sessionMaxAge computes the lifetime of a freshly minted session: the
// configured cache window, capped to the upstream token's remaining lifetime
// when honor_token_expiry is set.
func sessionMaxAge(cfg Config, expires *time.Time, now time.Time) int64 {
	maxAge := cfg.LoginCacheMinutes * 60
	if cfg.HonorTokenExpiry && expires != nil {
		if remaining := expires.Unix() - now.Unix(); remaining < maxAge {
			maxAge = remaining
		}
	}
	return maxAge
}

// handleValidate answers the proxy's forward-auth subrequest.
func (a *App) handleValidate(w http.ResponseWriter, r *http.Request) {
	policy := a.resolveRequestPolicy(r)
	if policy.Bypass {
		a.Metrics.ValidateOutcome("bypass")
		w.WriteHeader(http.StatusOK)
		return
	}

	session, err := a.sessionFromRequest(r)
	if err != nil {
		a.Logger.Warn("failed to decode session cookie", "error", err)
		a.Metrics.ValidateOutcome("unauthorized")
		unauthorized(w)
		return
	}
	if session == nil {
		a.Metrics.ValidateOutcome("unauthorized")
		unauthorized(w)
		return
	}

	// A valid signature from a sibling deployment sharing key material is
	// still not our session.
	if session.Issuer != a.Config.Public {
		a.Logger.Warn("session issuer mismatch", "issuer", session.Issuer)
		a.Metrics.ValidateOutcome("unauthorized")
		unauthorized(w)
		return
	}

	result, err := a.postValidate(r.Context(), session, policy, time.Now())
	if err != nil {
		a.Logger.Error("session validation failed", "error", err)
		a.Metrics.ValidateOutcome("unauthorized")
		unauthorized(w)
		return
	}
	a.Metrics.ValidateOutcome(result.status.String())

	switch result.status {
	case validationExpired:
		unauthorized(w)
		return
	case validationForbidden:
		w.WriteHeader(http.StatusForbidden)
		return
	case validationRenewed:
		http.SetCookie(w, result.cookie)
	case validationPass:
	}

	session = result.session
	w.Header().Set(a.Config.SuccessHeader, "true")
	for header := range a.Config.HeaderClaims {
		if value, ok := session.Claims[header]; ok {
			w.Header().Set(header, value)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// resolveRequestPolicy resolves the effective policy from the original URL
// the proxy is asking about. Without that header the resolution degenerates
// to the global roles with no bypass.
func (a *App) resolveRequestPolicy(r *http.Request) Policy {
	original := r.Header.Get(a.Config.OriginalURLHeader)
	if original == "" {
		return UncustomizedPolicy(a.Config.RequiredRoles)
	}
	u, err := url.Parse(original)
	if err != nil {
		a.Logger.Warn("unparseable original url", "value", original, "error", err)
		return UncustomizedPolicy(a.Config.RequiredRoles)
	}
	return ResolvePolicy(a.Config.RequiredRoles, a.Config.Customizations, u.Hostname(), u.Path)
}

// sessionFromRequest extracts and verifies the session cookie. A missing
// cookie returns (nil, nil); a present but undecodable one returns an error.
func (a *App) sessionFromRequest(r *http.Request) (*SessionClaims, error) {
	cookie, err := r.Cookie(a.Config.CookieName)
	if errors.Is(err, http.ErrNoCookie) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	token, err := DecompressToken(cookie.Value)
	if err != nil {
		return nil, fmt.Errorf("decompress cookie: %w", err)
	}
	session, err := VerifySession(token, a.Config.SigningKey())
	if err != nil {
		return nil, fmt.Errorf("verify cookie: %w", err)
	}
	return session, nil
}

func unauthorized(w http.ResponseWriter) {
	w.WriteHeader(http.StatusUnauthorized)
}
