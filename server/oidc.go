package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	// ErrTokenExchange covers transport failures and provider rejection of
	// the authorization code.
	ErrTokenExchange = errors.New("token exchange failed")
	// ErrTokenValidation covers a missing or unverifiable ID token.
	ErrTokenValidation = errors.New("token validation failed")
	// ErrRenewal covers every failure of the refresh-token grant.
	ErrRenewal = errors.New("token renewal failed")
)

const discoveryRetryDelay = time.Second

// Provider represents the minimal behaviour required from the upstream IdP.
type Provider interface {
	AuthorizationURL(redirectURI string) string
	ExchangeCode(ctx context.Context, redirectURI, code string) (Bearer, IdentityClaims, error)
	Renew(ctx context.Context, bearer Bearer) (Bearer, IdentityClaims, error)
}

// RealmAccess carries the provider's role grant inside the ID token.
type RealmAccess struct {
	Roles []string `json:"roles"`
}

// IdentityClaims is the decoded claim set of a verified ID token.
type IdentityClaims struct {
	RealmAccess *RealmAccess
	Raw         map[string]any
}

// RealmRoles returns the granted roles, never nil.
func (c IdentityClaims) RealmRoles() []string {
	if c.RealmAccess == nil {
		return nil
	}
	return c.RealmAccess.Roles
}

// providerEntry is the cached result of one provider discovery round.
type providerEntry struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	expires  time.Time
}

// SessionManager owns the cached discovered provider configuration and
// performs every network interaction with the upstream IdP. The cache entry
// is the only shared mutable state in the gateway; reads take the shared
// lock, rediscovery takes the exclusive one.
type SessionManager struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	retryDelay time.Duration

	mu    sync.RWMutex
	entry providerEntry
}

// NewSessionManager performs the blocking initial discovery and returns a
// ready manager. Discovery retries until it succeeds; the only error path is
// cancellation of ctx.
func NewSessionManager(ctx context.Context, cfg Config, logger *slog.Logger) (*SessionManager, error) {
	m := &SessionManager{
		cfg:        cfg,
		logger:     logger,
		client:     &http.Client{Timeout: 15 * time.Second},
		retryDelay: discoveryRetryDelay,
	}
	entry, err := m.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("initial discovery: %w", err)
	}
	m.entry = entry
	return m, nil
}

// discover retries provider discovery with a fixed delay until it succeeds
// or ctx is cancelled. Failures are logged, never surfaced to request paths.
func (m *SessionManager) discover(ctx context.Context) (providerEntry, error) {
	for {
		entry, err := m.discoverOnce(ctx)
		if err == nil {
			return entry, nil
		}
		m.logger.Warn("provider discovery failed", "issuer", m.cfg.Issuer, "error", err)
		select {
		case <-ctx.Done():
			return providerEntry{}, ctx.Err()
		case <-time.After(m.retryDelay):
		}
	}
}

func (m *SessionManager) discoverOnce(ctx context.Context) (providerEntry, error) {
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, m.client), m.cfg.Issuer)
	if err != nil {
		return providerEntry{}, fmt.Errorf("discover provider: %w", err)
	}

	return providerEntry{
		oauth: oauth2.Config{
			ClientID:     m.cfg.ClientID,
			ClientSecret: m.cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       strings.Fields(m.cfg.Scopes),
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: m.cfg.ClientID}),
		expires:  time.Now().Add(time.Duration(m.cfg.OIDCRefreshSec) * time.Second),
	}, nil
}

// ensureFresh rediscovers the provider when the cache entry's deadline has
// passed. The deadline is re-checked after upgrading to the write lock so
// concurrent callers racing past it trigger exactly one rediscovery round.
// Readers keep serving the stale entry while the writer retries.
func (m *SessionManager) ensureFresh(ctx context.Context) {
	now := time.Now()
	m.mu.RLock()
	fresh := now.Before(m.entry.expires)
	m.mu.RUnlock()
	if fresh {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if now.Before(m.entry.expires) {
		return
	}

	m.logger.Debug("provider cache expired, rediscovering", "issuer", m.cfg.Issuer)
	entry, err := m.discover(ctx)
	if err != nil {
		// Request context cancelled mid-retry; leave the stale entry in
		// place, the next caller past the deadline will try again.
		m.logger.Warn("provider rediscovery abandoned", "error", err)
		return
	}
	m.entry = entry
}

// snapshot returns a read-locked copy of the cache entry.
func (m *SessionManager) snapshot() providerEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entry
}

// AuthorizationURL builds the provider authorize URL for the given callback.
// Pure cache read, never touches the network.
func (m *SessionManager) AuthorizationURL(redirectURI string) string {
	cfg := m.snapshot().oauth
	cfg.RedirectURL = redirectURI
	return cfg.AuthCodeURL("")
}

// ExchangeCode redeems an authorization code against the token endpoint and
// verifies the returned ID token.
func (m *SessionManager) ExchangeCode(ctx context.Context, redirectURI, code string) (Bearer, IdentityClaims, error) {
	m.ensureFresh(ctx)
	entry := m.snapshot()

	cfg := entry.oauth
	cfg.RedirectURL = redirectURI

	tok, err := cfg.Exchange(context.WithValue(ctx, oauth2.HTTPClient, m.client), code)
	if err != nil {
		return Bearer{}, IdentityClaims{}, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}

	claims, rawIDToken, err := m.verifyIDToken(ctx, entry.verifier, tok)
	if err != nil {
		return Bearer{}, IdentityClaims{}, fmt.Errorf("%w: %w", ErrTokenValidation, err)
	}

	return bearerFromToken(tok, rawIDToken), claims, nil
}

// Renew redeems the refresh credential for a new token set and verifies the
// renewed ID token.
func (m *SessionManager) Renew(ctx context.Context, bearer Bearer) (Bearer, IdentityClaims, error) {
	if bearer.RefreshToken == "" {
		return Bearer{}, IdentityClaims{}, fmt.Errorf("%w: no refresh token", ErrRenewal)
	}

	entry := m.snapshot()
	src := entry.oauth.TokenSource(
		context.WithValue(ctx, oauth2.HTTPClient, m.client),
		&oauth2.Token{RefreshToken: bearer.RefreshToken},
	)
	tok, err := src.Token()
	if err != nil {
		return Bearer{}, IdentityClaims{}, fmt.Errorf("%w: %w", ErrRenewal, err)
	}

	claims, rawIDToken, err := m.verifyIDToken(ctx, entry.verifier, tok)
	if err != nil {
		return Bearer{}, IdentityClaims{}, fmt.Errorf("%w: %w", ErrRenewal, err)
	}

	return bearerFromToken(tok, rawIDToken), claims, nil
}

func (m *SessionManager) verifyIDToken(ctx context.Context, verifier *oidc.IDTokenVerifier, tok *oauth2.Token) (IdentityClaims, string, error) {
	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return IdentityClaims{}, "", errors.New("no id token in response")
	}

	idToken, err := verifier.Verify(oidc.ClientContext(ctx, m.client), rawIDToken)
	if err != nil {
		return IdentityClaims{}, "", fmt.Errorf("verify id token: %w", err)
	}

	var realm struct {
		RealmAccess *RealmAccess `json:"realm_access"`
	}
	if err := idToken.Claims(&realm); err != nil {
		return IdentityClaims{}, "", fmt.Errorf("decode id token claims: %w", err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return IdentityClaims{}, "", fmt.Errorf("decode id token claims: %w", err)
	}

	return IdentityClaims{RealmAccess: realm.RealmAccess, Raw: raw}, rawIDToken, nil
}

func bearerFromToken(tok *oauth2.Token, rawIDToken string) Bearer {
	b := Bearer{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
	}
	if !tok.Expiry.IsZero() {
		expires := tok.Expiry
		b.Expires = &expires
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		b.Scope = scope
	}
	return b
}
