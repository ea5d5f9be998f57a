package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and discovery defaults
const (
	DefaultScopes            = "openid email profile roles"
	DefaultOIDCRefreshSec    = 3600
	DefaultLoginRenewSeconds = 1800
	DefaultLoginCacheMinutes = 240
	DefaultOriginalURLHeader = "X-Original-Url"
)

// Config captures the full gateway configuration loaded from YAML and
// environment variables.
type Config struct {
	Bind           string `yaml:"bind"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// Public is the externally visible base URL of the gateway itself. Its
	// path component becomes the mount point of the HTTP surface and its
	// value is baked into every issued session.
	Public string `yaml:"public"`

	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scopes       string `yaml:"scopes"`

	OIDCRefreshSec int64 `yaml:"oidc_refresh_time_sec"`

	JWTKey        string `yaml:"jwt_key"`
	CookieName    string `yaml:"cookie_name"`
	CookieDomain  string `yaml:"cookie_domain"`
	CookieSecure  bool   `yaml:"cookie_secure"`
	SuccessHeader string `yaml:"success_header"`

	LoginRenewSeconds int64 `yaml:"login_renew_seconds"`
	LoginCacheMinutes int64 `yaml:"login_cache_minutes"`
	RefreshTokens     bool  `yaml:"refresh_tokens"`
	// If true, when the upstream access token expires, so does the session.
	HonorTokenExpiry bool `yaml:"honor_token_expiry"`
	// If true, required roles are also enforced when the session is first
	// minted in the callback, not only at validation time.
	EnforceRolesOnLogin bool `yaml:"enforce_roles_on_login"`

	OriginalURLHeader string `yaml:"original_url_header"`

	RequiredRoles  []string          `yaml:"required_roles"`
	HeaderClaims   map[string]string `yaml:"header_claims"`
	Customizations []Customization   `yaml:"customizations"`

	SecretsPath string    `yaml:"secrets_path"`
	TLS         TLSConfig `yaml:"tls"`

	// Derived once by finalize.
	publicURL   *url.URL
	redirectURL *url.URL
	basePath    string
	signingKey  []byte
}

// TLSConfig enables autocert serving when domains are set.
type TLSConfig struct {
	Domains []string `yaml:"domains"`
	Email   string   `yaml:"email"`
}

// LoadConfig reads the YAML config file, merges environment overrides, and
// validates and finalizes the result.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		// Strict unmarshaling to detect unknown fields
		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}
	if err := cfg.finalize(); err != nil {
		slog.Error("Configuration finalization failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Bind:              ":4180",
		Scopes:            DefaultScopes,
		OIDCRefreshSec:    DefaultOIDCRefreshSec,
		LoginRenewSeconds: DefaultLoginRenewSeconds,
		LoginCacheMinutes: DefaultLoginCacheMinutes,
		CookieSecure:      true,
		OriginalURLHeader: DefaultOriginalURLHeader,
		SecretsPath:       ".secrets",
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTHGATE_BIND":            func(v string) { cfg.Bind = v },
		"AUTHGATE_PROMETHEUS_BIND": func(v string) { cfg.PrometheusBind = v },
		"AUTHGATE_PUBLIC":          func(v string) { cfg.Public = v },
		"AUTHGATE_ISSUER":          func(v string) { cfg.Issuer = v },
		"AUTHGATE_CLIENT_ID":       func(v string) { cfg.ClientID = v },
		"AUTHGATE_CLIENT_SECRET":   func(v string) { cfg.ClientSecret = v },
		"AUTHGATE_SCOPES":          func(v string) { cfg.Scopes = v },
		"AUTHGATE_JWT_KEY":         func(v string) { cfg.JWTKey = v },
		"AUTHGATE_COOKIE_NAME":     func(v string) { cfg.CookieName = v },
		"AUTHGATE_COOKIE_DOMAIN":   func(v string) { cfg.CookieDomain = v },
		"AUTHGATE_COOKIE_SECURE":   func(v string) { cfg.CookieSecure = parseBool(v, cfg.CookieSecure) },
		"AUTHGATE_REFRESH_TOKENS":  func(v string) { cfg.RefreshTokens = parseBool(v, cfg.RefreshTokens) },
		"AUTHGATE_REQUIRED_ROLES":  func(v string) { cfg.RequiredRoles = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Public == "" {
		slog.Error("Missing required configuration", "field", "public")
		return errors.New("public is required")
	}
	if !strings.HasPrefix(c.Public, "http://") && !strings.HasPrefix(c.Public, "https://") {
		slog.Error("Invalid configuration value", "field", "public", "value", c.Public, "reason", "must start with http:// or https://")
		return fmt.Errorf("public must start with http:// or https://, got: %s", c.Public)
	}
	if c.Issuer == "" {
		slog.Error("Missing required configuration", "field", "issuer")
		return errors.New("issuer is required")
	}
	if !strings.HasPrefix(c.Issuer, "http://") && !strings.HasPrefix(c.Issuer, "https://") {
		slog.Error("Invalid configuration value", "field", "issuer", "value", c.Issuer, "reason", "must start with http:// or https://")
		return fmt.Errorf("issuer must start with http:// or https://, got: %s", c.Issuer)
	}
	if c.ClientID == "" {
		slog.Error("Missing required configuration", "field", "client_id")
		return errors.New("client_id is required")
	}
	if c.JWTKey == "" {
		slog.Error("Missing required configuration", "field", "jwt_key")
		return errors.New("jwt_key is required")
	}
	if c.CookieName == "" {
		slog.Error("Missing required configuration", "field", "cookie_name")
		return errors.New("cookie_name is required")
	}
	if c.SuccessHeader == "" {
		slog.Error("Missing required configuration", "field", "success_header")
		return errors.New("success_header is required")
	}
	if c.LoginCacheMinutes <= 0 {
		slog.Error("Invalid configuration value", "field", "login_cache_minutes", "value", c.LoginCacheMinutes)
		return fmt.Errorf("login_cache_minutes must be positive, got: %d", c.LoginCacheMinutes)
	}
	if c.LoginRenewSeconds < 0 {
		slog.Error("Invalid configuration value", "field", "login_renew_seconds", "value", c.LoginRenewSeconds)
		return fmt.Errorf("login_renew_seconds must not be negative, got: %d", c.LoginRenewSeconds)
	}

	// Cookie domain must be a suffix of the public URL host, otherwise the
	// browser will never send the cookie back to the gateway.
	if c.CookieDomain != "" {
		host := c.Public
		host = strings.TrimPrefix(host, "http://")
		host = strings.TrimPrefix(host, "https://")
		if idx := strings.IndexAny(host, ":/"); idx != -1 {
			host = host[:idx]
		}
		domain := strings.TrimPrefix(c.CookieDomain, ".")
		if !strings.HasSuffix(host, domain) {
			slog.Error("Cookie domain mismatch",
				"field", "cookie_domain",
				"cookie_domain", c.CookieDomain,
				"public_host", host,
				"reason", "cookie_domain must be a suffix of the public host")
			return fmt.Errorf("cookie_domain '%s' does not match public host '%s'", c.CookieDomain, host)
		}
	}

	for header := range c.HeaderClaims {
		if strings.TrimSpace(header) == "" {
			return errors.New("header_claims contains an empty header name")
		}
	}

	return nil
}

// finalize derives the parsed and compiled forms of the config: public and
// callback URLs, the router mount path, endpoint filter patterns, and the
// signing key bytes. Runs exactly once at load time.
func (c *Config) finalize() error {
	pub, err := url.Parse(c.Public)
	if err != nil {
		return fmt.Errorf("parse public url: %w", err)
	}
	c.publicURL = pub

	redirect := *pub
	redirect.Path = strings.TrimSuffix(redirect.Path, "/") + "/auth"
	c.redirectURL = &redirect

	c.basePath = strings.TrimSuffix(pub.Path, "/")
	if c.basePath == "" {
		c.basePath = "/"
	}

	for i := range c.Customizations {
		if err := c.Customizations[i].Filter.compile(); err != nil {
			return fmt.Errorf("customizations[%d]: %w", i, err)
		}
	}

	c.signingKey = []byte(c.JWTKey)
	return nil
}

// PublicURL returns the parsed public base URL of the gateway.
func (c Config) PublicURL() *url.URL {
	return c.publicURL
}

// RedirectURL returns a copy of the callback URL (<public>/auth).
func (c Config) RedirectURL() url.URL {
	return *c.redirectURL
}

// BasePath returns the router mount path derived from the public URL.
func (c Config) BasePath() string {
	return c.basePath
}

// SigningKey returns the HMAC key material for the session codec.
func (c Config) SigningKey() []byte {
	return c.signingKey
}
