package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadSignature marks a session token that failed structural or signature
// verification.
var ErrBadSignature = errors.New("invalid session signature")

// Bearer is the retained subset of the provider's token response. Access and
// ID tokens are always cleared before a session is signed; the refresh token
// survives only when renewal is enabled.
type Bearer struct {
	AccessToken  string     `json:"access_token"`
	TokenType    string     `json:"token_type,omitempty"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	Expires      *time.Time `json:"expires,omitempty"`
	IDToken      string     `json:"id_token,omitempty"`
	Scope        string     `json:"scope,omitempty"`
}

// Strip clears the fields that must never reach the cookie.
func (b *Bearer) Strip(keepRefresh bool) {
	b.AccessToken = ""
	b.IDToken = ""
	if !keepRefresh {
		b.RefreshToken = ""
	}
}

// SessionClaims is the authenticated state carried in the cookie. The wire
// names are fixed: "issuer" is the gateway's own public URL, "iss" the issue
// time and "exp" the expiry, both in epoch seconds, and the bearer fields are
// flattened into the same object.
type SessionClaims struct {
	Issuer    string            `json:"issuer"`
	Claims    map[string]string `json:"claims"`
	IssuedAt  int64             `json:"iss"`
	ExpiresAt int64             `json:"exp"`
	Roles     []string          `json:"roles"`
	Bearer
}

// HasRequiredRoles reports whether every required role is held.
func (s *SessionClaims) HasRequiredRoles(required []string) bool {
	have := make(map[string]struct{}, len(s.Roles))
	for _, r := range s.Roles {
		have[r] = struct{}{}
	}
	for _, need := range required {
		if _, ok := have[need]; !ok {
			return false
		}
	}
	return true
}

// jwt.Claims implementation. Expiry checking is left to the validation state
// machine, but the parser still requires the accessors.

func (s *SessionClaims) GetExpirationTime() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(s.ExpiresAt, 0)), nil
}

func (s *SessionClaims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(s.IssuedAt, 0)), nil
}

func (s *SessionClaims) GetNotBefore() (*jwt.NumericDate, error) {
	return nil, nil
}

func (s *SessionClaims) GetIssuer() (string, error) {
	return s.Issuer, nil
}

func (s *SessionClaims) GetSubject() (string, error) {
	return "", nil
}

func (s *SessionClaims) GetAudience() (jwt.ClaimStrings, error) {
	return nil, nil
}

// SignSession serializes the session into a compact HS256 JWS.
func SignSession(claims *SessionClaims, key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign session: %w", err)
	}
	return signed, nil
}

// VerifySession checks structure and signature and returns the decoded
// session. Time-based claims are deliberately not validated here: expiry is a
// state-machine outcome, not a parse error.
func VerifySession(token string, key []byte) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if !parsed.Valid {
		return nil, ErrBadSignature
	}
	return claims, nil
}
