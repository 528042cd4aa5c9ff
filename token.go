package tenantsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource fetches the current bearer credential. An empty string with
// a nil error means no credential is available right now.
type TokenSource func(ctx context.Context) (string, error)

// Token is the decoded view of a bearer credential. It lives in memory
// only and is never written to the cache store.
type Token struct {
	Raw       string
	Subject   string
	TenantID  string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (t Token) IsZero() bool {
	return t.Raw == ""
}

type tokenClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// ParseToken decodes a compact three-segment token without verifying the
// signature. This subsystem holds no key material; the server authorizes
// every request, and the client only needs the claims to scope
// subscriptions and schedule refresh. Missing tenant_id or role is a hard
// auth error, never defaulted.
func ParseToken(raw string) (Token, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Token{}, &AuthError{Reason: "empty token"}
	}
	claims := &tokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return Token{}, &AuthError{Reason: "malformed token", Err: err}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Token{}, &AuthError{Claim: "sub"}
	}
	if strings.TrimSpace(claims.TenantID) == "" {
		return Token{}, &AuthError{Claim: "tenant_id"}
	}
	if strings.TrimSpace(claims.Role) == "" {
		return Token{}, &AuthError{Claim: "role"}
	}
	if claims.ExpiresAt == nil {
		return Token{}, &AuthError{Claim: "exp"}
	}
	token := Token{
		Raw:       raw,
		Subject:   claims.Subject,
		TenantID:  strings.TrimSpace(claims.TenantID),
		Role:      strings.TrimSpace(claims.Role),
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		token.IssuedAt = claims.IssuedAt.Time
	}
	return token, nil
}

// hardAuthFailure reports whether a parse error must fail the channel
// rather than fall back to interval-based refresh scheduling.
func hardAuthFailure(err error) bool {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	return authErr.Claim != ""
}
