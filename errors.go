package tenantsync

import (
	"errors"
	"fmt"
)

var (
	ErrNoToken           = errors.New("no token available")
	ErrInvalidToken      = errors.New("invalid token")
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrChannelClosed     = errors.New("channel closed")
	ErrTenantMismatch    = errors.New("tenant mismatch")
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrConflictDiscarded = errors.New("conflict discarded")
	ErrNotImplemented    = errors.New("not implemented")
)

// AuthError covers invalid, expired, or structurally broken credentials.
// Claim is set when a required claim was absent; that is a hard failure
// and is never defaulted away.
type AuthError struct {
	Reason string
	Claim  string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Claim != "" {
		return fmt.Sprintf("auth: missing %s claim", e.Claim)
	}
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Is(target error) bool {
	return target == ErrInvalidToken
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error {
	return e.Err
}

// ConflictDiscardedError reports a write dropped because the cached
// version was already at or past the incoming one. It is diagnostic,
// never user-facing.
type ConflictDiscardedError struct {
	TenantID        string
	EntityType      string
	ID              string
	IncomingVersion uint64
	CachedVersion   uint64
}

func (e *ConflictDiscardedError) Error() string {
	return fmt.Sprintf("conflict discarded for %s/%s/%s: incoming version %d <= cached version %d",
		e.TenantID, e.EntityType, e.ID, e.IncomingVersion, e.CachedVersion)
}

func (e *ConflictDiscardedError) Is(target error) bool {
	return target == ErrConflictDiscarded
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}
