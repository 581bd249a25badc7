package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies every rejection the security pipeline, the session
// manager or the two-factor manager can produce. A kind is itself an error so
// callers can match with errors.Is(err, KindSessionExpired).
type ErrorKind string

const (
	KindIPBlocked               ErrorKind = "ip_blocked"
	KindRateLimited             ErrorKind = "rate_limited"
	KindRequestTooLarge         ErrorKind = "request_too_large"
	KindSuspiciousRequest       ErrorKind = "suspicious_request"
	KindCORSOriginDenied        ErrorKind = "cors_origin_denied"
	KindCSRFMissing             ErrorKind = "csrf_missing"
	KindCSRFInvalid             ErrorKind = "csrf_invalid"
	KindSessionNotFound         ErrorKind = "session_not_found"
	KindSessionExpired          ErrorKind = "session_expired"
	KindSessionBlocked          ErrorKind = "session_blocked"
	KindSessionTerminated       ErrorKind = "session_terminated"
	KindInvalidTransition       ErrorKind = "invalid_session_transition"
	KindInvalidCredentials      ErrorKind = "invalid_credentials"
	KindTwoFactorNotFound       ErrorKind = "two_factor_not_found"
	KindTwoFactorInvalidCode    ErrorKind = "two_factor_invalid_code"
	KindTwoFactorAlreadyEnabled ErrorKind = "two_factor_already_enabled"
	KindTwoFactorNotEnabled     ErrorKind = "two_factor_not_enabled"
	KindInternal                ErrorKind = "internal_store_failure"
)

func (k ErrorKind) Error() string { return string(k) }

// StatusCode maps the kind onto the HTTP status surfaced to clients.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindIPBlocked, KindCORSOriginDenied, KindCSRFMissing, KindCSRFInvalid:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindRequestTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindSuspiciousRequest, KindTwoFactorInvalidCode, KindTwoFactorNotEnabled:
		return http.StatusBadRequest
	case KindSessionNotFound, KindSessionExpired, KindSessionBlocked, KindSessionTerminated, KindInvalidCredentials:
		return http.StatusUnauthorized
	case KindTwoFactorNotFound:
		return http.StatusNotFound
	case KindTwoFactorAlreadyEnabled, KindInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the text clients see. Session failures collapse into one
// message so the response does not reveal why a token was refused.
func (k ErrorKind) PublicMessage() string {
	switch k {
	case KindIPBlocked:
		return "Access denied"
	case KindRateLimited:
		return "Too many requests"
	case KindRequestTooLarge:
		return "Request entity too large"
	case KindSuspiciousRequest:
		return "Bad request"
	case KindCORSOriginDenied:
		return "Origin not allowed"
	case KindCSRFMissing, KindCSRFInvalid:
		return "CSRF token missing or invalid"
	case KindSessionNotFound, KindSessionExpired, KindSessionBlocked, KindSessionTerminated:
		return "Unauthorized"
	case KindInvalidTransition:
		return "Session state does not allow this operation"
	case KindInvalidCredentials:
		return "Invalid credentials"
	case KindTwoFactorNotFound:
		return "Two-factor authentication is not configured"
	case KindTwoFactorInvalidCode:
		return "Invalid two-factor code"
	case KindTwoFactorAlreadyEnabled:
		return "Two-factor authentication is already enabled"
	case KindTwoFactorNotEnabled:
		return "Two-factor authentication is not enabled"
	default:
		return "Internal server error"
	}
}

// SecurityError is a rejection with a kind, an operator-facing reason and an
// optional cause. Reason is logged and audited but never sent to clients.
type SecurityError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func newSecurityError(kind ErrorKind, reason string, err error) *SecurityError {
	return &SecurityError{Kind: kind, Reason: reason, Err: err}
}

func (e *SecurityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	if e.Reason == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *SecurityError) Unwrap() error { return e.Err }

// Is reports whether target is the kind of this error.
func (e *SecurityError) Is(target error) bool {
	kind, ok := target.(ErrorKind)
	return ok && kind == e.Kind
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Kind
	}
	var kind ErrorKind
	if errors.As(err, &kind) {
		return kind
	}
	return KindInternal
}

// ReasonOf returns the operator-facing reason of err when it carries one.
func ReasonOf(err error) string {
	var se *SecurityError
	if errors.As(err, &se) {
		return se.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Storage-level errors shared by every Storage implementation.
var (
	// ErrConcurrentUpdate is returned when a compare-and-swap update lost the race
	// against another writer of the same record.
	ErrConcurrentUpdate = errors.New("record was modified concurrently")
	// ErrDuplicateToken is returned when a session token collides with an existing one.
	ErrDuplicateToken = errors.New("session token already exists")
	// ErrAccountExists is returned when creating an account with a taken email.
	ErrAccountExists = errors.New("account already exists")
	// ErrTwoFactorNotEnabled is returned when backup codes are replaced for a
	// credential that is missing or disabled.
	ErrTwoFactorNotEnabled = errors.New("two-factor is not enabled")
	// ErrCleanupInProgress is returned when another instance holds the cleanup lock.
	ErrCleanupInProgress = errors.New("session cleanup already running")
)
