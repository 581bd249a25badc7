package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Request and Response Types

// SignInRequest represents an account login request
type SignInRequest struct {
	Email    string `json:"email" validate:"required,email"` // Account email address
	Password string `json:"password" validate:"required"`    // Account password (plaintext)
	TOTPCode string `json:"totp_code" validate:"omitempty,max=16"`
}

// SignInResponse represents the response for account authentication
type SignInResponse struct {
	Token            string    `json:"token,omitempty"`              // Session bearer token
	Account          *Account  `json:"account,omitempty"`            // Authenticated account
	SessionID        uint      `json:"session_id,omitempty"`         // Session identifier
	CSRFToken        string    `json:"csrf_token,omitempty"`         // Token for the CSRF header
	Requires2FA      bool      `json:"requires_2fa"`                 // Whether a second factor must be supplied
	SessionExpiresAt time.Time `json:"session_expires_at,omitempty"` // When the session expires unless used
	StatusCode       int       `json:"-"`                            // HTTP status code (not serialized)
	Error            string    `json:"error,omitempty"`              // Error message if any
}

// LogoutResponse represents the response for session termination
type LogoutResponse struct {
	Message    string `json:"message,omitempty"` // Success message
	Terminated int    `json:"terminated"`        // Number of sessions terminated
	StatusCode int    `json:"-"`                 // HTTP status code (not serialized)
	Error      string `json:"error,omitempty"`   // Error message if any
}

// SessionsResponse represents the response for account session listing
type SessionsResponse struct {
	Sessions   []*Session `json:"sessions"`        // Live sessions of the account
	CurrentID  uint       `json:"current_id"`      // Session making the request
	StatusCode int        `json:"-"`               // HTTP status code (not serialized)
	Error      string     `json:"error,omitempty"` // Error message if any
}

// SessionStatsResponse represents the response for session statistics
type SessionStatsResponse struct {
	Stats      *SessionStats `json:"stats,omitempty"`
	StatusCode int           `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// SessionActivityResponse represents the activity log of the current session
type SessionActivityResponse struct {
	Activity   []*SessionActivity `json:"activity"`
	StatusCode int                `json:"-"`
	Error      string             `json:"error,omitempty"`
}

// RevokeSessionRequest identifies another session of the same account
type RevokeSessionRequest struct {
	SessionID uint `json:"session_id" validate:"required"`
}

// TwoFactorSetupResponse carries the one-time setup payload
type TwoFactorSetupResponse struct {
	Setup      *TwoFactorSetup `json:"setup,omitempty"`
	StatusCode int             `json:"-"`
	Error      string          `json:"error,omitempty"`
}

// TwoFactorCodeRequest carries a TOTP code
type TwoFactorCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

// PasswordConfirmRequest carries the current password for re-authentication
type PasswordConfirmRequest struct {
	Password string `json:"password" validate:"required"`
}

// TwoFactorResponse is the response of state-changing two-factor operations
type TwoFactorResponse struct {
	Message     string   `json:"message,omitempty"`
	BackupCodes []string `json:"backup_codes,omitempty"`
	StatusCode  int      `json:"-"`
	Error       string   `json:"error,omitempty"`
}

// TwoFactorStatusResponse wraps TwoFactorStatus
type TwoFactorStatusResponse struct {
	Status     *TwoFactorStatus `json:"status,omitempty"`
	StatusCode int              `json:"-"`
	Error      string           `json:"error,omitempty"`
}

// errorResult maps err onto a status code and the public message of its kind.
func errorResult(err error) (int, string) {
	kind := KindOf(err)
	return kind.StatusCode(), kind.PublicMessage()
}

func (g *Guard) decode(r *http.Request, dst any) (int, string) {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		slog.Debug("Failed to decode request", "path", r.URL.Path, "error", err)
		return http.StatusBadRequest, "Invalid request format"
	}
	if err := g.validator.Struct(dst); err != nil {
		slog.Debug("Request validation failed", "path", r.URL.Path, "error", err)
		return http.StatusBadRequest, formatValidationErrors(err)
	}
	return 0, ""
}

// SignInHandler authenticates email and password, checks the second factor
// when the account has one enabled and issues a session.
func (g *Guard) SignInHandler(r *http.Request) SignInResponse {
	var req SignInRequest
	if status, msg := g.decode(r, &req); status != 0 {
		return SignInResponse{StatusCode: status, Error: msg}
	}

	ctx := r.Context()
	ip := extractIP(r, g.securityConfig.TrustProxyHeaders)
	email := strings.ToLower(strings.TrimSpace(req.Email))

	account, err := storeCall(ctx, g.securityConfig.StoreTimeout, g.securityConfig.StoreRetryBackoff, func(ctx context.Context) (*Account, error) {
		return g.storage.GetAccountByEmail(ctx, email)
	})
	if err != nil {
		slog.Error("Failed to get account", "error", err)
		return SignInResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}
	if account == nil || !account.IsActive || !checkPasswordHash(req.Password, account.PasswordHash) {
		slog.Debug("Sign in rejected", "email", email, "ip", ip)
		g.auditor.Record(&AuditEvent{
			Kind:        EventLoginFailed,
			Description: "Invalid email or password",
			IPAddress:   ip,
			UserAgent:   r.UserAgent(),
			Severity:    SeverityWarning,
			Metadata:    map[string]any{"email": email},
		})
		return SignInResponse{StatusCode: http.StatusUnauthorized, Error: KindInvalidCredentials.PublicMessage()}
	}

	status, err := g.twoFactor.Status(ctx, account.ID)
	if err != nil {
		slog.Error("Failed to get two-factor status", "account_id", account.ID, "error", err)
		return SignInResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}
	if status.Enabled {
		if req.TOTPCode == "" {
			return SignInResponse{StatusCode: http.StatusUnauthorized, Requires2FA: true, Error: "Two-factor code required"}
		}
		if err := g.twoFactor.VerifyLogin(ctx, account.ID, req.TOTPCode); err != nil {
			code, msg := errorResult(err)
			slog.Debug("Two-factor login rejected", "account_id", account.ID, "reason", ReasonOf(err))
			return SignInResponse{StatusCode: code, Requires2FA: true, Error: msg}
		}
	}

	session, err := g.sessions.CreateSession(ctx, account.ID, ip, NewDeviceInfo(r))
	if err != nil {
		code, msg := errorResult(err)
		return SignInResponse{StatusCode: code, Error: msg}
	}

	csrfToken, err := GenerateCSRFToken()
	if err != nil {
		slog.Error("Failed to generate CSRF token", "error", err)
		return SignInResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}

	g.auditor.Record(&AuditEvent{
		Kind:        EventLoginSuccess,
		Description: "Signed in",
		AccountID:   accountRef(account.ID),
		IPAddress:   ip,
		UserAgent:   r.UserAgent(),
		Severity:    SeverityInfo,
		Metadata:    map[string]any{"session_id": session.ID, "two_factor": status.Enabled},
	})

	return SignInResponse{
		Token:            session.Token,
		Account:          account,
		SessionID:        session.ID,
		CSRFToken:        csrfToken,
		SessionExpiresAt: session.ExpiresAt,
		StatusCode:       http.StatusOK,
	}
}

// SignOutHandler terminates the session making the request.
func (g *Guard) SignOutHandler(r *http.Request) LogoutResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	if _, err := g.sessions.TerminateSession(r.Context(), session.Token, "logout"); err != nil {
		code, msg := errorResult(err)
		return LogoutResponse{StatusCode: code, Error: msg}
	}
	return LogoutResponse{StatusCode: http.StatusOK, Message: "Signed out", Terminated: 1}
}

// SignOutAllHandler terminates every live session of the account.
func (g *Guard) SignOutAllHandler(r *http.Request) LogoutResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	n, err := g.sessions.TerminateAllForAccount(r.Context(), session.AccountID, "logout_everywhere")
	if err != nil {
		code, msg := errorResult(err)
		return LogoutResponse{StatusCode: code, Error: msg, Terminated: n}
	}
	return LogoutResponse{StatusCode: http.StatusOK, Message: "Signed out everywhere", Terminated: n}
}

// ListSessionsHandler lists the live sessions of the account.
func (g *Guard) ListSessionsHandler(r *http.Request) SessionsResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return SessionsResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	sessions, err := g.sessions.ListActive(r.Context(), session.AccountID)
	if err != nil {
		code, msg := errorResult(err)
		return SessionsResponse{StatusCode: code, Error: msg}
	}
	return SessionsResponse{StatusCode: http.StatusOK, Sessions: sessions, CurrentID: session.ID}
}

// SessionStatsHandler returns aggregate session statistics of the account.
func (g *Guard) SessionStatsHandler(r *http.Request) SessionStatsResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return SessionStatsResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	stats, err := g.sessions.Stats(r.Context(), session.AccountID)
	if err != nil {
		code, msg := errorResult(err)
		return SessionStatsResponse{StatusCode: code, Error: msg}
	}
	return SessionStatsResponse{StatusCode: http.StatusOK, Stats: stats}
}

// SessionActivityHandler returns the recent activity of the current session.
func (g *Guard) SessionActivityHandler(r *http.Request) SessionActivityResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return SessionActivityResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	activity, err := g.sessions.ListActivity(r.Context(), session.ID, 50)
	if err != nil {
		slog.Error("Failed to list session activity", "session_id", session.ID, "error", err)
		return SessionActivityResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}
	return SessionActivityResponse{StatusCode: http.StatusOK, Activity: activity}
}

// RevokeSessionHandler terminates another session of the same account.
func (g *Guard) RevokeSessionHandler(r *http.Request) LogoutResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return LogoutResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	var req RevokeSessionRequest
	if status, msg := g.decode(r, &req); status != 0 {
		return LogoutResponse{StatusCode: status, Error: msg}
	}
	if _, err := g.sessions.TerminateAccountSession(r.Context(), session.AccountID, req.SessionID, "revoked"); err != nil {
		code, msg := errorResult(err)
		if KindOf(err) == KindSessionNotFound {
			code, msg = http.StatusNotFound, "Session not found"
		}
		return LogoutResponse{StatusCode: code, Error: msg}
	}
	return LogoutResponse{StatusCode: http.StatusOK, Message: "Session revoked", Terminated: 1}
}

// TwoFactorSetupHandler starts a two-factor setup cycle.
func (g *Guard) TwoFactorSetupHandler(r *http.Request) TwoFactorSetupResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return TwoFactorSetupResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	account, err := storeCall(r.Context(), g.securityConfig.StoreTimeout, g.securityConfig.StoreRetryBackoff, func(ctx context.Context) (*Account, error) {
		return g.storage.GetAccountByID(ctx, session.AccountID)
	})
	if err != nil || account == nil {
		slog.Error("Failed to get account for two-factor setup", "account_id", session.AccountID, "error", err)
		return TwoFactorSetupResponse{StatusCode: http.StatusInternalServerError, Error: "Internal server error"}
	}
	setup, err := g.twoFactor.Setup(r.Context(), account.ID, account.Email)
	if err != nil {
		code, msg := errorResult(err)
		return TwoFactorSetupResponse{StatusCode: code, Error: msg}
	}
	return TwoFactorSetupResponse{StatusCode: http.StatusOK, Setup: setup}
}

// TwoFactorEnableHandler confirms the pending setup with a TOTP code.
func (g *Guard) TwoFactorEnableHandler(r *http.Request) TwoFactorResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return TwoFactorResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	var req TwoFactorCodeRequest
	if status, _ := g.decode(r, &req); status != 0 {
		// Do not reveal whether the format or the value was wrong.
		return TwoFactorResponse{StatusCode: http.StatusBadRequest, Error: KindTwoFactorInvalidCode.PublicMessage()}
	}
	if err := g.twoFactor.VerifyAndEnable(r.Context(), session.AccountID, req.Code); err != nil {
		code, msg := errorResult(err)
		return TwoFactorResponse{StatusCode: code, Error: msg}
	}
	return TwoFactorResponse{StatusCode: http.StatusOK, Message: "Two-factor authentication enabled"}
}

// TwoFactorDisableHandler disables two-factor after password confirmation.
func (g *Guard) TwoFactorDisableHandler(r *http.Request) TwoFactorResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return TwoFactorResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	var req PasswordConfirmRequest
	if status, msg := g.decode(r, &req); status != 0 {
		return TwoFactorResponse{StatusCode: status, Error: msg}
	}
	if err := g.twoFactor.Disable(r.Context(), session.AccountID, req.Password); err != nil {
		code, msg := errorResult(err)
		return TwoFactorResponse{StatusCode: code, Error: msg}
	}
	return TwoFactorResponse{StatusCode: http.StatusOK, Message: "Two-factor authentication disabled"}
}

// TwoFactorRegenerateBackupCodesHandler issues a fresh backup code set.
func (g *Guard) TwoFactorRegenerateBackupCodesHandler(r *http.Request) TwoFactorResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return TwoFactorResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	var req PasswordConfirmRequest
	if status, msg := g.decode(r, &req); status != 0 {
		return TwoFactorResponse{StatusCode: status, Error: msg}
	}
	codes, err := g.twoFactor.RegenerateBackupCodes(r.Context(), session.AccountID, req.Password)
	if err != nil {
		code, msg := errorResult(err)
		return TwoFactorResponse{StatusCode: code, Error: msg}
	}
	return TwoFactorResponse{StatusCode: http.StatusOK, Message: "Backup codes regenerated", BackupCodes: codes}
}

// TwoFactorStatusHandler reports the two-factor enrollment of the account.
func (g *Guard) TwoFactorStatusHandler(r *http.Request) TwoFactorStatusResponse {
	session := GetSessionFromContext(r)
	if session == nil {
		return TwoFactorStatusResponse{StatusCode: http.StatusUnauthorized, Error: "Unauthorized"}
	}
	status, err := g.twoFactor.Status(r.Context(), session.AccountID)
	if err != nil {
		code, msg := errorResult(err)
		return TwoFactorStatusResponse{StatusCode: code, Error: msg}
	}
	return TwoFactorStatusResponse{StatusCode: http.StatusOK, Status: status}
}
