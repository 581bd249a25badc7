package core

import (
	"context"
	"net/http"
	"slices"
	"testing"
	"time"
)

const testEmail = "doctor@clinic.test"

func mustCreateTestAccount(t *testing.T, g *Guard) *Account {
	t.Helper()
	account, err := g.CreateAccount(context.Background(), testEmail, testPassword)
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	return account
}

func mustSignIn(t *testing.T, g *Guard) SignInResponse {
	t.Helper()
	result := g.SignInHandler(createTestRequest(t, http.MethodPost, "/auth/signin", SignInRequest{
		Email:    testEmail,
		Password: testPassword,
	}))
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected sign in to succeed, got %d: %s", result.StatusCode, result.Error)
	}
	return result
}

// callProtected runs handler behind Protect with the given bearer token.
func callProtected[T any](t *testing.T, g *Guard, token string, req *http.Request, handler func(*http.Request) T) (T, int) {
	t.Helper()
	var result T
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	rec := serve(g.Protect(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result = handler(r)
	})), req)
	return result, rec.Code
}

func TestSignInHandler(t *testing.T) {
	guard, _, _ := mustCreateTestGuard(t, nil)
	account := mustCreateTestAccount(t, guard)

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantError  string
	}{
		{
			name:       "success",
			body:       SignInRequest{Email: "Doctor@Clinic.test", Password: testPassword},
			wantStatus: http.StatusOK,
		},
		{
			name:       "wrong_password",
			body:       SignInRequest{Email: testEmail, Password: "wrong"},
			wantStatus: http.StatusUnauthorized,
			wantError:  KindInvalidCredentials.PublicMessage(),
		},
		{
			name:       "unknown_account",
			body:       SignInRequest{Email: "nurse@clinic.test", Password: testPassword},
			wantStatus: http.StatusUnauthorized,
			wantError:  KindInvalidCredentials.PublicMessage(),
		},
		{
			name:       "invalid_email",
			body:       SignInRequest{Email: "not-an-email", Password: testPassword},
			wantStatus: http.StatusBadRequest,
			wantError:  "Email must be a valid email address",
		},
		{
			name:       "malformed_body",
			body:       "{not json",
			wantStatus: http.StatusBadRequest,
			wantError:  "Invalid request format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := guard.SignInHandler(createTestRequest(t, http.MethodPost, "/auth/signin", tt.body))
			if result.StatusCode != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d (%s)", tt.wantStatus, result.StatusCode, result.Error)
			}
			if result.Error != tt.wantError {
				t.Errorf("Expected error %q, got %q", tt.wantError, result.Error)
			}
			if tt.wantStatus != http.StatusOK {
				if result.Token != "" {
					t.Error("Expected no token on failure")
				}
				return
			}
			if result.Token == "" || result.CSRFToken == "" {
				t.Error("Expected session and CSRF tokens")
			}
			if result.Account == nil || result.Account.ID != account.ID {
				t.Errorf("Expected account %d, got %+v", account.ID, result.Account)
			}
			if result.Requires2FA {
				t.Error("Did not expect a second factor")
			}
		})
	}

	kinds := auditKinds(t, guard)
	if countOf(kinds, EventLoginFailed) != 2 || countOf(kinds, EventLoginSuccess) != 1 {
		t.Errorf("Unexpected login events %v", kinds)
	}
}

func TestSignInHandler_TwoFactor(t *testing.T) {
	guard, _, clock := mustCreateTestGuard(t, nil)
	account := mustCreateTestAccount(t, guard)
	setup := mustEnableTwoFactor(t, guard.TwoFactor(), clock, account.ID)
	clock.Advance(time.Minute)

	signIn := func(code string) SignInResponse {
		return guard.SignInHandler(createTestRequest(t, http.MethodPost, "/auth/signin", SignInRequest{
			Email:    testEmail,
			Password: testPassword,
			TOTPCode: code,
		}))
	}

	result := signIn("")
	if result.StatusCode != http.StatusUnauthorized || !result.Requires2FA || result.Token != "" {
		t.Errorf("Expected a second factor to be required, got %+v", result)
	}

	valid := totpCode(t, setup.Secret, clock.Now())
	wrong := []byte(valid)
	wrong[0] = '0' + (wrong[0]-'0'+5)%10
	result = signIn(string(wrong))
	if result.StatusCode != http.StatusBadRequest || result.Error != KindTwoFactorInvalidCode.PublicMessage() {
		t.Errorf("Expected invalid code rejection, got %d %q", result.StatusCode, result.Error)
	}

	result = signIn(valid)
	if result.StatusCode != http.StatusOK || result.Token == "" {
		t.Fatalf("Expected sign in with a valid code, got %d %q", result.StatusCode, result.Error)
	}

	// The same code cannot be used twice.
	if result = signIn(valid); result.StatusCode == http.StatusOK {
		t.Error("Expected replayed code to be rejected")
	}

	// A backup code works in place of a TOTP code.
	if result = signIn(setup.BackupCodes[0]); result.StatusCode != http.StatusOK {
		t.Errorf("Expected sign in with a backup code, got %d %q", result.StatusCode, result.Error)
	}
}

func TestSessionHandlers(t *testing.T) {
	guard, _, _ := mustCreateTestGuard(t, nil)
	mustCreateTestAccount(t, guard)
	first := mustSignIn(t, guard)
	second := mustSignIn(t, guard)

	listed, code := callProtected(t, guard, first.Token, createTestRequest(t, http.MethodGet, "/auth/sessions", nil), guard.ListSessionsHandler)
	if code != http.StatusOK || listed.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d/%d", code, listed.StatusCode)
	}
	if len(listed.Sessions) != 2 || listed.CurrentID != first.SessionID {
		t.Errorf("Expected 2 sessions with current %d, got %d with current %d", first.SessionID, len(listed.Sessions), listed.CurrentID)
	}

	stats, _ := callProtected(t, guard, first.Token, createTestRequest(t, http.MethodGet, "/auth/sessions/stats", nil), guard.SessionStatsHandler)
	if stats.Stats == nil || stats.Stats.Active != 2 || stats.Stats.UniqueIPs != 1 {
		t.Errorf("Unexpected stats %+v", stats.Stats)
	}

	t.Run("revoke_unknown", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/auth/sessions/revoke", RevokeSessionRequest{SessionID: 9999})
		result, _ := callProtected(t, guard, first.Token, req, guard.RevokeSessionHandler)
		if result.StatusCode != http.StatusNotFound {
			t.Errorf("Expected 404, got %d", result.StatusCode)
		}
	})

	t.Run("revoke_other", func(t *testing.T) {
		req := createTestRequest(t, http.MethodPost, "/auth/sessions/revoke", RevokeSessionRequest{SessionID: second.SessionID})
		result, _ := callProtected(t, guard, first.Token, req, guard.RevokeSessionHandler)
		if result.StatusCode != http.StatusOK || result.Terminated != 1 {
			t.Errorf("Expected revocation, got %+v", result)
		}
		_, code := callProtected(t, guard, second.Token, createTestRequest(t, http.MethodGet, "/auth/sessions", nil), guard.ListSessionsHandler)
		if code != http.StatusUnauthorized {
			t.Errorf("Expected revoked session to be rejected, got %d", code)
		}
	})

	t.Run("activity", func(t *testing.T) {
		result, _ := callProtected(t, guard, first.Token, createTestRequest(t, http.MethodGet, "/auth/sessions/activity", nil), guard.SessionActivityHandler)
		if result.StatusCode != http.StatusOK {
			t.Fatalf("Expected 200, got %d", result.StatusCode)
		}
		var methods []string
		for _, a := range result.Activity {
			methods = append(methods, a.Method)
		}
		if !slices.Contains(methods, http.MethodPost) {
			t.Errorf("Expected the revocation requests in the activity log, got %v", methods)
		}
	})

	t.Run("logout", func(t *testing.T) {
		result, _ := callProtected(t, guard, first.Token, createTestRequest(t, http.MethodPost, "/auth/logout", nil), guard.SignOutHandler)
		if result.StatusCode != http.StatusOK || result.Terminated != 1 {
			t.Errorf("Expected logout, got %+v", result)
		}
		_, code := callProtected(t, guard, first.Token, createTestRequest(t, http.MethodPost, "/auth/logout", nil), guard.SignOutHandler)
		if code != http.StatusUnauthorized {
			t.Errorf("Expected terminated session to be rejected, got %d", code)
		}
	})
}

func TestSignOutAllHandler(t *testing.T) {
	guard, _, _ := mustCreateTestGuard(t, nil)
	mustCreateTestAccount(t, guard)
	sessions := []SignInResponse{mustSignIn(t, guard), mustSignIn(t, guard), mustSignIn(t, guard)}

	result, _ := callProtected(t, guard, sessions[0].Token, createTestRequest(t, http.MethodPost, "/auth/logout-all", nil), guard.SignOutAllHandler)
	if result.StatusCode != http.StatusOK || result.Terminated != 3 {
		t.Errorf("Expected 3 sessions terminated, got %+v", result)
	}
	for _, s := range sessions {
		if _, code := callProtected(t, guard, s.Token, createTestRequest(t, http.MethodGet, "/auth/sessions", nil), guard.ListSessionsHandler); code != http.StatusUnauthorized {
			t.Errorf("Expected session %d to be rejected, got %d", s.SessionID, code)
		}
	}
}

func TestHandlers_NoSession(t *testing.T) {
	guard, _, _ := mustCreateTestGuard(t, nil)
	req := createTestRequest(t, http.MethodGet, "/auth/sessions", nil)

	if got := guard.ListSessionsHandler(req).StatusCode; got != http.StatusUnauthorized {
		t.Errorf("ListSessionsHandler: expected 401, got %d", got)
	}
	if got := guard.SignOutHandler(req).StatusCode; got != http.StatusUnauthorized {
		t.Errorf("SignOutHandler: expected 401, got %d", got)
	}
	if got := guard.TwoFactorStatusHandler(req).StatusCode; got != http.StatusUnauthorized {
		t.Errorf("TwoFactorStatusHandler: expected 401, got %d", got)
	}
}

func TestTwoFactorHandlers(t *testing.T) {
	guard, _, clock := mustCreateTestGuard(t, nil)
	mustCreateTestAccount(t, guard)
	token := mustSignIn(t, guard).Token

	call := func(method, path string, body any, handler func(*http.Request) TwoFactorResponse) TwoFactorResponse {
		result, _ := callProtected(t, guard, token, createTestRequest(t, method, path, body), handler)
		return result
	}

	setup, _ := callProtected(t, guard, token, createTestRequest(t, http.MethodPost, "/auth/2fa/setup", nil), guard.TwoFactorSetupHandler)
	if setup.StatusCode != http.StatusOK || setup.Setup == nil {
		t.Fatalf("Expected setup payload, got %d %q", setup.StatusCode, setup.Error)
	}

	result := call(http.MethodPost, "/auth/2fa/enable", TwoFactorCodeRequest{Code: "12ab56"}, guard.TwoFactorEnableHandler)
	if result.StatusCode != http.StatusBadRequest || result.Error != KindTwoFactorInvalidCode.PublicMessage() {
		t.Errorf("Expected malformed code to be rejected as invalid, got %d %q", result.StatusCode, result.Error)
	}

	code := totpCode(t, setup.Setup.Secret, clock.Now())
	result = call(http.MethodPost, "/auth/2fa/enable", TwoFactorCodeRequest{Code: code}, guard.TwoFactorEnableHandler)
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected enable to succeed, got %d %q", result.StatusCode, result.Error)
	}

	status, _ := callProtected(t, guard, token, createTestRequest(t, http.MethodGet, "/auth/2fa/status", nil), guard.TwoFactorStatusHandler)
	if status.Status == nil || !status.Status.Enabled || status.Status.BackupCodesRemaining != 10 {
		t.Errorf("Unexpected status %+v", status.Status)
	}

	result = call(http.MethodPost, "/auth/2fa/backup-codes", PasswordConfirmRequest{Password: "wrong"}, guard.TwoFactorRegenerateBackupCodesHandler)
	if result.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected wrong password to be rejected, got %d", result.StatusCode)
	}
	result = call(http.MethodPost, "/auth/2fa/backup-codes", PasswordConfirmRequest{Password: testPassword}, guard.TwoFactorRegenerateBackupCodesHandler)
	if result.StatusCode != http.StatusOK || len(result.BackupCodes) != 10 {
		t.Errorf("Expected 10 fresh backup codes, got %d %d", result.StatusCode, len(result.BackupCodes))
	}

	result = call(http.MethodPost, "/auth/2fa/disable", PasswordConfirmRequest{Password: testPassword}, guard.TwoFactorDisableHandler)
	if result.StatusCode != http.StatusOK {
		t.Fatalf("Expected disable to succeed, got %d %q", result.StatusCode, result.Error)
	}
	result = call(http.MethodPost, "/auth/2fa/disable", PasswordConfirmRequest{Password: testPassword}, guard.TwoFactorDisableHandler)
	if result.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected disabling twice to fail, got %d", result.StatusCode)
	}
}
