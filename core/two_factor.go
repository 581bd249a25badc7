package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriod     = 30
	totpDigits     = otp.DigitsSix
	totpSecretSize = 20
	qrCodeSize     = 200

	// Backup codes avoid look-alike characters (0/O, 1/I/L).
	backupCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	backupCodeLength   = 8
)

// TwoFactorConfig configures a TwoFactorManager.
type TwoFactorConfig struct {
	Issuer          string
	Skew            uint
	BackupCodeCount int
	StoreTimeout    time.Duration
	RetryBackoff    time.Duration
	Encryptor       FieldEncryptor
	Passwords       PasswordVerifier
	AttemptLimiter  *RateLimiter // optional, keyed per account
	Auditor         *Auditor     // optional
	Clock           func() time.Time
}

// TwoFactorSetup is returned exactly once, when a setup cycle starts.
type TwoFactorSetup struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       string   `json:"qr_code_png"` // base64
	BackupCodes     []string `json:"backup_codes"`
}

// TwoFactorStatus is the read-only view of an account's enrollment.
type TwoFactorStatus struct {
	Enabled              bool       `json:"enabled"`
	Configured           bool       `json:"configured"`
	BackupCodesRemaining int        `json:"backup_codes_remaining"`
	LastUsed             *time.Time `json:"last_used,omitempty"`
	CreatedAt            *time.Time `json:"created_at,omitempty"`
}

// TwoFactorManager owns the TOTP secret and backup code lifecycle.
//
// Enrollment is two-phase: Setup stores a pending secret with enabled=false,
// and only VerifyAndEnable with a valid code can enable it.
type TwoFactorManager struct {
	storage Storage
	config  TwoFactorConfig
	now     func() time.Time
}

// NewTwoFactorManager creates a two-factor manager over storage.
func NewTwoFactorManager(storage Storage, config TwoFactorConfig) *TwoFactorManager {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	if config.Encryptor == nil {
		config.Encryptor = PlaintextEncryptor{}
	}
	if config.BackupCodeCount <= 0 {
		config.BackupCodeCount = 10
	}
	return &TwoFactorManager{storage: storage, config: config, now: now}
}

func (m *TwoFactorManager) load(ctx context.Context, accountID uint) (*TwoFactorCredential, error) {
	cred, err := storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) (*TwoFactorCredential, error) {
		return m.storage.GetTwoFactor(ctx, accountID)
	})
	if err != nil {
		slog.Error("Failed to get two-factor credential", "account_id", accountID, "error", err)
		return nil, newSecurityError(KindInternal, "failed to load two-factor credential", err)
	}
	return cred, nil
}

func (m *TwoFactorManager) save(ctx context.Context, cred *TwoFactorCredential) error {
	return storeExec(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) error {
		return m.storage.UpdateTwoFactor(ctx, cred)
	})
}

// checkAttempts refuses a verification once the account has used up its
// failed-attempt budget. It does not count the attempt itself.
func (m *TwoFactorManager) checkAttempts(ctx context.Context, accountID uint) error {
	if m.config.AttemptLimiter == nil {
		return nil
	}
	if exhausted, _ := m.config.AttemptLimiter.Exhausted(ctx, strconv.FormatUint(uint64(accountID), 10)); exhausted {
		m.audit(accountID, Event2FAFailed, "Two-factor attempts exhausted", SeverityHigh, nil)
		return newSecurityError(KindRateLimited, fmt.Sprintf("two-factor attempts exhausted for account %d", accountID), nil)
	}
	return nil
}

// rejectCode counts a failed verification against the account's budget and
// returns the invalid-code error.
func (m *TwoFactorManager) rejectCode(ctx context.Context, accountID uint, reason string) error {
	if m.config.AttemptLimiter != nil {
		if _, err := m.config.AttemptLimiter.Check(ctx, strconv.FormatUint(uint64(accountID), 10)); err != nil {
			slog.Error("Failed to count two-factor attempt", "account_id", accountID, "error", err)
		}
	}
	return newSecurityError(KindTwoFactorInvalidCode, reason, nil)
}

// Setup starts a setup cycle: a new secret and a new set of backup codes,
// stored with enabled=false. A pending setup is overwritten; an enabled
// credential is a conflict.
func (m *TwoFactorManager) Setup(ctx context.Context, accountID uint, accountName string) (*TwoFactorSetup, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.config.Issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		SecretSize:  totpSecretSize,
		Digits:      totpDigits,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to generate TOTP key", err)
	}

	qr, err := encodeQRCode(key)
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to render QR code", err)
	}

	codes, err := generateBackupCodes(m.config.BackupCodeCount)
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to generate backup codes", err)
	}
	hashes := hashBackupCodes(codes)

	secret, err := m.config.Encryptor.Encrypt(key.Secret())
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to encrypt TOTP secret", err)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		existing, err := m.load(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if existing != nil && existing.Enabled {
			return nil, newSecurityError(KindTwoFactorAlreadyEnabled, fmt.Sprintf("account %d already has two-factor enabled", accountID), nil)
		}

		now := m.now()
		cred := &TwoFactorCredential{AccountID: accountID}
		if existing != nil {
			cred = existing
		}
		cred.Secret = secret
		cred.Enabled = false
		cred.LastUsedStep = 0
		cred.CreatedAt = now
		cred.VerifiedAt = nil
		cred.LastUsedAt = nil
		cred.DisabledAt = nil
		cred.UpdatedAt = now

		err = storeExec(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) error {
			return m.storage.SaveTwoFactorSetup(ctx, cred, hashes)
		})
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			slog.Error("Failed to save two-factor setup", "account_id", accountID, "error", err)
			return nil, newSecurityError(KindInternal, "failed to save two-factor setup", err)
		}

		m.audit(accountID, Event2FASetup, "Two-factor setup started", SeverityInfo, nil)
		return &TwoFactorSetup{
			Secret:          key.Secret(),
			ProvisioningURI: key.URL(),
			QRCodePNG:       qr,
			BackupCodes:     codes,
		}, nil
	}
	return nil, newSecurityError(KindInternal, "two-factor setup contention", ErrConcurrentUpdate)
}

// VerifyAndEnable enables the pending credential when code is a valid TOTP
// code for its secret. It is the only path that sets enabled=true.
func (m *TwoFactorManager) VerifyAndEnable(ctx context.Context, accountID uint, code string) error {
	if err := m.checkAttempts(ctx, accountID); err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cred, err := m.load(ctx, accountID)
		if err != nil {
			return err
		}
		if cred == nil {
			return newSecurityError(KindTwoFactorNotFound, fmt.Sprintf("account %d has no two-factor setup", accountID), nil)
		}
		if cred.Enabled {
			return newSecurityError(KindTwoFactorAlreadyEnabled, fmt.Sprintf("account %d already has two-factor enabled", accountID), nil)
		}

		step, ok, err := m.matchTOTP(cred, code)
		if err != nil {
			return err
		}
		if !ok {
			m.audit(accountID, Event2FAFailed, "Two-factor enable code rejected", SeverityWarning, nil)
			return m.rejectCode(ctx, accountID, "enable code rejected")
		}

		now := m.now()
		cred.Enabled = true
		cred.VerifiedAt = &now
		cred.LastUsedStep = step
		cred.DisabledAt = nil
		cred.UpdatedAt = now
		err = m.save(ctx, cred)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			slog.Error("Failed to enable two-factor", "account_id", accountID, "error", err)
			return newSecurityError(KindInternal, "failed to enable two-factor", err)
		}

		slog.Info("Two-factor enabled", "account_id", accountID)
		m.audit(accountID, Event2FAEnabled, "Two-factor enabled", SeverityInfo, nil)
		return nil
	}
	return newSecurityError(KindInternal, "two-factor update contention", ErrConcurrentUpdate)
}

// VerifyLogin checks a second factor for an enabled credential. A matching
// backup code is consumed; otherwise code is checked as TOTP, and a time step
// at or before the last accepted one is refused as a replay.
func (m *TwoFactorManager) VerifyLogin(ctx context.Context, accountID uint, code string) error {
	if err := m.checkAttempts(ctx, accountID); err != nil {
		return err
	}

	cred, err := m.load(ctx, accountID)
	if err != nil {
		return err
	}
	if cred == nil {
		return newSecurityError(KindTwoFactorNotFound, fmt.Sprintf("account %d has no two-factor setup", accountID), nil)
	}
	if !cred.Enabled {
		return newSecurityError(KindTwoFactorNotEnabled, fmt.Sprintf("account %d has not enabled two-factor", accountID), nil)
	}

	if normalized := normalizeBackupCode(code); len(normalized) == backupCodeLength {
		// Single attempt: a timed-out DELETE may already have committed.
		consumed, err := storeAttempt(ctx, m.config.StoreTimeout, func(ctx context.Context) (bool, error) {
			return m.storage.ConsumeBackupCode(ctx, accountID, hashBackupCode(normalized), m.now())
		})
		if err != nil {
			slog.Error("Failed to consume backup code", "account_id", accountID, "error", err)
			return newSecurityError(KindInternal, "failed to consume backup code", err)
		}
		if consumed {
			slog.Info("Backup code used", "account_id", accountID)
			m.audit(accountID, Event2FABackupCodeUsed, "Two-factor backup code used", SeverityWarning, nil)
			return nil
		}
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if attempt > 0 {
			if cred, err = m.load(ctx, accountID); err != nil {
				return err
			}
			if cred == nil || !cred.Enabled {
				return newSecurityError(KindTwoFactorNotEnabled, fmt.Sprintf("account %d disabled two-factor concurrently", accountID), nil)
			}
		}

		step, ok, err := m.matchTOTP(cred, code)
		if err != nil {
			return err
		}
		if !ok {
			m.audit(accountID, Event2FAFailed, "Two-factor login code rejected", SeverityWarning, nil)
			return m.rejectCode(ctx, accountID, "login code rejected")
		}
		if step <= cred.LastUsedStep {
			m.audit(accountID, Event2FAFailed, "Two-factor code replayed", SeverityHigh, map[string]any{"step": step})
			return m.rejectCode(ctx, accountID, "login code replayed")
		}

		now := m.now()
		cred.LastUsedStep = step
		cred.LastUsedAt = &now
		cred.UpdatedAt = now
		err = m.save(ctx, cred)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			slog.Error("Failed to record two-factor use", "account_id", accountID, "error", err)
			return newSecurityError(KindInternal, "failed to record two-factor use", err)
		}

		m.audit(accountID, Event2FAVerified, "Two-factor code verified", SeverityInfo, nil)
		return nil
	}
	return newSecurityError(KindInternal, "two-factor update contention", ErrConcurrentUpdate)
}

// Disable turns off two-factor after password re-authentication. The secret
// and remaining codes stay stored but inert until the next Setup.
func (m *TwoFactorManager) Disable(ctx context.Context, accountID uint, currentPassword string) error {
	if err := m.reauthenticate(ctx, accountID, currentPassword); err != nil {
		return err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cred, err := m.load(ctx, accountID)
		if err != nil {
			return err
		}
		if cred == nil {
			return newSecurityError(KindTwoFactorNotFound, fmt.Sprintf("account %d has no two-factor setup", accountID), nil)
		}
		if !cred.Enabled {
			return newSecurityError(KindTwoFactorNotEnabled, fmt.Sprintf("account %d has not enabled two-factor", accountID), nil)
		}

		now := m.now()
		cred.Enabled = false
		cred.DisabledAt = &now
		cred.UpdatedAt = now
		err = m.save(ctx, cred)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			slog.Error("Failed to disable two-factor", "account_id", accountID, "error", err)
			return newSecurityError(KindInternal, "failed to disable two-factor", err)
		}

		slog.Info("Two-factor disabled", "account_id", accountID)
		m.audit(accountID, Event2FADisabled, "Two-factor disabled", SeverityWarning, nil)
		return nil
	}
	return newSecurityError(KindInternal, "two-factor update contention", ErrConcurrentUpdate)
}

// RegenerateBackupCodes replaces the whole backup code set after password
// re-authentication. Every previous code stops working.
func (m *TwoFactorManager) RegenerateBackupCodes(ctx context.Context, accountID uint, currentPassword string) ([]string, error) {
	if err := m.reauthenticate(ctx, accountID, currentPassword); err != nil {
		return nil, err
	}

	cred, err := m.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, newSecurityError(KindTwoFactorNotFound, fmt.Sprintf("account %d has no two-factor setup", accountID), nil)
	}
	if !cred.Enabled {
		return nil, newSecurityError(KindTwoFactorNotEnabled, fmt.Sprintf("account %d has not enabled two-factor", accountID), nil)
	}

	codes, err := generateBackupCodes(m.config.BackupCodeCount)
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to generate backup codes", err)
	}
	err = storeExec(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) error {
		return m.storage.ReplaceBackupCodes(ctx, accountID, hashBackupCodes(codes))
	})
	if errors.Is(err, ErrTwoFactorNotEnabled) {
		return nil, newSecurityError(KindTwoFactorNotEnabled, fmt.Sprintf("account %d disabled two-factor concurrently", accountID), err)
	}
	if err != nil {
		slog.Error("Failed to replace backup codes", "account_id", accountID, "error", err)
		return nil, newSecurityError(KindInternal, "failed to replace backup codes", err)
	}

	m.audit(accountID, Event2FABackupCodesReissued, "Two-factor backup codes regenerated", SeverityWarning, nil)
	return codes, nil
}

// Status reports the enrollment state of accountID.
func (m *TwoFactorManager) Status(ctx context.Context, accountID uint) (*TwoFactorStatus, error) {
	cred, err := m.load(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return &TwoFactorStatus{}, nil
	}

	remaining, err := storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) (int, error) {
		return m.storage.CountBackupCodes(ctx, accountID)
	})
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to count backup codes", err)
	}

	createdAt := cred.CreatedAt
	return &TwoFactorStatus{
		Enabled:              cred.Enabled,
		Configured:           true,
		BackupCodesRemaining: remaining,
		LastUsed:             cred.LastUsedAt,
		CreatedAt:            &createdAt,
	}, nil
}

func (m *TwoFactorManager) reauthenticate(ctx context.Context, accountID uint, password string) error {
	if m.config.Passwords == nil {
		return newSecurityError(KindInternal, "no password verifier configured", nil)
	}
	ok, err := m.config.Passwords.VerifyPassword(ctx, accountID, password)
	if err != nil {
		return newSecurityError(KindInternal, "failed to verify password", err)
	}
	if !ok {
		m.audit(accountID, EventLoginFailed, "Re-authentication failed", SeverityWarning, nil)
		return newSecurityError(KindInvalidCredentials, fmt.Sprintf("re-authentication failed for account %d", accountID), nil)
	}
	return nil
}

// matchTOTP validates code against the credential's secret within the skew
// window and returns the matched time step.
func (m *TwoFactorManager) matchTOTP(cred *TwoFactorCredential, code string) (int64, bool, error) {
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	if len(code) != totpDigits.Length() {
		return 0, false, nil
	}
	secret, err := m.config.Encryptor.Decrypt(cred.Secret)
	if err != nil {
		return 0, false, newSecurityError(KindInternal, "failed to decrypt TOTP secret", err)
	}

	now := m.now()
	skew := int(m.config.Skew)
	for offset := -skew; offset <= skew; offset++ {
		at := now.Add(time.Duration(offset*totpPeriod) * time.Second)
		valid, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    totpDigits,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			continue
		}
		if valid {
			return at.Unix() / totpPeriod, true, nil
		}
	}
	return 0, false, nil
}

func (m *TwoFactorManager) audit(accountID uint, kind, description string, severity Severity, metadata map[string]any) {
	m.config.Auditor.Record(&AuditEvent{
		Kind:        kind,
		Description: description,
		AccountID:   accountRef(accountID),
		Severity:    severity,
		Metadata:    metadata,
		CreatedAt:   m.now(),
	})
}

func encodeQRCode(key *otp.Key) (string, error) {
	img, err := key.Image(qrCodeSize, qrCodeSize)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// generateBackupCodes returns n codes formatted XXXX-XXXX.
func generateBackupCodes(n int) ([]string, error) {
	codes := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	limit := big.NewInt(int64(len(backupCodeAlphabet)))
	for len(codes) < n {
		raw := make([]byte, backupCodeLength)
		for i := range raw {
			idx, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return nil, err
			}
			raw[i] = backupCodeAlphabet[idx.Int64()]
		}
		code := string(raw[:4]) + "-" + string(raw[4:])
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		codes = append(codes, code)
	}
	return codes, nil
}

// normalizeBackupCode uppercases code and drops separators so "abcd-efgh",
// "ABCD EFGH" and "ABCDEFGH" are the same code.
func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.NewReplacer("-", "", " ", "").Replace(code)
}

func hashBackupCode(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func hashBackupCodes(codes []string) []string {
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = hashBackupCode(normalizeBackupCode(c))
	}
	return hashes
}
