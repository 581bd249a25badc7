package core

import (
	"context"
	"time"
)

// Account is the minimal identity record the security subsystem needs: enough
// to sign in and to re-authenticate before sensitive two-factor changes.
type Account struct {
	ID           uint      `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionSuspicious SessionStatus = "suspicious"
	SessionBlocked    SessionStatus = "blocked"
	SessionExpired    SessionStatus = "expired"
	SessionTerminated SessionStatus = "terminated"
)

// IsTerminal reports whether no transition can leave this state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionBlocked || s == SessionExpired || s == SessionTerminated
}

// canTransition encodes the session state machine. Terminal states have no
// outgoing edges; active and suspicious may toggle.
func canTransition(from, to SessionStatus) bool {
	if from.IsTerminal() {
		return false
	}
	switch to {
	case SessionActive, SessionSuspicious, SessionBlocked, SessionExpired, SessionTerminated:
		return true
	}
	return false
}

// Session represents one authenticated client connection with device and
// location tracking.
type Session struct {
	ID        uint   `json:"id"`
	Token     string `json:"-"`
	AccountID uint   `json:"account_id"`

	// Status
	Status       SessionStatus `json:"status"`
	StatusReason string        `json:"status_reason,omitempty"`

	// Device & Location Tracking
	IPAddress         string `json:"ip_address"`
	DeviceFingerprint string `json:"device_fingerprint"`
	UserAgent         string `json:"user_agent"`
	DeviceType        string `json:"device_type"`
	Browser           string `json:"browser"`
	OS                string `json:"os"`
	Country           string `json:"country,omitempty"`

	// Timestamps
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	UpdatedAt      time.Time `json:"updated_at"`

	// Version is bumped by storage on every successful update.
	Version int `json:"-"`
}

// SessionActivity is an append-only log entry tied to a session.
type SessionActivity struct {
	ID         uint      `json:"id"`
	SessionID  uint      `json:"session_id"`
	AccountID  uint      `json:"account_id"`
	Endpoint   string    `json:"endpoint"`
	Method     string    `json:"method"`
	StatusCode int       `json:"status_code"`
	IPAddress  string    `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
}

// TwoFactorCredential is the TOTP enrollment of an account. Backup codes are
// stored separately, one hashed row per code.
type TwoFactorCredential struct {
	ID        uint   `json:"id"`
	AccountID uint   `json:"account_id"`
	Secret    string `json:"-"` // as stored, possibly encrypted
	Enabled   bool   `json:"enabled"`

	// LastUsedStep is the TOTP time step of the last accepted code.
	LastUsedStep int64 `json:"-"`

	CreatedAt  time.Time  `json:"created_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Version int `json:"-"`
}

// Severity grades audit events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AuditEvent is a security event handed to the audit sink.
type AuditEvent struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	AccountID   *uint          `json:"account_id,omitempty"`
	IPAddress   string         `json:"ip_address"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Method      string         `json:"method,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	Latency     time.Duration  `json:"latency,omitempty"`
	Severity    Severity       `json:"severity"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Storage defines the persistence contract of the security subsystem.
//
// Lookups return (nil, nil) when the record does not exist. Update methods
// are compare-and-swap on the record's Version and return ErrConcurrentUpdate
// when another writer got there first; on success they increment Version.
type Storage interface {
	// Account operations
	CreateAccount(ctx context.Context, account *Account) error
	GetAccountByID(ctx context.Context, id uint) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	// Session operations
	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, token string) (*Session, error)
	UpdateSession(ctx context.Context, session *Session) error
	GetAccountSessions(ctx context.Context, accountID uint) ([]*Session, error)
	// GetExpiredSessions lists active and suspicious sessions whose expiry is
	// before now.
	GetExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error)
	DeleteTerminalSessions(ctx context.Context, updatedBefore time.Time) (int, error)

	// Session activity operations
	CreateSessionActivity(ctx context.Context, activity *SessionActivity) error
	GetSessionActivity(ctx context.Context, sessionID uint, limit int) ([]*SessionActivity, error)

	// Two-factor operations. SaveTwoFactorSetup and ReplaceBackupCodes run in a
	// single transaction; ReplaceBackupCodes only touches an enabled credential
	// and returns ErrTwoFactorNotEnabled otherwise; ConsumeBackupCode deletes the matching code of an
	// enabled credential and stamps last_used_at atomically, reporting whether
	// a code was consumed.
	GetTwoFactor(ctx context.Context, accountID uint) (*TwoFactorCredential, error)
	SaveTwoFactorSetup(ctx context.Context, credential *TwoFactorCredential, codeHashes []string) error
	UpdateTwoFactor(ctx context.Context, credential *TwoFactorCredential) error
	ConsumeBackupCode(ctx context.Context, accountID uint, codeHash string, usedAt time.Time) (bool, error)
	ReplaceBackupCodes(ctx context.Context, accountID uint, codeHashes []string) error
	CountBackupCodes(ctx context.Context, accountID uint) (int, error)

	// Security event operations
	CreateSecurityEvent(ctx context.Context, event *AuditEvent) error
	GetSecurityEvents(ctx context.Context, accountID *uint, kind string, limit int, offset int) ([]*AuditEvent, error)

	// Health check
	Ping(ctx context.Context) error
	Close() error
}

// CounterStore is the shared atomic counter backing the rate limiter.
type CounterStore interface {
	// Increment atomically increments key and returns the new value along with
	// the time left until the key expires. The first increment of a window
	// creates the key with a time-to-live of window.
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
	// Count returns the current value of key without changing it; a missing
	// or expired key counts as zero.
	Count(ctx context.Context, key string) (int64, error)
}

// Locker provides a deployment-wide mutual exclusion lease.
type Locker interface {
	// TryLock acquires key for ttl without blocking. When acquired is false the
	// lease is held elsewhere.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, acquired bool, err error)
}

// FieldEncryptor is the opaque field-level encryption collaborator.
type FieldEncryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PlaintextEncryptor stores fields as-is.
type PlaintextEncryptor struct{}

func (PlaintextEncryptor) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (PlaintextEncryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }
