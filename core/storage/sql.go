// Package storage provides SQLite and PostgreSQL implementations of
// core.Storage and Redis implementations of core.CounterStore and core.Locker.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	. "github.com/wispberry-tech/wispy-guard/core"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string
	numbered          bool // $1, $2 placeholders instead of ?
	isUniqueViolation func(error) bool
	timeArg           func(time.Time) any
}

// rebind rewrites ? placeholders for dialects using numbered ones.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlStore implements core.Storage over database/sql. Queries are written
// with ? placeholders and rebound per dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) t(v time.Time) any { return s.d.timeArg(v) }

func (s *sqlStore) tp(v *time.Time) any {
	if v == nil {
		return nil
	}
	return s.d.timeArg(*v)
}

func (s *sqlStore) exec(ctx context.Context, q execer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(query), args...)
}

func (s *sqlStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(query), args...)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *sqlStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Account operations
func (s *sqlStore) CreateAccount(ctx context.Context, account *Account) error {
	now := time.Now()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	if account.UpdatedAt.IsZero() {
		account.UpdatedAt = now
	}
	query := `INSERT INTO accounts (email, password_hash, is_active, created_at, updated_at)
			  VALUES (?, ?, ?, ?, ?) RETURNING id`

	err := s.queryRow(ctx, query,
		account.Email, account.PasswordHash, account.IsActive,
		s.t(account.CreatedAt), s.t(account.UpdatedAt)).Scan(&account.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrAccountExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

const accountColumns = `id, email, password_hash, is_active, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*Account, error) {
	var a Account
	var createdAt, updatedAt dbTime
	if err := row.Scan(&a.ID, &a.Email, &a.PasswordHash, &a.IsActive, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	a.CreatedAt, a.UpdatedAt = createdAt.Time, updatedAt.Time
	return &a, nil
}

func (s *sqlStore) getAccount(ctx context.Context, where string, arg any) (*Account, error) {
	account, err := scanAccount(s.queryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *sqlStore) GetAccountByID(ctx context.Context, id uint) (*Account, error) {
	return s.getAccount(ctx, `id = ?`, id)
}

func (s *sqlStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.getAccount(ctx, `email = ?`, strings.ToLower(email))
}

// Session operations
func (s *sqlStore) CreateSession(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (token, account_id, status, status_reason, ip_address,
			  device_fingerprint, user_agent, device_type, browser, os, country,
			  created_at, last_activity_at, expires_at, updated_at, version)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1) RETURNING id`

	err := s.queryRow(ctx, query,
		session.Token, session.AccountID, string(session.Status), session.StatusReason, session.IPAddress,
		session.DeviceFingerprint, session.UserAgent, session.DeviceType, session.Browser, session.OS, session.Country,
		s.t(session.CreatedAt), s.t(session.LastActivityAt), s.t(session.ExpiresAt), s.t(session.UpdatedAt)).Scan(&session.ID)
	if err != nil {
		if s.d.isUniqueViolation(err) {
			return ErrDuplicateToken
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	session.Version = 1
	return nil
}

const sessionColumns = `id, token, account_id, status, status_reason, ip_address,
	device_fingerprint, user_agent, device_type, browser, os, country,
	created_at, last_activity_at, expires_at, updated_at, version`

func scanSession(row interface{ Scan(...any) error }) (*Session, error) {
	var sess Session
	var status string
	var createdAt, lastActivityAt, expiresAt, updatedAt dbTime
	err := row.Scan(&sess.ID, &sess.Token, &sess.AccountID, &status, &sess.StatusReason, &sess.IPAddress,
		&sess.DeviceFingerprint, &sess.UserAgent, &sess.DeviceType, &sess.Browser, &sess.OS, &sess.Country,
		&createdAt, &lastActivityAt, &expiresAt, &updatedAt, &sess.Version)
	if err != nil {
		return nil, err
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = createdAt.Time
	sess.LastActivityAt = lastActivityAt.Time
	sess.ExpiresAt = expiresAt.Time
	sess.UpdatedAt = updatedAt.Time
	return &sess, nil
}

func (s *sqlStore) GetSession(ctx context.Context, token string) (*Session, error) {
	session, err := scanSession(s.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE token = ?`, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSession writes the mutable fields when the stored version still
// matches session.Version.
func (s *sqlStore) UpdateSession(ctx context.Context, session *Session) error {
	query := `UPDATE sessions SET status = ?, status_reason = ?, last_activity_at = ?,
			  expires_at = ?, updated_at = ?, version = version + 1
			  WHERE id = ? AND version = ?`

	result, err := s.exec(ctx, s.db, query,
		string(session.Status), session.StatusReason, s.t(session.LastActivityAt),
		s.t(session.ExpiresAt), s.t(session.UpdatedAt), session.ID, session.Version)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	session.Version++
	return nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (s *sqlStore) listSessions(ctx context.Context, where string, args ...any) ([]*Session, error) {
	rows, err := s.query(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE `+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (s *sqlStore) GetAccountSessions(ctx context.Context, accountID uint) ([]*Session, error) {
	return s.listSessions(ctx, `account_id = ?`, accountID)
}

func (s *sqlStore) GetExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	return s.listSessions(ctx, `status IN ('active', 'suspicious') AND expires_at < ?`, s.t(now))
}

// DeleteTerminalSessions removes blocked, expired and terminated sessions,
// with their activity, last updated before updatedBefore.
func (s *sqlStore) DeleteTerminalSessions(ctx context.Context, updatedBefore time.Time) (int, error) {
	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const terminal = `status IN ('blocked', 'expired', 'terminated') AND updated_at < ?`
		if _, err := s.exec(ctx, tx, `DELETE FROM session_activity WHERE session_id IN
			(SELECT id FROM sessions WHERE `+terminal+`)`, s.t(updatedBefore)); err != nil {
			return fmt.Errorf("failed to delete session activity: %w", err)
		}
		result, err := s.exec(ctx, tx, `DELETE FROM sessions WHERE `+terminal, s.t(updatedBefore))
		if err != nil {
			return fmt.Errorf("failed to delete sessions: %w", err)
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return int(deleted), err
}

// Session activity operations
func (s *sqlStore) CreateSessionActivity(ctx context.Context, activity *SessionActivity) error {
	query := `INSERT INTO session_activity (session_id, account_id, endpoint, method, status_code, ip_address, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`

	err := s.queryRow(ctx, query,
		activity.SessionID, activity.AccountID, activity.Endpoint, activity.Method,
		activity.StatusCode, activity.IPAddress, s.t(activity.CreatedAt)).Scan(&activity.ID)
	if err != nil {
		return fmt.Errorf("failed to create session activity: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSessionActivity(ctx context.Context, sessionID uint, limit int) ([]*SessionActivity, error) {
	rows, err := s.query(ctx, `SELECT id, session_id, account_id, endpoint, method, status_code, ip_address, created_at
		FROM session_activity WHERE session_id = ? ORDER BY id DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get session activity: %w", err)
	}
	defer rows.Close()

	var activity []*SessionActivity
	for rows.Next() {
		var a SessionActivity
		var createdAt dbTime
		if err := rows.Scan(&a.ID, &a.SessionID, &a.AccountID, &a.Endpoint, &a.Method, &a.StatusCode, &a.IPAddress, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan session activity: %w", err)
		}
		a.CreatedAt = createdAt.Time
		activity = append(activity, &a)
	}
	return activity, rows.Err()
}

// Two-factor operations
const twoFactorColumns = `id, account_id, secret, enabled, last_used_step, created_at,
	verified_at, last_used_at, disabled_at, updated_at, version`

func (s *sqlStore) GetTwoFactor(ctx context.Context, accountID uint) (*TwoFactorCredential, error) {
	var c TwoFactorCredential
	var createdAt, updatedAt dbTime
	var verifiedAt, lastUsedAt, disabledAt dbTime
	err := s.queryRow(ctx, `SELECT `+twoFactorColumns+` FROM two_factor_credentials WHERE account_id = ?`, accountID).Scan(
		&c.ID, &c.AccountID, &c.Secret, &c.Enabled, &c.LastUsedStep, &createdAt,
		&verifiedAt, &lastUsedAt, &disabledAt, &updatedAt, &c.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get two-factor credential: %w", err)
	}
	c.CreatedAt, c.UpdatedAt = createdAt.Time, updatedAt.Time
	c.VerifiedAt, c.LastUsedAt, c.DisabledAt = verifiedAt.Ptr(), lastUsedAt.Ptr(), disabledAt.Ptr()
	return &c, nil
}

// SaveTwoFactorSetup inserts or overwrites the credential and replaces its
// backup codes in one transaction.
func (s *sqlStore) SaveTwoFactorSetup(ctx context.Context, c *TwoFactorCredential, codeHashes []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if c.ID == 0 {
			err := tx.QueryRowContext(ctx, s.d.rebind(`INSERT INTO two_factor_credentials
				(account_id, secret, enabled, last_used_step, created_at, verified_at, last_used_at, disabled_at, updated_at, version)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1) RETURNING id`),
				c.AccountID, c.Secret, c.Enabled, c.LastUsedStep, s.t(c.CreatedAt),
				s.tp(c.VerifiedAt), s.tp(c.LastUsedAt), s.tp(c.DisabledAt), s.t(c.UpdatedAt)).Scan(&c.ID)
			if err != nil {
				if s.d.isUniqueViolation(err) {
					return ErrConcurrentUpdate
				}
				return fmt.Errorf("failed to create two-factor credential: %w", err)
			}
			c.Version = 1
		} else {
			if err := s.updateTwoFactor(ctx, tx, c); err != nil {
				return err
			}
		}
		return s.replaceBackupCodes(ctx, tx, c.AccountID, codeHashes)
	})
}

func (s *sqlStore) UpdateTwoFactor(ctx context.Context, c *TwoFactorCredential) error {
	return s.updateTwoFactor(ctx, s.db, c)
}

func (s *sqlStore) updateTwoFactor(ctx context.Context, q execer, c *TwoFactorCredential) error {
	result, err := s.exec(ctx, q, `UPDATE two_factor_credentials SET secret = ?, enabled = ?, last_used_step = ?,
		created_at = ?, verified_at = ?, last_used_at = ?, disabled_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.Secret, c.Enabled, c.LastUsedStep, s.t(c.CreatedAt),
		s.tp(c.VerifiedAt), s.tp(c.LastUsedAt), s.tp(c.DisabledAt), s.t(c.UpdatedAt),
		c.ID, c.Version)
	if err != nil {
		return fmt.Errorf("failed to update two-factor credential: %w", err)
	}
	if err := expectOneRow(result); err != nil {
		return err
	}
	c.Version++
	return nil
}

func (s *sqlStore) replaceBackupCodes(ctx context.Context, tx *sql.Tx, accountID uint, codeHashes []string) error {
	if _, err := s.exec(ctx, tx, `DELETE FROM two_factor_backup_codes WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("failed to delete backup codes: %w", err)
	}
	now := s.t(time.Now())
	for _, hash := range codeHashes {
		if _, err := s.exec(ctx, tx, `INSERT INTO two_factor_backup_codes (account_id, code_hash, created_at) VALUES (?, ?, ?)`,
			accountID, hash, now); err != nil {
			return fmt.Errorf("failed to insert backup code: %w", err)
		}
	}
	return nil
}

// ConsumeBackupCode deletes the code when it belongs to an enabled credential
// and stamps last_used_at. The conditional DELETE lets exactly one of several
// concurrent callers consume a code.
func (s *sqlStore) ConsumeBackupCode(ctx context.Context, accountID uint, codeHash string, usedAt time.Time) (bool, error) {
	consumed := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := s.exec(ctx, tx, `DELETE FROM two_factor_backup_codes
			WHERE account_id = ? AND code_hash = ?
			AND EXISTS (SELECT 1 FROM two_factor_credentials c WHERE c.account_id = ? AND c.enabled)`,
			accountID, codeHash, accountID)
		if err != nil {
			return fmt.Errorf("failed to consume backup code: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return nil
		}
		if _, err := s.exec(ctx, tx, `UPDATE two_factor_credentials SET last_used_at = ?, updated_at = ?, version = version + 1
			WHERE account_id = ?`, s.t(usedAt), s.t(usedAt), accountID); err != nil {
			return fmt.Errorf("failed to stamp two-factor use: %w", err)
		}
		consumed = true
		return nil
	})
	return consumed, err
}

// ReplaceBackupCodes swaps the code set of an enabled credential. The version
// bump locks the credential row, so a concurrent Disable either lands first
// and this fails, or loses its compare-and-swap and re-reads.
func (s *sqlStore) ReplaceBackupCodes(ctx context.Context, accountID uint, codeHashes []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.t(time.Now())
		result, err := s.exec(ctx, tx, `UPDATE two_factor_credentials SET updated_at = ?, version = version + 1
			WHERE account_id = ? AND enabled`, now, accountID)
		if err != nil {
			return fmt.Errorf("failed to lock two-factor credential: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return ErrTwoFactorNotEnabled
		}
		return s.replaceBackupCodes(ctx, tx, accountID, codeHashes)
	})
}

func (s *sqlStore) CountBackupCodes(ctx context.Context, accountID uint) (int, error) {
	var count int
	err := s.queryRow(ctx, `SELECT COUNT(*) FROM two_factor_backup_codes WHERE account_id = ?`, accountID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count backup codes: %w", err)
	}
	return count, nil
}

// Security event operations
func (s *sqlStore) CreateSecurityEvent(ctx context.Context, event *AuditEvent) error {
	metadata := []byte("{}")
	if len(event.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `INSERT INTO security_events (id, kind, description, account_id, ip_address, user_agent,
			  endpoint, method, status_code, latency_ms, severity, metadata, created_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.exec(ctx, s.db, query,
		event.ID, event.Kind, event.Description, event.AccountID, event.IPAddress, event.UserAgent,
		event.Endpoint, event.Method, event.StatusCode, event.Latency.Milliseconds(), string(event.Severity),
		string(metadata), s.t(event.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to create security event: %w", err)
	}
	return nil
}

func (s *sqlStore) GetSecurityEvents(ctx context.Context, accountID *uint, kind string, limit int, offset int) ([]*AuditEvent, error) {
	query := `SELECT id, kind, description, account_id, ip_address, user_agent, endpoint, method,
			  status_code, latency_ms, severity, metadata, created_at FROM security_events WHERE 1=1`
	var args []any

	if accountID != nil {
		query += ` AND account_id = ?`
		args = append(args, *accountID)
	}
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get security events: %w", err)
	}
	defer rows.Close()

	var events []*AuditEvent
	for rows.Next() {
		var e AuditEvent
		var account sql.NullInt64
		var latencyMS int64
		var severity string
		var metadata []byte
		var createdAt dbTime
		err := rows.Scan(&e.ID, &e.Kind, &e.Description, &account, &e.IPAddress, &e.UserAgent,
			&e.Endpoint, &e.Method, &e.StatusCode, &latencyMS, &severity, &metadata, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		if account.Valid {
			id := uint(account.Int64)
			e.AccountID = &id
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		e.Severity = Severity(severity)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode event metadata: %w", err)
			}
		}
		e.CreatedAt = createdAt.Time
		events = append(events, &e)
	}
	return events, rows.Err()
}

// prepareSchema creates missing tables and checks that every core table is
// present afterwards.
func prepareSchema(ctx context.Context, db *sql.DB, dbType string) error {
	schemaManager := NewSchemaManager(db, dbType)
	if err := schemaManager.EnsureCoreSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure core schema: %w", err)
	}
	if err := schemaManager.ValidateSchema(ctx); err != nil {
		return err
	}
	return nil
}

// Health check
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// dbTime scans timestamps from drivers that return time.Time as well as
// those that return text.
type dbTime struct {
	Time  time.Time
	Valid bool
}

// sqliteTimeLayout is fixed-width so stored values order as strings.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func (t *dbTime) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v, true
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", value)
	}
}

func (t *dbTime) parse(s string) error {
	for _, layout := range []string{sqliteTimeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time, t.Valid = parsed, true
			return nil
		}
	}
	return fmt.Errorf("cannot parse timestamp %q", s)
}

// Ptr returns nil for NULL timestamps.
func (t dbTime) Ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
