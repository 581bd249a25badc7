package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"
)

// maxCASAttempts bounds compare-and-swap retries on a contended record.
const maxCASAttempts = 5

const cleanupLockKey = "wispy-guard:session-cleanup"

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	Lifetime       time.Duration
	FlagIPChange   bool
	StoreTimeout   time.Duration
	RetryBackoff   time.Duration
	CleanupLockTTL time.Duration
	// FailurePolicy decides a request whose token was found but whose
	// activity bump could not be stored. Lookup failures always fail closed.
	FailurePolicy  StoreFailurePolicy
	GeoLocator     GeoLocator // optional
	Locker         Locker     // optional, single-flight across instances
	Auditor        *Auditor   // optional
	Clock          func() time.Time
}

// SessionManager owns the session state machine.
//
//	active <-> suspicious
//	active, suspicious -> blocked | expired | terminated
//
// Blocked, expired and terminated are terminal. Every mutation is a
// compare-and-swap on the session version, so two requests carrying the same
// token cannot both act on a stale status.
type SessionManager struct {
	storage Storage
	config  SessionManagerConfig
	cleanup singleflight.Group
	now     func() time.Time
}

// NewSessionManager creates a session manager over storage.
func NewSessionManager(storage Storage, config SessionManagerConfig) *SessionManager {
	now := config.Clock
	if now == nil {
		now = time.Now
	}
	if config.CleanupLockTTL <= 0 {
		config.CleanupLockTTL = 5 * time.Minute
	}
	if config.FailurePolicy == "" {
		config.FailurePolicy = FailClosed
	}
	return &SessionManager{storage: storage, config: config, now: now}
}

func (m *SessionManager) get(ctx context.Context, token string) (*Session, error) {
	return storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) (*Session, error) {
		return m.storage.GetSession(ctx, token)
	})
}

func (m *SessionManager) update(ctx context.Context, session *Session) error {
	return storeExec(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) error {
		return m.storage.UpdateSession(ctx, session)
	})
}

func (m *SessionManager) locate(ctx context.Context, ip string) string {
	if m.config.GeoLocator == nil {
		return ""
	}
	country, err := storeCall(ctx, m.config.StoreTimeout, 0, func(ctx context.Context) (string, error) {
		return m.config.GeoLocator.Locate(ctx, ip)
	})
	if err != nil {
		slog.Debug("Failed to locate IP", "ip", ip, "error", err)
		return ""
	}
	return country
}

// CreateSession issues a new active session for accountID.
func (m *SessionManager) CreateSession(ctx context.Context, accountID uint, ip string, device DeviceInfo) (*Session, error) {
	details := ParseUserAgent(device.UserAgent)
	country := m.locate(ctx, ip)

	for attempt := 0; attempt < 3; attempt++ {
		token, err := generateSecureToken(32)
		if err != nil {
			return nil, newSecurityError(KindInternal, "failed to generate session token", err)
		}

		now := m.now()
		session := &Session{
			Token:             token,
			AccountID:         accountID,
			Status:            SessionActive,
			IPAddress:         ip,
			DeviceFingerprint: device.Fingerprint(),
			UserAgent:         device.UserAgent,
			DeviceType:        details.DeviceType,
			Browser:           details.Browser,
			OS:                details.OS,
			Country:           country,
			CreatedAt:         now,
			LastActivityAt:    now,
			ExpiresAt:         now.Add(m.config.Lifetime),
			UpdatedAt:         now,
		}

		// Single attempt: a timed-out insert may have committed, and a retry
		// under a new token would leave an orphan session behind.
		_, err = storeAttempt(ctx, m.config.StoreTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, m.storage.CreateSession(ctx, session)
		})
		if errors.Is(err, ErrDuplicateToken) {
			slog.Warn("Session token collision, regenerating", "account_id", accountID)
			continue
		}
		if err != nil {
			slog.Error("Failed to create session", "account_id", accountID, "error", err)
			return nil, newSecurityError(KindInternal, "failed to create session", err)
		}

		m.audit(session, EventSessionCreated, "Session created", SeverityInfo, nil)
		return session, nil
	}
	return nil, newSecurityError(KindInternal, "failed to issue a unique session token", ErrDuplicateToken)
}

// ValidateSession authenticates token. On success the session's activity and
// expiry slide forward. A request from a different IP or country than the
// session's origin raises the session to suspicious instead of failing.
//
// A failed lookup is reported as KindSessionNotFound. A failed activity bump
// follows the configured failure policy.
func (m *SessionManager) ValidateSession(ctx context.Context, token, ip string) (*Session, error) {
	if token == "" {
		return nil, newSecurityError(KindSessionNotFound, "empty token", nil)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := m.get(ctx, token)
		if err != nil {
			slog.Error("Failed to get session", "token_prefix", tokenPrefix(token), "error", err)
			return nil, newSecurityError(KindSessionNotFound, "session store unavailable", err)
		}
		if session == nil {
			slog.Debug("Invalid session token", "token_prefix", tokenPrefix(token))
			return nil, newSecurityError(KindSessionNotFound, "unknown token "+tokenPrefix(token), nil)
		}

		switch session.Status {
		case SessionBlocked:
			return nil, newSecurityError(KindSessionBlocked, fmt.Sprintf("session %d blocked: %s", session.ID, session.StatusReason), nil)
		case SessionTerminated:
			return nil, newSecurityError(KindSessionTerminated, fmt.Sprintf("session %d terminated: %s", session.ID, session.StatusReason), nil)
		case SessionExpired:
			return nil, newSecurityError(KindSessionExpired, fmt.Sprintf("session %d expired", session.ID), nil)
		}

		now := m.now()
		if now.After(session.ExpiresAt) {
			previous := session.Status
			session.Status = SessionExpired
			session.StatusReason = "lifetime exceeded"
			session.UpdatedAt = now
			err := m.update(ctx, session)
			if errors.Is(err, ErrConcurrentUpdate) {
				continue
			}
			if err != nil {
				slog.Error("Failed to mark session expired", "session_id", session.ID, "error", err)
			} else {
				m.audit(session, EventSessionExpired, "Session expired", SeverityInfo, map[string]any{"from": previous})
			}
			return nil, newSecurityError(KindSessionExpired, fmt.Sprintf("session %d expired at %s", session.ID, session.ExpiresAt.Format(time.RFC3339)), nil)
		}

		flagged := ""
		if session.Status == SessionActive {
			flagged = m.originMismatch(ctx, session, ip)
			if flagged != "" {
				session.Status = SessionSuspicious
				session.StatusReason = flagged
			}
		}
		session.LastActivityAt = now
		session.ExpiresAt = now.Add(m.config.Lifetime)
		session.UpdatedAt = now

		err = m.update(ctx, session)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil && m.config.FailurePolicy == FailOpen {
			slog.Warn("Failed to update session activity, allowing by policy",
				"session_id", session.ID, "policy", m.config.FailurePolicy, "error", err)
			return session, nil
		}
		if err != nil {
			slog.Error("Failed to update session activity", "session_id", session.ID, "error", err)
			return nil, newSecurityError(KindSessionNotFound, "session store unavailable", err)
		}

		if flagged != "" {
			slog.Warn("Session flagged as suspicious", "session_id", session.ID, "account_id", session.AccountID, "reason", flagged)
			m.audit(session, EventSessionFlagged, "Session flagged as suspicious", SeverityWarning, map[string]any{"reason": flagged, "ip": ip})
		}
		return session, nil
	}

	return nil, newSecurityError(KindInternal, "session update contention", ErrConcurrentUpdate)
}

func (m *SessionManager) originMismatch(ctx context.Context, session *Session, ip string) string {
	if !m.config.FlagIPChange || ip == "" || ip == session.IPAddress {
		return ""
	}
	if session.Country != "" {
		if country := m.locate(ctx, ip); country != "" && country != session.Country {
			return fmt.Sprintf("location changed from %s to %s", session.Country, country)
		}
	}
	return fmt.Sprintf("ip changed from %s to %s", session.IPAddress, ip)
}

// errNoChange ends a transition successfully without writing.
var errNoChange = errors.New("no change")

// transition applies to to the session identified by token under CAS.
// check may return errNoChange for idempotent calls or a SecurityError to
// refuse the transition.
func (m *SessionManager) transition(ctx context.Context, token string, to SessionStatus, reason string, check func(*Session) error) (*Session, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := m.get(ctx, token)
		if err != nil {
			return nil, newSecurityError(KindInternal, "failed to load session", err)
		}
		if session == nil {
			return nil, newSecurityError(KindSessionNotFound, "unknown token "+tokenPrefix(token), nil)
		}

		if err := check(session); err != nil {
			if errors.Is(err, errNoChange) {
				return session, nil
			}
			return nil, err
		}
		if !canTransition(session.Status, to) {
			return nil, invalidTransition(session, to)
		}

		session.Status = to
		session.StatusReason = reason
		session.UpdatedAt = m.now()
		err = m.update(ctx, session)
		if errors.Is(err, ErrConcurrentUpdate) {
			continue
		}
		if err != nil {
			slog.Error("Failed to update session status", "session_id", session.ID, "to", to, "error", err)
			return nil, newSecurityError(KindInternal, "failed to update session", err)
		}
		return session, nil
	}
	return nil, newSecurityError(KindInternal, "session update contention", ErrConcurrentUpdate)
}

func invalidTransition(session *Session, to SessionStatus) error {
	return newSecurityError(KindInvalidTransition, fmt.Sprintf("session %d cannot move from %s to %s", session.ID, session.Status, to), nil)
}

// FlagSuspicious moves an active session to suspicious. Flagging an already
// suspicious session is a no-op.
func (m *SessionManager) FlagSuspicious(ctx context.Context, token, reason string) (*Session, error) {
	changed := true
	session, err := m.transition(ctx, token, SessionSuspicious, reason, func(s *Session) error {
		if s.Status == SessionSuspicious {
			changed = false
			return errNoChange
		}
		return nil
	})
	if err == nil && changed {
		m.audit(session, EventSessionFlagged, "Session flagged as suspicious", SeverityWarning, map[string]any{"reason": reason})
	}
	return session, err
}

// MarkReviewed clears the suspicious flag after review.
func (m *SessionManager) MarkReviewed(ctx context.Context, token string) (*Session, error) {
	changed := true
	session, err := m.transition(ctx, token, SessionActive, "", func(s *Session) error {
		if s.Status == SessionActive {
			changed = false
			return errNoChange
		}
		return nil
	})
	if err == nil && changed {
		m.audit(session, EventSessionReviewed, "Session reviewed", SeverityInfo, nil)
	}
	return session, err
}

// BlockSession moves a non-terminal session to blocked. Blocking cannot be
// undone through this manager.
func (m *SessionManager) BlockSession(ctx context.Context, token, reason string) (*Session, error) {
	session, err := m.transition(ctx, token, SessionBlocked, reason, func(s *Session) error {
		if s.Status == SessionBlocked {
			return newSecurityError(KindInvalidTransition, fmt.Sprintf("session %d is already blocked", s.ID), nil)
		}
		return nil
	})
	if err == nil {
		slog.Warn("Session blocked", "session_id", session.ID, "account_id", session.AccountID, "reason", reason)
		m.audit(session, EventSessionBlocked, "Session blocked", SeverityHigh, map[string]any{"reason": reason})
	}
	return session, err
}

// TerminateSession ends an active or suspicious session (logout or revocation).
func (m *SessionManager) TerminateSession(ctx context.Context, token, reason string) (*Session, error) {
	session, err := m.transition(ctx, token, SessionTerminated, reason, func(*Session) error { return nil })
	if err == nil {
		m.audit(session, EventSessionTerminated, "Session terminated", SeverityInfo, map[string]any{"reason": reason})
	}
	return session, err
}

// TerminateAccountSession terminates the session sessionID owned by accountID.
func (m *SessionManager) TerminateAccountSession(ctx context.Context, accountID, sessionID uint, reason string) (*Session, error) {
	sessions, err := m.accountSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, s := range sessions {
		if s.ID == sessionID {
			return m.TerminateSession(ctx, s.Token, reason)
		}
	}
	return nil, newSecurityError(KindSessionNotFound, fmt.Sprintf("session %d not owned by account %d", sessionID, accountID), nil)
}

// TerminateAllForAccount terminates every non-terminal session of accountID
// and returns how many were terminated.
func (m *SessionManager) TerminateAllForAccount(ctx context.Context, accountID uint, reason string) (int, error) {
	sessions, err := m.accountSessions(ctx, accountID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		if _, err := m.TerminateSession(ctx, s.Token, reason); err != nil {
			if errors.Is(err, KindInvalidTransition) {
				continue // ended concurrently
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// CleanupExpired moves every active or suspicious session past its expiry to
// expired and returns how many were processed. Concurrent calls in this
// process share one run; with a Locker, instances elsewhere get
// ErrCleanupInProgress while another holds the lease.
func (m *SessionManager) CleanupExpired(ctx context.Context) (int, error) {
	v, err, _ := m.cleanup.Do("cleanup-expired", func() (any, error) {
		return m.cleanupExpired(ctx)
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (m *SessionManager) cleanupExpired(ctx context.Context) (int, error) {
	if m.config.Locker != nil {
		unlock, acquired, err := m.config.Locker.TryLock(ctx, cleanupLockKey, m.config.CleanupLockTTL)
		if err != nil {
			return 0, fmt.Errorf("failed to acquire cleanup lock: %w", err)
		}
		if !acquired {
			return 0, ErrCleanupInProgress
		}
		defer func() {
			if err := unlock(context.WithoutCancel(ctx)); err != nil {
				slog.Error("Failed to release cleanup lock", "error", err)
			}
		}()
	}

	now := m.now()
	candidates, err := storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) ([]*Session, error) {
		return m.storage.GetExpiredSessions(ctx, now)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	count := 0
	for _, s := range candidates {
		previous := s.Status
		s.Status = SessionExpired
		s.StatusReason = "lifetime exceeded"
		s.UpdatedAt = now
		err := m.update(ctx, s)
		if errors.Is(err, ErrConcurrentUpdate) {
			// Touched since listing; the next run re-evaluates it.
			continue
		}
		if err != nil {
			return count, fmt.Errorf("failed to expire session %d: %w", s.ID, err)
		}
		m.audit(s, EventSessionExpired, "Session expired by cleanup", SeverityInfo, map[string]any{"from": previous})
		count++
	}
	if count > 0 {
		slog.Info("Expired sessions cleaned up", "count", count)
	}
	return count, nil
}

// PurgeRetained physically deletes terminal sessions, and their activity,
// last updated before now minus retention.
func (m *SessionManager) PurgeRetained(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := m.now().Add(-retention)
	n, err := storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) (int, error) {
		return m.storage.DeleteTerminalSessions(ctx, cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	if n > 0 {
		slog.Info("Retained sessions purged", "count", n, "cutoff", cutoff)
		m.config.Auditor.Record(&AuditEvent{
			Kind:        EventSessionsPurged,
			Description: "Terminal sessions purged",
			Severity:    SeverityInfo,
			Metadata:    map[string]any{"count": n, "cutoff": cutoff},
		})
	}
	return n, nil
}

// StartMaintenance runs CleanupExpired and, when retention is positive,
// PurgeRetained every interval until ctx is cancelled.
func (m *SessionManager) StartMaintenance(ctx context.Context, interval, retention time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.CleanupExpired(ctx); err != nil && !errors.Is(err, ErrCleanupInProgress) {
				slog.Error("Failed to clean up expired sessions", "error", err)
			}
			if retention > 0 {
				if _, err := m.PurgeRetained(ctx, retention); err != nil {
					slog.Error("Failed to purge retained sessions", "error", err)
				}
			}
		}
	}
}

func (m *SessionManager) accountSessions(ctx context.Context, accountID uint) ([]*Session, error) {
	sessions, err := storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) ([]*Session, error) {
		return m.storage.GetAccountSessions(ctx, accountID)
	})
	if err != nil {
		return nil, newSecurityError(KindInternal, "failed to list account sessions", err)
	}
	return sessions, nil
}

// ListActive returns the live (active or suspicious, unexpired) sessions of
// accountID, most recently active first.
func (m *SessionManager) ListActive(ctx context.Context, accountID uint) ([]*Session, error) {
	sessions, err := m.accountSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := m.now()
	live := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.Status.IsTerminal() && !now.After(s.ExpiresAt) {
			live = append(live, s)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].LastActivityAt.After(live[j].LastActivityAt) })
	return live, nil
}

// SessionStats aggregates the sessions of one account.
type SessionStats struct {
	Total         int      `json:"total"`
	Active        int      `json:"active"`
	Suspicious    int      `json:"suspicious"`
	Blocked       int      `json:"blocked"`
	Expired       int      `json:"expired"`
	Terminated    int      `json:"terminated"`
	UniqueIPs     int      `json:"unique_ips"`
	UniqueDevices int      `json:"unique_devices"`
	Countries     []string `json:"countries"`
}

// Stats returns aggregate counts over every retained session of accountID.
func (m *SessionManager) Stats(ctx context.Context, accountID uint) (*SessionStats, error) {
	sessions, err := m.accountSessions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	stats := &SessionStats{Countries: []string{}}
	ips := make(map[string]struct{})
	devices := make(map[string]struct{})
	countries := make(map[string]struct{})
	for _, s := range sessions {
		stats.Total++
		switch s.Status {
		case SessionActive:
			stats.Active++
		case SessionSuspicious:
			stats.Suspicious++
		case SessionBlocked:
			stats.Blocked++
		case SessionExpired:
			stats.Expired++
		case SessionTerminated:
			stats.Terminated++
		}
		ips[s.IPAddress] = struct{}{}
		devices[s.DeviceFingerprint] = struct{}{}
		if s.Country != "" {
			countries[s.Country] = struct{}{}
		}
	}
	stats.UniqueIPs = len(ips)
	stats.UniqueDevices = len(devices)
	for c := range countries {
		stats.Countries = append(stats.Countries, c)
	}
	sort.Strings(stats.Countries)
	return stats, nil
}

// RecordActivity appends an activity entry for session.
func (m *SessionManager) RecordActivity(ctx context.Context, session *Session, endpoint, method string, status int, ip string) error {
	activity := &SessionActivity{
		SessionID:  session.ID,
		AccountID:  session.AccountID,
		Endpoint:   endpoint,
		Method:     method,
		StatusCode: status,
		IPAddress:  ip,
		CreatedAt:  m.now(),
	}
	return storeExec(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) error {
		return m.storage.CreateSessionActivity(ctx, activity)
	})
}

// ListActivity returns up to limit activity entries of sessionID, newest first.
func (m *SessionManager) ListActivity(ctx context.Context, sessionID uint, limit int) ([]*SessionActivity, error) {
	if limit <= 0 {
		limit = 50
	}
	return storeCall(ctx, m.config.StoreTimeout, m.config.RetryBackoff, func(ctx context.Context) ([]*SessionActivity, error) {
		return m.storage.GetSessionActivity(ctx, sessionID, limit)
	})
}

func (m *SessionManager) audit(s *Session, kind, description string, severity Severity, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["session_id"] = s.ID
	metadata["status"] = s.Status
	m.config.Auditor.Record(&AuditEvent{
		Kind:        kind,
		Description: description,
		AccountID:   accountRef(s.AccountID),
		IPAddress:   s.IPAddress,
		UserAgent:   s.UserAgent,
		Severity:    severity,
		Metadata:    metadata,
		CreatedAt:   m.now(),
	})
}
