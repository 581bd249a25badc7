package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
)

var errStoreDown = errors.New("store unavailable")

// mockStorage implements the Storage interface for testing. It stores copies
// so callers never share memory with the store, and enforces the same
// version checks as the SQL backends.
type mockStorage struct {
	mu          sync.Mutex
	accounts    map[uint]*Account
	sessions    map[string]*Session
	activity    []*SessionActivity
	twoFactor   map[uint]*TwoFactorCredential
	backupCodes map[uint]map[string]bool
	events      []*AuditEvent
	nextID      uint
	failing     bool
	// failSessionUpdates makes only UpdateSession return errStoreDown.
	failSessionUpdates bool
	// lostReplies makes the next writes commit and then report errStoreDown,
	// as if the reply timed out.
	lostReplies int
	// beforeReplace runs inside ReplaceBackupCodes before the enabled check.
	beforeReplace func(cred *TwoFactorCredential)
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		accounts:    make(map[uint]*Account),
		sessions:    make(map[string]*Session),
		twoFactor:   make(map[uint]*TwoFactorCredential),
		backupCodes: make(map[uint]map[string]bool),
		nextID:      1,
	}
}

// setFailing makes every call return errStoreDown.
func (m *mockStorage) setFailing(failing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing = failing
}

// loseReplies makes the next n session inserts or backup code consumptions
// commit but fail.
func (m *mockStorage) loseReplies(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostReplies = n
}

func (m *mockStorage) lostReply() bool {
	if m.lostReplies == 0 {
		return false
	}
	m.lostReplies--
	return true
}

func (m *mockStorage) id() uint {
	id := m.nextID
	m.nextID++
	return id
}

func (m *mockStorage) CreateAccount(ctx context.Context, account *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	for _, a := range m.accounts {
		if a.Email == account.Email {
			return ErrAccountExists
		}
	}
	account.ID = m.id()
	c := *account
	m.accounts[account.ID] = &c
	return nil
}

func (m *mockStorage) GetAccountByID(ctx context.Context, id uint) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	if a, ok := m.accounts[id]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}

func (m *mockStorage) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	for _, a := range m.accounts {
		if a.Email == strings.ToLower(email) {
			c := *a
			return &c, nil
		}
	}
	return nil, nil
}

func (m *mockStorage) CreateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	if _, ok := m.sessions[session.Token]; ok {
		return ErrDuplicateToken
	}
	session.ID = m.id()
	session.Version = 1
	c := *session
	m.sessions[session.Token] = &c
	if m.lostReply() {
		return errStoreDown
	}
	return nil
}

func (m *mockStorage) GetSession(ctx context.Context, token string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	if s, ok := m.sessions[token]; ok {
		c := *s
		return &c, nil
	}
	return nil, nil
}

func (m *mockStorage) UpdateSession(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing || m.failSessionUpdates {
		return errStoreDown
	}
	stored, ok := m.sessions[session.Token]
	if !ok || stored.Version != session.Version {
		return ErrConcurrentUpdate
	}
	session.Version++
	c := *session
	m.sessions[session.Token] = &c
	return nil
}

func (m *mockStorage) sessionsWhere(match func(*Session) bool) []*Session {
	var out []*Session
	for _, s := range m.sessions {
		if match(s) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *mockStorage) GetAccountSessions(ctx context.Context, accountID uint) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	return m.sessionsWhere(func(s *Session) bool { return s.AccountID == accountID }), nil
}

func (m *mockStorage) GetExpiredSessions(ctx context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	return m.sessionsWhere(func(s *Session) bool {
		return !s.Status.IsTerminal() && s.ExpiresAt.Before(now)
	}), nil
}

func (m *mockStorage) DeleteTerminalSessions(ctx context.Context, updatedBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errStoreDown
	}
	n := 0
	for token, s := range m.sessions {
		if s.Status.IsTerminal() && s.UpdatedAt.Before(updatedBefore) {
			delete(m.sessions, token)
			n++
		}
	}
	return n, nil
}

func (m *mockStorage) CreateSessionActivity(ctx context.Context, activity *SessionActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	activity.ID = m.id()
	c := *activity
	m.activity = append(m.activity, &c)
	return nil
}

func (m *mockStorage) GetSessionActivity(ctx context.Context, sessionID uint, limit int) ([]*SessionActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	var out []*SessionActivity
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		if m.activity[i].SessionID == sessionID {
			c := *m.activity[i]
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockStorage) GetTwoFactor(ctx context.Context, accountID uint) (*TwoFactorCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	if c, ok := m.twoFactor[accountID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (m *mockStorage) SaveTwoFactorSetup(ctx context.Context, credential *TwoFactorCredential, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	stored, ok := m.twoFactor[credential.AccountID]
	switch {
	case credential.ID == 0 && ok:
		return ErrConcurrentUpdate
	case credential.ID == 0:
		credential.ID = m.id()
		credential.Version = 1
	case !ok || stored.Version != credential.Version:
		return ErrConcurrentUpdate
	default:
		credential.Version++
	}
	c := *credential
	m.twoFactor[credential.AccountID] = &c
	m.setCodes(credential.AccountID, codeHashes)
	return nil
}

func (m *mockStorage) setCodes(accountID uint, codeHashes []string) {
	codes := make(map[string]bool, len(codeHashes))
	for _, h := range codeHashes {
		codes[h] = true
	}
	m.backupCodes[accountID] = codes
}

func (m *mockStorage) UpdateTwoFactor(ctx context.Context, credential *TwoFactorCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	stored, ok := m.twoFactor[credential.AccountID]
	if !ok || stored.Version != credential.Version {
		return ErrConcurrentUpdate
	}
	credential.Version++
	c := *credential
	m.twoFactor[credential.AccountID] = &c
	return nil
}

func (m *mockStorage) ConsumeBackupCode(ctx context.Context, accountID uint, codeHash string, usedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return false, errStoreDown
	}
	cred, ok := m.twoFactor[accountID]
	if !ok || !cred.Enabled || !m.backupCodes[accountID][codeHash] {
		return false, nil
	}
	delete(m.backupCodes[accountID], codeHash)
	cred.LastUsedAt = &usedAt
	cred.UpdatedAt = usedAt
	cred.Version++
	if m.lostReply() {
		return false, errStoreDown
	}
	return true, nil
}

func (m *mockStorage) ReplaceBackupCodes(ctx context.Context, accountID uint, codeHashes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	cred, ok := m.twoFactor[accountID]
	if ok && m.beforeReplace != nil {
		m.beforeReplace(cred)
	}
	if !ok || !cred.Enabled {
		return ErrTwoFactorNotEnabled
	}
	cred.Version++
	m.setCodes(accountID, codeHashes)
	return nil
}

func (m *mockStorage) CountBackupCodes(ctx context.Context, accountID uint) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return 0, errStoreDown
	}
	return len(m.backupCodes[accountID]), nil
}

func (m *mockStorage) CreateSecurityEvent(ctx context.Context, event *AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	c := *event
	m.events = append(m.events, &c)
	return nil
}

func (m *mockStorage) GetSecurityEvents(ctx context.Context, accountID *uint, kind string, limit int, offset int) ([]*AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errStoreDown
	}
	var out []*AuditEvent
	for _, e := range m.events {
		if accountID != nil && (e.AccountID == nil || *e.AccountID != *accountID) {
			continue
		}
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, e)
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockStorage) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errStoreDown
	}
	return nil
}

func (m *mockStorage) Close() error {
	return nil
}

// testClock is a settable time source shared by the components under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSink collects audit events.
type recordingSink struct {
	mu     sync.Mutex
	events []*AuditEvent
}

func (s *recordingSink) Emit(_ context.Context, e *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kinds []string
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// mustCreateTestStorage creates a mock storage for testing
func mustCreateTestStorage(t *testing.T) *mockStorage {
	t.Helper()
	return newMockStorage()
}

// mustCreateTestGuard creates a Guard over a mock storage and a test clock.
// modify may adjust the security configuration before construction.
func mustCreateTestGuard(t *testing.T, modify func(*SecurityConfig)) (*Guard, *mockStorage, *testClock) {
	t.Helper()
	store := mustCreateTestStorage(t)
	clock := newTestClock()
	sc := DefaultSecurityConfig()
	if modify != nil {
		modify(&sc)
	}
	guard, err := NewGuard(Config{
		Storage:        store,
		SecurityConfig: sc,
		AuditSink:      &recordingSink{},
		Clock:          clock.Now,
	})
	if err != nil {
		t.Fatalf("Failed to create test Guard: %v", err)
	}
	t.Cleanup(func() { guard.Close() })
	return guard, store, clock
}

// createTestRequest creates an HTTP request with JSON body for testing
func createTestRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if str, ok := body.(string); ok {
			buf.WriteString(str)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 Version/17.0 Safari/605.1.15")
	req.RemoteAddr = "203.0.113.10:52100"
	return req
}
