// Package core provides the request security pipeline and identity-session
// subsystem of the clinic backend.
//
// This package includes:
//   - An ordered per-request security pipeline (IP filter, rate limit, request
//     size bound, attack pattern detection, CORS, CSRF, session validation)
//   - A session lifecycle manager with suspicious-activity flagging and blocking
//   - A TOTP two-factor manager with single-use backup codes
//   - Asynchronous security event auditing
//
// ## Key Features:
//   - Explicitly constructed services, no package-level singletons
//   - Return-based handlers - maximum control over HTTP responses
//   - Works with any HTTP router (Chi, Gorilla Mux, stdlib, etc.)
//
// ## Quick Start:
//
//	cfg := core.Config{
//		Storage:        storage,
//		CounterStore:   redisCounters,
//		SecurityConfig: core.DefaultSecurityConfig(),
//	}
//
//	guard, err := core.NewGuard(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer guard.Close()
//
//	r.With(guard.Shield).Post("/signin", func(w http.ResponseWriter, r *http.Request) {
//		result := guard.SignInHandler(r)
//		w.WriteHeader(result.StatusCode)
//		json.NewEncoder(w).Encode(result)
//	})
//	r.With(guard.Protect).Get("/sessions", ...)
package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
)

// StoreFailurePolicy decides what a component does when its backing store
// cannot be reached after the retry.
type StoreFailurePolicy string

const (
	// FailOpen allows the operation when the store is down.
	FailOpen StoreFailurePolicy = "fail_open"
	// FailClosed denies the operation when the store is down.
	FailClosed StoreFailurePolicy = "fail_closed"
)

// SecurityConfig defines security-related configuration options
type SecurityConfig struct {
	// Rate limiting. The limiter fails open by default: an unreachable counter
	// store must not turn into a full outage.
	RateLimitRequests      int                `validate:"gte=1"`
	RateLimitWindow        time.Duration      `validate:"gt=0"`
	RateLimitFailurePolicy StoreFailurePolicy `validate:"oneof=fail_open fail_closed"`

	// Request bounds
	MaxRequestSize int64 `validate:"gt=0"`

	// IP filtering (single addresses or CIDR blocks). Deny wins over allow.
	AllowedIPs        []string `validate:"dive,cidr|ip"`
	BlockedIPs        []string `validate:"dive,cidr|ip"`
	TrustProxyHeaders bool     // Use X-Forwarded-For / X-Real-IP for the client IP

	// CORS. A "*" origin is accepted but logged as insecure.
	AllowedOrigins   []string
	AllowedMethods   []string `validate:"min=1"`
	AllowedHeaders   []string
	ExposedHeaders   []string
	CORSMaxAge       time.Duration `validate:"gte=0"`
	AllowCredentials bool

	// CSRF
	EnableCSRF    bool
	CSRFHeader    string `validate:"required"`
	CSRFMinLength int    `validate:"gte=16"`

	// Response headers
	HSTSMaxAge            time.Duration `validate:"gte=0"`
	ContentSecurityPolicy string        `validate:"required"`

	// Sessions. Token lookups always fail closed; SessionFailurePolicy only
	// decides whether a found session passes when its activity bump fails.
	SessionLifetime      time.Duration      `validate:"gt=0"`
	SessionRetention     time.Duration      `validate:"gte=0"`
	CleanupInterval      time.Duration      `validate:"gt=0"`
	CleanupLockTTL       time.Duration      `validate:"gt=0"`
	SessionFailurePolicy StoreFailurePolicy `validate:"oneof=fail_open fail_closed"`
	FlagIPChange         bool // Raise a session to suspicious when the client IP changes

	// Backing store calls
	StoreTimeout      time.Duration `validate:"gt=0"`
	StoreRetryBackoff time.Duration `validate:"gte=0"`

	// 2FA Security Settings
	TOTPIssuer             string        `validate:"required"`
	TOTPSkew               uint          `validate:"lte=3"`
	BackupCodeCount        int           `validate:"gte=1,lte=32"`
	Max2FAAttempts         int           `validate:"gte=0"`                           // 0 disables attempt limiting
	TwoFactorAttemptWindow time.Duration `validate:"required_with=Max2FAAttempts,gte=0"` // Window for Max2FAAttempts

	// Audit
	AuditBufferSize int `validate:"gte=1"`
}

// DefaultSecurityConfig returns a secure default configuration
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		RateLimitRequests:      100,
		RateLimitWindow:        time.Minute,
		RateLimitFailurePolicy: FailOpen,
		MaxRequestSize:         10 << 20,
		AllowedMethods:         []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:         []string{"Authorization", "Content-Type", "X-CSRF-Token", "X-Requested-With"},
		ExposedHeaders:         []string{"X-Request-ID", "X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		CORSMaxAge:             12 * time.Hour,
		EnableCSRF:             true,
		CSRFHeader:             "X-CSRF-Token",
		CSRFMinLength:          32,
		HSTSMaxAge:             365 * 24 * time.Hour,
		ContentSecurityPolicy:  "default-src 'self'; frame-ancestors 'none'; object-src 'none'; base-uri 'self'",
		SessionLifetime:        24 * time.Hour,
		SessionRetention:       30 * 24 * time.Hour,
		CleanupInterval:        15 * time.Minute,
		CleanupLockTTL:         5 * time.Minute,
		SessionFailurePolicy:   FailClosed,
		FlagIPChange:           true,
		StoreTimeout:           2 * time.Second,
		StoreRetryBackoff:      50 * time.Millisecond,
		TOTPIssuer:             "Clinic",
		TOTPSkew:               1,
		BackupCodeCount:        10,
		Max2FAAttempts:         5,
		TwoFactorAttemptWindow: 15 * time.Minute,
		AuditBufferSize:        1024,
	}
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration for missing or unsafe values.
func (c SecurityConfig) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("invalid security config: %s", formatValidationErrors(err))
	}
	return nil
}

// Config contains the configuration for the Guard
type Config struct {
	Storage          Storage           // Storage implementation (required)
	CounterStore     CounterStore      // Shared rate-limit counters (default: in-process)
	Locker           Locker            // Deployment-wide cleanup lock (optional)
	AuditSink        AuditSink         // Audit event sink (default: slog)
	GeoLocator       GeoLocator        // Coarse IP geolocation (optional)
	Encryptor        FieldEncryptor    // TOTP secret encryption (default: passthrough)
	PasswordVerifier PasswordVerifier  // Re-authentication (default: bcrypt against Storage)
	Signatures       *AttackSignatures // Attack signatures (default: embedded set)
	SecurityConfig   SecurityConfig    // Security configuration
	Clock            func() time.Time  // Time source (default: time.Now)
}

// Guard wires the pipeline, the session manager and the two-factor manager
// around one storage backend.
type Guard struct {
	storage        Storage
	securityConfig SecurityConfig
	sessions       *SessionManager
	twoFactor      *TwoFactorManager
	limiter        *RateLimiter
	auditor        *Auditor
	shield         *Pipeline
	protect        *Pipeline
	validator      *validator.Validate
	now            func() time.Time
}

// NewGuard creates a new security guard
func NewGuard(cfg Config) (*Guard, error) {
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}

	// Use default security config if not provided
	securityConfig := cfg.SecurityConfig
	if securityConfig.SessionLifetime == 0 {
		securityConfig = DefaultSecurityConfig()
	}
	if err := securityConfig.Validate(); err != nil {
		return nil, err
	}

	// Test storage connection
	ctx, cancel := context.WithTimeout(context.Background(), securityConfig.StoreTimeout)
	defer cancel()
	if err := cfg.Storage.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to storage: %w", err)
	}

	now := cfg.Clock
	if now == nil {
		now = time.Now
	}

	sink := cfg.AuditSink
	if sink == nil {
		sink = LogAuditSink{}
	}
	auditor := NewAuditor(sink, securityConfig.AuditBufferSize)

	counters := cfg.CounterStore
	if counters == nil {
		counters = NewMemoryCounterStore(now)
	}

	signatures := cfg.Signatures
	if signatures == nil {
		var err error
		if signatures, err = DefaultSignatures(); err != nil {
			return nil, err
		}
	}

	ipFilter, err := NewIPFilter(securityConfig.AllowedIPs, securityConfig.BlockedIPs)
	if err != nil {
		return nil, err
	}

	encryptor := cfg.Encryptor
	if encryptor == nil {
		encryptor = PlaintextEncryptor{}
	}
	passwords := cfg.PasswordVerifier
	if passwords == nil {
		passwords = NewStoragePasswordVerifier(cfg.Storage)
	}

	limiter := NewRateLimiter(counters, RateLimiterConfig{
		Limit:         securityConfig.RateLimitRequests,
		Window:        securityConfig.RateLimitWindow,
		FailurePolicy: securityConfig.RateLimitFailurePolicy,
		StoreTimeout:  securityConfig.StoreTimeout,
		RetryBackoff:  securityConfig.StoreRetryBackoff,
		KeyPrefix:     "ratelimit:",
	})

	var attemptLimiter *RateLimiter
	if securityConfig.Max2FAAttempts > 0 {
		attemptLimiter = NewRateLimiter(counters, RateLimiterConfig{
			Limit:  securityConfig.Max2FAAttempts,
			Window: securityConfig.TwoFactorAttemptWindow,
			// A counter-store outage must not open the door to code brute force.
			FailurePolicy: FailClosed,
			StoreTimeout:  securityConfig.StoreTimeout,
			RetryBackoff:  securityConfig.StoreRetryBackoff,
			KeyPrefix:     "2fa:",
		})
	}

	sessions := NewSessionManager(cfg.Storage, SessionManagerConfig{
		Lifetime:       securityConfig.SessionLifetime,
		FlagIPChange:   securityConfig.FlagIPChange,
		StoreTimeout:   securityConfig.StoreTimeout,
		RetryBackoff:   securityConfig.StoreRetryBackoff,
		CleanupLockTTL: securityConfig.CleanupLockTTL,
		FailurePolicy:  securityConfig.SessionFailurePolicy,
		GeoLocator:     cfg.GeoLocator,
		Locker:         cfg.Locker,
		Auditor:        auditor,
		Clock:          now,
	})

	twoFactor := NewTwoFactorManager(cfg.Storage, TwoFactorConfig{
		Issuer:          securityConfig.TOTPIssuer,
		Skew:            securityConfig.TOTPSkew,
		BackupCodeCount: securityConfig.BackupCodeCount,
		StoreTimeout:    securityConfig.StoreTimeout,
		RetryBackoff:    securityConfig.StoreRetryBackoff,
		Encryptor:       encryptor,
		Passwords:       passwords,
		AttemptLimiter:  attemptLimiter,
		Auditor:         auditor,
		Clock:           now,
	})

	cors := NewCORSPolicy(CORSConfig{
		AllowedOrigins:   securityConfig.AllowedOrigins,
		AllowedMethods:   securityConfig.AllowedMethods,
		AllowedHeaders:   securityConfig.AllowedHeaders,
		ExposedHeaders:   securityConfig.ExposedHeaders,
		MaxAge:           securityConfig.CORSMaxAge,
		AllowCredentials: securityConfig.AllowCredentials,
	})
	csrf := NewCSRFGuard(securityConfig.CSRFHeader, securityConfig.CSRFMinLength)

	stages := []Stage{
		IPFilterStage{Filter: ipFilter},
		RateLimitStage{Limiter: limiter},
		RequestSizeStage{MaxBytes: securityConfig.MaxRequestSize},
		AttackDetectionStage{Detector: NewAttackDetector(signatures)},
		CORSStage{Policy: cors},
	}
	if securityConfig.EnableCSRF {
		stages = append(stages, CSRFStage{Guard: csrf})
	}

	pipelineCfg := PipelineConfig{
		TrustProxyHeaders: securityConfig.TrustProxyHeaders,
		MaxRequestSize:    securityConfig.MaxRequestSize,
		Headers: SecurityHeaders{
			HSTSMaxAge:            securityConfig.HSTSMaxAge,
			ContentSecurityPolicy: securityConfig.ContentSecurityPolicy,
		},
		Auditor:  auditor,
		Sessions: sessions,
		Clock:    now,
	}

	guard := &Guard{
		storage:        cfg.Storage,
		securityConfig: securityConfig,
		sessions:       sessions,
		twoFactor:      twoFactor,
		limiter:        limiter,
		auditor:        auditor,
		shield:         NewPipeline(pipelineCfg, stages...),
		protect:        NewPipeline(pipelineCfg, append(stages[:len(stages):len(stages)], SessionStage{Sessions: sessions})...),
		validator:      validator.New(),
		now:            now,
	}

	slog.Info("Security guard initialized",
		"rate_limit", securityConfig.RateLimitRequests,
		"rate_limit_window", securityConfig.RateLimitWindow,
		"rate_limit_failure_policy", securityConfig.RateLimitFailurePolicy,
		"session_failure_policy", securityConfig.SessionFailurePolicy,
		"csrf", securityConfig.EnableCSRF,
		"cors_wildcard", cors.Insecure())

	return guard, nil
}

// Sessions returns the session lifecycle manager.
func (g *Guard) Sessions() *SessionManager { return g.sessions }

// TwoFactor returns the two-factor manager.
func (g *Guard) TwoFactor() *TwoFactorManager { return g.twoFactor }

// RateLimiter returns the per-client request limiter.
func (g *Guard) RateLimiter() *RateLimiter { return g.limiter }

// Close flushes pending audit events and closes the storage.
func (g *Guard) Close() error {
	g.auditor.Close()
	if n := g.auditor.Dropped(); n > 0 {
		slog.Warn("Audit events were dropped", "dropped_total", n)
	}
	return g.storage.Close()
}
