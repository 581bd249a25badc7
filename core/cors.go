package core

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/cors"
)

// CORSConfig configures the cross-origin policy.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	MaxAge           time.Duration
	AllowCredentials bool
}

// CORSPolicy decides which origins may call the API. The CORS response
// headers themselves come from go-chi/cors.
type CORSPolicy struct {
	origins  map[string]struct{}
	wildcard bool
	handler  http.Handler
}

// NewCORSPolicy builds a policy. A "*" origin admits everyone and is logged
// as insecure; credentials are never advertised together with "*".
func NewCORSPolicy(cfg CORSConfig) *CORSPolicy {
	p := &CORSPolicy{origins: make(map[string]struct{}, len(cfg.AllowedOrigins))}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.TrimRight(strings.TrimSpace(origin), "/")
		if origin == "*" {
			p.wildcard = true
			continue
		}
		if origin != "" {
			p.origins[strings.ToLower(origin)] = struct{}{}
		}
	}
	if p.wildcard {
		slog.Warn("CORS allows any origin; this is insecure for authenticated endpoints")
		if cfg.AllowCredentials {
			slog.Warn("CORS credentials are disabled for the wildcard origin")
		}
	}

	var allowed []string
	if p.wildcard {
		allowed = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   allowed,
		AllowOriginFunc:  func(_ *http.Request, origin string) bool { return p.CheckOrigin(origin) },
		AllowedMethods:   cfg.AllowedMethods,
		AllowedHeaders:   cfg.AllowedHeaders,
		ExposedHeaders:   cfg.ExposedHeaders,
		AllowCredentials: cfg.AllowCredentials && !p.wildcard,
		MaxAge:           int(cfg.MaxAge.Seconds()),
	})
	p.handler = c.Handler(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.(*corsRecorder).passed = true
	}))
	return p
}

// CheckOrigin reports whether origin may access the API. An empty origin
// (same-origin or non-browser client) is always allowed.
func (p *CORSPolicy) CheckOrigin(origin string) bool {
	if origin == "" || p.wildcard {
		return true
	}
	_, ok := p.origins[strings.ToLower(strings.TrimRight(origin, "/"))]
	return ok
}

// Insecure reports whether the wildcard origin is configured.
func (p *CORSPolicy) Insecure() bool { return p.wildcard }

// Apply runs the CORS handler for rc and returns the headers it set. preflight
// is true when the request was a preflight the handler answered on its own.
func (p *CORSPolicy) Apply(rc *RequestContext) (header http.Header, preflight bool) {
	rec := &corsRecorder{header: http.Header{}}
	p.handler.ServeHTTP(rec, &http.Request{Method: rc.Method, Header: rc.Header})
	return rec.header, !rec.passed
}

// corsRecorder captures what the CORS handler writes.
type corsRecorder struct {
	header http.Header
	passed bool
}

func (r *corsRecorder) Header() http.Header         { return r.header }
func (r *corsRecorder) Write(b []byte) (int, error) { return len(b), nil }
func (r *corsRecorder) WriteHeader(int)             {}

var csrfTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_\-+/=.]+$`)

// CSRFGuard enforces the presence and format of the CSRF token header on
// state-changing requests.
type CSRFGuard struct {
	header    string
	minLength int
}

// NewCSRFGuard creates a guard reading header with tokens of at least minLength.
func NewCSRFGuard(header string, minLength int) *CSRFGuard {
	return &CSRFGuard{header: header, minLength: minLength}
}

// CheckCSRF returns nil when the request may proceed.
func (g *CSRFGuard) CheckCSRF(rc *RequestContext) error {
	switch rc.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return nil
	}
	// A plain cross-site form cannot set this header.
	if strings.EqualFold(rc.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return nil
	}

	token := rc.Header.Get(g.header)
	if token == "" {
		return newSecurityError(KindCSRFMissing, "no "+g.header+" header on "+rc.Method, nil)
	}
	if len(token) < g.minLength || !csrfTokenPattern.MatchString(token) {
		return newSecurityError(KindCSRFInvalid, "malformed "+g.header+" header", nil)
	}
	return nil
}

// GenerateCSRFToken returns a fresh token satisfying the default format.
func GenerateCSRFToken() (string, error) {
	return generateSecureToken(32)
}
