package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// SecurityHeaders are applied to every response the pipeline serves.
type SecurityHeaders struct {
	HSTSMaxAge            time.Duration
	ContentSecurityPolicy string
}

func (h SecurityHeaders) apply(header http.Header) {
	header.Set("X-Content-Type-Options", "nosniff")
	header.Set("X-Frame-Options", "DENY")
	header.Set("X-XSS-Protection", "1; mode=block")
	header.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	if h.HSTSMaxAge > 0 {
		header.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(int(h.HSTSMaxAge.Seconds()))+"; includeSubDomains")
	}
	if h.ContentSecurityPolicy != "" {
		header.Set("Content-Security-Policy", h.ContentSecurityPolicy)
	}
	header.Del("Server")
	header.Del("X-Powered-By")
}

// PipelineConfig holds what the pipeline needs besides its stages.
type PipelineConfig struct {
	TrustProxyHeaders bool
	MaxRequestSize    int64
	Headers           SecurityHeaders
	Auditor           *Auditor
	Sessions          *SessionManager // records activity of authenticated requests
	Clock             func() time.Time
}

// Pipeline runs its stages in order and stops at the first one that does not
// continue.
type Pipeline struct {
	stages []Stage
	config PipelineConfig
}

// NewPipeline assembles a pipeline once at startup.
func NewPipeline(config PipelineConfig, stages ...Stage) *Pipeline {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Pipeline{stages: stages, config: config}
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}

// Evaluate runs the stages against rc and returns the final decision and the
// name of the stage that produced it ("" when every stage continued).
func (p *Pipeline) Evaluate(ctx context.Context, rc *RequestContext) (Decision, string) {
	for _, stage := range p.stages {
		d := stage.Process(ctx, rc)
		if d.Action != Continue {
			return d, stage.Name()
		}
	}
	return Proceed(), ""
}

type contextKey string

const (
	requestContextKey contextKey = "wispy_guard_request"
)

// GetRequestContext returns the pipeline's view of the request.
func GetRequestContext(r *http.Request) *RequestContext {
	if rc, ok := r.Context().Value(requestContextKey).(*RequestContext); ok {
		return rc
	}
	return nil
}

// GetSessionFromContext retrieves the validated session from the request context.
func GetSessionFromContext(r *http.Request) *Session {
	if rc := GetRequestContext(r); rc != nil {
		return rc.Session
	}
	return nil
}

// MustGetSessionFromContext retrieves the session from context and panics if not found.
// This function should only be used behind Guard.Protect.
func MustGetSessionFromContext(r *http.Request) *Session {
	session := GetSessionFromContext(r)
	if session == nil {
		panic("session not found in context - ensure Protect middleware is applied")
	}
	return session
}

// Handler wraps next with the pipeline.
func (p *Pipeline) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := NewRequestContext(r, p.config.TrustProxyHeaders, p.config.Clock())
		rec := &statusRecorder{ResponseWriter: w, rc: rc, headers: p.config.Headers}
		rec.Header().Set("X-Request-ID", rc.RequestID)

		decision, stage := p.Evaluate(r.Context(), rc)
		switch decision.Action {
		case Reject:
			copyHeader(rec.Header(), decision.Header)
			writeError(rec, decision.StatusCode, KindOf(decision.Err).PublicMessage())
		case Respond:
			copyHeader(rec.Header(), decision.Header)
			rec.WriteHeader(decision.StatusCode)
		default:
			if p.config.MaxRequestSize > 0 && r.Body != nil {
				r.Body = http.MaxBytesReader(rec, r.Body, p.config.MaxRequestSize)
			}
			ctx := context.WithValue(r.Context(), requestContextKey, rc)
			next.ServeHTTP(rec, r.WithContext(ctx))
		}
		if !rec.wroteHeader {
			rec.WriteHeader(http.StatusOK)
		}

		p.finish(r.Context(), rc, rec.status, decision, stage)
	})
}

// finish audits the final disposition and records session activity.
func (p *Pipeline) finish(ctx context.Context, rc *RequestContext, status int, decision Decision, stage string) {
	latency := p.config.Clock().Sub(rc.StartedAt)
	event := &AuditEvent{
		IPAddress:  rc.ClientIP,
		UserAgent:  rc.UserAgent,
		Endpoint:   rc.Path,
		Method:     rc.Method,
		StatusCode: status,
		Latency:    latency,
		Metadata:   map[string]any{"request_id": rc.RequestID},
	}
	if rc.Session != nil {
		event.AccountID = accountRef(rc.Session.AccountID)
	}

	if decision.Action == Reject {
		kind := KindOf(decision.Err)
		slog.Warn("Request rejected",
			"stage", stage,
			"kind", kind,
			"reason", ReasonOf(decision.Err),
			"ip", rc.ClientIP,
			"method", rc.Method,
			"path", rc.Path)
		event.Kind = EventRequestRejected
		if kind == KindSuspiciousRequest {
			event.Kind = EventSuspiciousRequest
		}
		event.Description = "Request rejected: " + ReasonOf(decision.Err)
		event.Severity = severityForKind(kind)
		event.Metadata["stage"] = stage
		event.Metadata["error_kind"] = string(kind)
		p.config.Auditor.Record(event)
		return
	}

	if !noteworthy(rc.Method, status) {
		return
	}
	event.Kind = EventRequestCompleted
	event.Description = "Request completed"
	if status >= http.StatusBadRequest {
		event.Severity = SeverityWarning
	}
	p.config.Auditor.Record(event)

	if rc.Session != nil && p.config.Sessions != nil {
		if err := p.config.Sessions.RecordActivity(context.WithoutCancel(ctx), rc.Session, rc.Path, rc.Method, status, rc.ClientIP); err != nil {
			slog.Error("Failed to record session activity", "session_id", rc.Session.ID, "error", err)
		}
	}
}

// noteworthy reports whether an exchange is worth an activity record.
func noteworthy(method string, status int) bool {
	if status >= http.StatusBadRequest {
		return true
	}
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func copyHeader(dst, src http.Header) {
	for name, values := range src {
		dst[name] = values
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusRecorder applies the security and stage headers right before the
// status line goes out and remembers the status for auditing.
type statusRecorder struct {
	http.ResponseWriter
	rc          *RequestContext
	headers     SecurityHeaders
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = status
	h := r.ResponseWriter.Header()
	for name, values := range r.rc.ResponseHeader {
		if _, set := h[name]; !set {
			h[name] = values
		}
	}
	r.headers.apply(h)
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Shield runs the pipeline without session validation, for public endpoints
// such as sign-in.
func (g *Guard) Shield(next http.Handler) http.Handler {
	return g.shield.Handler(next)
}

// Protect runs the full pipeline including session validation.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return g.protect.Handler(next)
}

// ProtectedPipeline returns the pipeline behind Protect.
func (g *Guard) ProtectedPipeline() *Pipeline { return g.protect }
