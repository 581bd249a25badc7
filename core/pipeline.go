package core

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// RequestContext is the request view shared by the pipeline stages.
type RequestContext struct {
	RequestID     string
	Method        string
	Path          string
	RawQuery      string
	Query         url.Values
	Header        http.Header
	ClientIP      string
	UserAgent     string
	Origin        string
	ContentLength int64
	StartedAt     time.Time

	// Session is set by the session stage on success.
	Session *Session
	// ResponseHeader collects headers stages want on the final response.
	ResponseHeader http.Header
}

// NewRequestContext captures r.
func NewRequestContext(r *http.Request, trustProxy bool, now time.Time) *RequestContext {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &RequestContext{
		RequestID:      requestID,
		Method:         r.Method,
		Path:           r.URL.Path,
		RawQuery:       r.URL.RawQuery,
		Query:          r.URL.Query(),
		Header:         r.Header,
		ClientIP:       extractIP(r, trustProxy),
		UserAgent:      r.UserAgent(),
		Origin:         r.Header.Get("Origin"),
		ContentLength:  r.ContentLength,
		StartedAt:      now,
		ResponseHeader: http.Header{},
	}
}

// Action is what the pipeline does after a stage.
type Action int

const (
	// Continue hands the request to the next stage.
	Continue Action = iota
	// Respond answers the request without an error (e.g. a CORS preflight).
	Respond
	// Reject answers the request with the error's status.
	Reject
)

// Decision is a stage outcome.
type Decision struct {
	Action     Action
	StatusCode int
	Header     http.Header
	Err        error
}

// Proceed continues to the next stage.
func Proceed() Decision { return Decision{Action: Continue} }

// RespondWith ends the request successfully with status and headers.
func RespondWith(status int, header http.Header) Decision {
	return Decision{Action: Respond, StatusCode: status, Header: header}
}

// RejectWith ends the request with err. The status follows the error kind.
func RejectWith(err error, header http.Header) Decision {
	return Decision{Action: Reject, StatusCode: KindOf(err).StatusCode(), Header: header, Err: err}
}

// Stage is one check of the security pipeline. Stages must not write to the
// response; they return a Decision.
type Stage interface {
	Name() string
	Process(ctx context.Context, rc *RequestContext) Decision
}

// IPFilterStage rejects clients outside the allow list or inside the deny list.
type IPFilterStage struct{ Filter *IPFilter }

func (IPFilterStage) Name() string { return "ip_filter" }

func (s IPFilterStage) Process(_ context.Context, rc *RequestContext) Decision {
	if !s.Filter.Allowed(rc.ClientIP) {
		return RejectWith(newSecurityError(KindIPBlocked, "client address "+rc.ClientIP+" is not allowed", nil), nil)
	}
	return Proceed()
}

// RateLimitStage counts the request against the client IP.
type RateLimitStage struct{ Limiter *RateLimiter }

func (RateLimitStage) Name() string { return "rate_limit" }

func (s RateLimitStage) Process(ctx context.Context, rc *RequestContext) Decision {
	result, _ := s.Limiter.Check(ctx, rc.ClientIP)
	rc.ResponseHeader.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	if !result.Degraded {
		rc.ResponseHeader.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	}
	if result.Allowed {
		return Proceed()
	}
	retryAfter := int(result.RetryAfter.Round(time.Second).Seconds())
	header := http.Header{}
	header.Set("Retry-After", strconv.Itoa(max(retryAfter, 1)))
	reason := "request ceiling exceeded"
	if result.Degraded {
		reason = "counter store unavailable"
	}
	return RejectWith(newSecurityError(KindRateLimited, reason, nil), header)
}

// RequestSizeStage rejects requests declaring a body above the bound. Bodies
// without a declared length are capped while being read.
type RequestSizeStage struct{ MaxBytes int64 }

func (RequestSizeStage) Name() string { return "request_size" }

func (s RequestSizeStage) Process(_ context.Context, rc *RequestContext) Decision {
	if s.MaxBytes > 0 && rc.ContentLength > s.MaxBytes {
		return RejectWith(newSecurityError(KindRequestTooLarge,
			"content length "+strconv.FormatInt(rc.ContentLength, 10)+" exceeds "+strconv.FormatInt(s.MaxBytes, 10), nil), nil)
	}
	return Proceed()
}

// AttackDetectionStage rejects requests matching an attack signature.
type AttackDetectionStage struct{ Detector *AttackDetector }

func (AttackDetectionStage) Name() string { return "attack_detection" }

func (s AttackDetectionStage) Process(_ context.Context, rc *RequestContext) Decision {
	if d := s.Detector.Inspect(rc); d.Suspicious {
		return RejectWith(newSecurityError(KindSuspiciousRequest, d.Class+" signature "+strconv.Quote(d.Indicator), nil), nil)
	}
	return Proceed()
}

// CORSStage answers preflights and rejects disallowed origins.
type CORSStage struct{ Policy *CORSPolicy }

func (CORSStage) Name() string { return "cors" }

func (s CORSStage) Process(_ context.Context, rc *RequestContext) Decision {
	if !s.Policy.CheckOrigin(rc.Origin) {
		return RejectWith(newSecurityError(KindCORSOriginDenied, "origin "+strconv.Quote(rc.Origin)+" is not allowed", nil), nil)
	}
	header, preflight := s.Policy.Apply(rc)
	if preflight {
		return RespondWith(http.StatusNoContent, header)
	}
	for name, values := range header {
		for _, v := range values {
			rc.ResponseHeader.Add(name, v)
		}
	}
	return Proceed()
}

// CSRFStage requires the CSRF token on state-changing requests.
type CSRFStage struct{ Guard *CSRFGuard }

func (CSRFStage) Name() string { return "csrf" }

func (s CSRFStage) Process(_ context.Context, rc *RequestContext) Decision {
	if err := s.Guard.CheckCSRF(rc); err != nil {
		return RejectWith(err, nil)
	}
	return Proceed()
}

// SessionStage validates the bearer token and attaches the session.
type SessionStage struct{ Sessions *SessionManager }

func (SessionStage) Name() string { return "session" }

func (s SessionStage) Process(ctx context.Context, rc *RequestContext) Decision {
	token := extractBearerToken(rc.Header)
	if token == "" {
		return RejectWith(newSecurityError(KindSessionNotFound, "missing bearer token", nil), nil)
	}
	session, err := s.Sessions.ValidateSession(ctx, token, rc.ClientIP)
	if err != nil {
		return RejectWith(err, nil)
	}
	rc.Session = session
	return Proceed()
}
