package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// AuditSink receives security events. Emit may block; the Auditor calls it
// from its own goroutine.
type AuditSink interface {
	Emit(ctx context.Context, event *AuditEvent) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, event *AuditEvent) error

func (f AuditSinkFunc) Emit(ctx context.Context, event *AuditEvent) error { return f(ctx, event) }

// LogAuditSink writes events to slog.
type LogAuditSink struct{}

func (LogAuditSink) Emit(_ context.Context, e *AuditEvent) error {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityHigh, SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{
		"event_id", e.ID,
		"kind", e.Kind,
		"severity", e.Severity,
		"ip", e.IPAddress,
	}
	if e.AccountID != nil {
		attrs = append(attrs, "account_id", *e.AccountID)
	}
	if e.Endpoint != "" {
		attrs = append(attrs, "method", e.Method, "endpoint", e.Endpoint, "status", e.StatusCode, "latency", e.Latency)
	}
	if len(e.Metadata) > 0 {
		attrs = append(attrs, "metadata", e.Metadata)
	}
	slog.Log(context.Background(), level, e.Description, attrs...)
	return nil
}

// StorageAuditSink persists events through Storage.CreateSecurityEvent.
type StorageAuditSink struct {
	Storage Storage
}

func (s StorageAuditSink) Emit(ctx context.Context, e *AuditEvent) error {
	return s.Storage.CreateSecurityEvent(ctx, e)
}

// MultiAuditSink fans an event out to several sinks.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Emit(ctx context.Context, e *AuditEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Emit(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Auditor forwards events to a sink asynchronously. Record never blocks the
// caller: when the buffer is full the event is dropped and counted.
type Auditor struct {
	sink    AuditSink
	events  chan *AuditEvent
	done    chan struct{}
	dropped atomic.Int64
	closed  atomic.Bool
	mu      sync.RWMutex
}

// NewAuditor starts the dispatch goroutine.
func NewAuditor(sink AuditSink, bufferSize int) *Auditor {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	a := &Auditor{
		sink:   sink,
		events: make(chan *AuditEvent, bufferSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Auditor) run() {
	defer close(a.done)
	for event := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.sink.Emit(ctx, event); err != nil {
			slog.Error("Failed to emit audit event", "kind", event.Kind, "event_id", event.ID, "error", err)
		}
		cancel()
	}
}

// Record queues an event. It is safe on a nil Auditor.
func (a *Auditor) Record(event *AuditEvent) {
	if a == nil || event == nil {
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed.Load() {
		a.dropped.Add(1)
		return
	}
	select {
	case a.events <- event:
	default:
		if a.dropped.Add(1)%100 == 1 {
			slog.Warn("Audit buffer full, dropping events", "dropped_total", a.dropped.Load())
		}
	}
}

// Dropped returns the number of events discarded so far.
func (a *Auditor) Dropped() int64 {
	if a == nil {
		return 0
	}
	return a.dropped.Load()
}

// Close stops accepting events and waits until queued events are emitted.
func (a *Auditor) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if a.closed.Swap(true) {
		a.mu.Unlock()
		<-a.done
		return
	}
	close(a.events)
	a.mu.Unlock()
	<-a.done
}

func severityForKind(kind ErrorKind) Severity {
	switch kind {
	case KindSuspiciousRequest, KindSessionBlocked:
		return SeverityHigh
	case KindInternal:
		return SeverityCritical
	case KindRateLimited, KindIPBlocked, KindCSRFMissing, KindCSRFInvalid, KindCORSOriginDenied,
		KindTwoFactorInvalidCode, KindInvalidCredentials:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func accountRef(id uint) *uint { return &id }
