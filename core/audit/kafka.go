// Package audit holds core.AuditSink implementations that ship security
// events off the host.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wispberry-tech/wispy-guard/core"
)

// Writer is the subset of kafka.Writer the sink needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes audit events as JSON to a Kafka topic. Events for the
// same account (or, without one, the same client IP) share a partition.
type KafkaSink struct {
	writer Writer
}

// NewKafkaSink creates a sink writing to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaSink{writer: w}
}

// NewKafkaSinkWithWriter allows injecting a test writer.
func NewKafkaSinkWithWriter(w Writer) *KafkaSink {
	return &KafkaSink{writer: w}
}

// kafkaEvent is the wire form. Latency is flattened to milliseconds.
type kafkaEvent struct {
	ID          string         `json:"id"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	AccountID   *uint          `json:"account_id,omitempty"`
	IPAddress   string         `json:"ip_address,omitempty"`
	UserAgent   string         `json:"user_agent,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Method      string         `json:"method,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	LatencyMS   int64          `json:"latency_ms,omitempty"`
	Severity    string         `json:"severity"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Emit implements core.AuditSink.
func (s *KafkaSink) Emit(ctx context.Context, e *core.AuditEvent) error {
	value, err := json.Marshal(kafkaEvent{
		ID:          e.ID,
		Kind:        e.Kind,
		Description: e.Description,
		AccountID:   e.AccountID,
		IPAddress:   e.IPAddress,
		UserAgent:   e.UserAgent,
		Endpoint:    e.Endpoint,
		Method:      e.Method,
		StatusCode:  e.StatusCode,
		LatencyMS:   e.Latency.Milliseconds(),
		Severity:    string(e.Severity),
		Metadata:    e.Metadata,
		CreatedAt:   e.CreatedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(partitionKey(e)),
		Value: value,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "severity", Value: []byte(e.Severity)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}
	return nil
}

// Close flushes and closes the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func partitionKey(e *core.AuditEvent) string {
	if e.AccountID != nil {
		return "account:" + strconv.FormatUint(uint64(*e.AccountID), 10)
	}
	return "ip:" + e.IPAddress
}
