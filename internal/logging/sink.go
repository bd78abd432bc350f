package logging

import (
	"context"
	"time"
)

// Attempt outcomes
const (
	OutcomeSuccess     = "success"
	OutcomeRateLimited = "rate_limited"
	OutcomeFailed      = "failed"
	OutcomeUnsupported = "unsupported"
)

// AttemptRecord is one credential attempt inside a dispatch.
type AttemptRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id"`
	Attempt        int       `json:"attempt"`
	CredentialID   string    `json:"credential_id"`
	CredentialName string    `json:"credential_name"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model"`
	Feature        string    `json:"feature,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Outcome        string    `json:"outcome"`
	LatencyMs      int64     `json:"latency_ms"`
	CooldownUntil  time.Time `json:"cooldown_until,omitzero"`
	Error          string    `json:"error,omitempty"`
}

// Sink receives attempt records. Enqueue must not block the caller.
type Sink interface {
	Enqueue(rec *AttemptRecord) error
	Shutdown(ctx context.Context) error
}

// NoopSink discards records.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (s *NoopSink) Enqueue(*AttemptRecord) error { return nil }

func (s *NoopSink) Shutdown(context.Context) error { return nil }
