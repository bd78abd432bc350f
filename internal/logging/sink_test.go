package logging

import (
	"context"
	"testing"
	"time"
)

func TestNoopSink(t *testing.T) {
	sink := NewNoopSink()

	rec := &AttemptRecord{
		Timestamp:    time.Now(),
		RequestID:    "req-123",
		CredentialID: "cred-456",
		Provider:     "openai",
		Model:        "gpt-4o-mini",
		Outcome:      OutcomeSuccess,
	}

	if err := sink.Enqueue(rec); err != nil {
		t.Errorf("Expected no error from NoopSink.Enqueue, got %v", err)
	}
	if err := sink.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected no error from NoopSink.Shutdown, got %v", err)
	}
}
