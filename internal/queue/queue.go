package queue

import (
	"context"
	"time"
)

// Package queue carries usage events from the request path to the usage
// worker. Two backends share one interface:
//
// 1. Memory queue (buffered channel):
//    - No persistence, events are lost on restart
//    - No external dependencies, suits single-instance deployments
//
// 2. Redis queue (Redis list of JSON payloads):
//    - Survives restarts of the dispatcher process
//    - Several dispatcher replicas can feed one worker pool
//
//	┌──────────────┐   Enqueue    ┌─────────────┐  DequeueWithTimeout  ┌──────────────┐
//	│ telemetry    │ ───────────▶ │ usage queue │ ───────────────────▶ │ usage worker │
//	│ Recorder     │ (goroutine)  └─────────────┘      (batches)       └──────┬───────┘
//	└──────────────┘                                                          │
//	                                                    upsert per (user, month)
//	                                                         ┌────────────────┴──┐
//	                                                         ▼                   ▼
//	                                                ┌──────────────────┐      ┌─────┐
//	                                                │ ai_usage_monthly │      │ DLQ │
//	                                                └──────────────────┘      └─────┘

// Queue is a FIFO of T values.
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// DequeueWithTimeout waits up to timeout for the first item, then takes
	// whatever else is immediately available, up to maxItems. An empty
	// slice means the timeout elapsed.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue
	Close() error
}

// DeadLetterQueue holds items whose processing failed permanently.
type DeadLetterQueue[T any] interface {
	// Add stores a failed item with the error that retired it
	Add(ctx context.Context, item T, err error) error

	// List returns up to maxItems items; maxItems <= 0 means all
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)

	// Remove deletes an item by ID
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an item in the dead letter queue
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		QueueName:    queueName,
	}
}
