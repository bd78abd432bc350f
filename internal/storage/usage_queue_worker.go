package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/queue"
	"llm_dispatcher/internal/utils"
)

// UsageWriter persists folded usage increments
type UsageWriter interface {
	ApplyDeltas(ctx context.Context, deltas []*models.UsageDelta) error
}

// UsageQueueWorker drains usage events into the monthly aggregate
type UsageQueueWorker struct {
	queue       queue.Queue[models.UsageEvent]
	dlq         queue.DeadLetterQueue[models.UsageEvent]
	writer      UsageWriter
	config      *queue.Config
	logger      *utils.Logger
	stopOnce    sync.Once
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewUsageQueueWorker creates a new usage queue worker
func NewUsageQueueWorker(q queue.Queue[models.UsageEvent], dlq queue.DeadLetterQueue[models.UsageEvent], writer UsageWriter, config *queue.Config) *UsageQueueWorker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}

	return &UsageQueueWorker{
		queue:       q,
		dlq:         dlq,
		writer:      writer,
		config:      config,
		logger:      utils.NewLogger("usage-worker"),
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *UsageQueueWorker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop drains what is already queued, then stops the worker
func (w *UsageQueueWorker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	<-w.stoppedChan
	return nil
}

// Enqueue adds a usage event to the queue
func (w *UsageQueueWorker) Enqueue(ctx context.Context, ev models.UsageEvent) error {
	return w.queue.Enqueue(ctx, ev)
}

// run is the main worker loop
func (w *UsageQueueWorker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.drain()
			w.logger.Info("Usage worker stopping")
			return
		case <-ctx.Done():
			w.logger.Info("Usage worker context cancelled")
			return
		default:
			w.processBatch(ctx)
		}
	}
}

// drain flushes events that were queued before Stop
func (w *UsageQueueWorker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for ctx.Err() == nil {
		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil || len(items) == 0 {
			return
		}
		w.handle(ctx, items)
	}
}

// processBatch processes one batch of usage events
func (w *UsageQueueWorker) processBatch(ctx context.Context) {
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			w.sleep(ctx, 100*time.Millisecond)
			return
		}
		w.logger.Error("Failed to dequeue usage events", "error", err)
		w.sleep(ctx, time.Second)
		return
	}

	if len(items) == 0 {
		return
	}
	w.handle(ctx, items)
}

func (w *UsageQueueWorker) handle(ctx context.Context, events []models.UsageEvent) {
	w.logger.Debug("Processing usage batch", "count", len(events))

	deltas := models.FoldUsageEvents(events)
	if err := w.writer.ApplyDeltas(ctx, deltas); err != nil {
		w.logger.Error("Failed to apply usage batch, falling back to individual upserts", "error", err)
		for _, ev := range events {
			if err := w.processItem(ctx, ev); err != nil {
				w.logger.Error("Failed to process usage event", "user_id", ev.UserID, "error", err)
			}
		}
		return
	}

	w.logger.Debug("Applied usage batch", "events", len(events), "rows", len(deltas))
}

// processItem upserts a single event with retries and exponential backoff
func (w *UsageQueueWorker) processItem(ctx context.Context, ev models.UsageEvent) error {
	delta := models.FoldUsageEvents([]models.UsageEvent{ev})

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			if !w.sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		if err := w.writer.ApplyDeltas(ctx, delta); err != nil {
			lastErr = err
			w.logger.Warn("Failed to upsert usage event", "attempt", attempt, "error", err)
			continue
		}
		return nil
	}

	if w.dlq != nil {
		if err := w.dlq.Add(context.Background(), ev, lastErr); err != nil {
			w.logger.Error("Failed to add to dead letter queue", "error", err)
		} else {
			w.logger.Warn("Usage event moved to DLQ", "user_id", ev.UserID, "month", ev.Month, "error", lastErr)
		}
	}

	return fmt.Errorf("%w: %v", queue.ErrMaxRetriesExceeded, lastErr)
}

// sleep waits for d and reports false if the worker was interrupted first
func (w *UsageQueueWorker) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}

// GetQueueLength returns the current queue length
func (w *UsageQueueWorker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// GetDeadLetterItems returns items from the dead letter queue
func (w *UsageQueueWorker) GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[models.UsageEvent], error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetterItem re-enqueues a failed event and removes it from the DLQ
func (w *UsageQueueWorker) RetryDeadLetterItem(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	items, err := w.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}

	for _, dlItem := range items {
		if dlItem.ID != id {
			continue
		}
		if err := w.queue.Enqueue(ctx, dlItem.Item); err != nil {
			return fmt.Errorf("failed to re-enqueue item: %w", err)
		}
		if err := w.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from DLQ: %w", err)
		}
		return nil
	}

	return queue.ErrItemNotFound
}

// LogUsageWriter reports usage increments to the log instead of a database.
// It backs the file store mode.
type LogUsageWriter struct {
	logger *utils.Logger
}

// NewLogUsageWriter creates a log-only usage writer
func NewLogUsageWriter() *LogUsageWriter {
	return &LogUsageWriter{logger: utils.NewLogger("usage")}
}

func (l *LogUsageWriter) ApplyDeltas(_ context.Context, deltas []*models.UsageDelta) error {
	for _, d := range deltas {
		l.logger.Info("Usage",
			"user_id", d.UserID,
			"month", d.Month,
			"total", d.Total,
			"success", d.Success,
			"failed", d.Failed,
			"features", d.Features,
		)
	}
	return nil
}
