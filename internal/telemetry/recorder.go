// Package telemetry counts request outcomes per user and ships them to the
// monthly usage aggregate without making callers wait.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/utils"
)

// enqueueTimeout bounds one background enqueue
const enqueueTimeout = 5 * time.Second

// Enqueuer accepts usage events for persistence
type Enqueuer interface {
	Enqueue(ctx context.Context, ev models.UsageEvent) error
}

// UserCounters are the in-memory totals of one user since start
type UserCounters struct {
	Total    int64            `json:"total"`
	Success  int64            `json:"success"`
	Failed   int64            `json:"failed"`
	Features map[string]int64 `json:"features"`
}

// Recorder updates counters synchronously and persists asynchronously
type Recorder struct {
	sink   Enqueuer
	now    func() time.Time
	logger *utils.Logger

	mu    sync.Mutex
	users map[string]*UserCounters

	wg sync.WaitGroup
}

// NewRecorder creates a recorder. A nil sink keeps counters in memory only.
func NewRecorder(sink Enqueuer) *Recorder {
	return &Recorder{
		sink:   sink,
		now:    time.Now,
		logger: utils.NewLogger("telemetry"),
		users:  make(map[string]*UserCounters),
	}
}

// Record counts one terminal outcome. It never blocks on persistence and
// never reports persistence errors to the caller.
func (r *Recorder) Record(userID, feature string, success bool, credentialID uuid.UUID) {
	at := r.now()

	r.mu.Lock()
	c, ok := r.users[userID]
	if !ok {
		c = &UserCounters{Features: make(map[string]int64)}
		r.users[userID] = c
	}
	c.Total++
	if success {
		c.Success++
	} else {
		c.Failed++
	}
	if feature != "" {
		c.Features[feature]++
	}
	r.mu.Unlock()

	if r.sink == nil || userID == "" {
		return
	}

	ev := models.UsageEvent{
		UserID:       userID,
		Month:        models.MonthKey(at),
		Feature:      feature,
		Success:      success,
		CredentialID: credentialID,
		At:           at,
	}

	r.wg.Add(1)
	go r.persist(ev)
}

func (r *Recorder) persist(ev models.UsageEvent) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Usage persistence panicked", "user_id", ev.UserID, "panic", fmt.Sprint(p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	if err := r.sink.Enqueue(ctx, ev); err != nil {
		r.logger.Error("Failed to enqueue usage event", "user_id", ev.UserID, "month", ev.Month, "error", err)
	}
}

// Wait blocks until in-flight enqueues finish or ctx is done
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// User returns a copy of one user's counters
func (r *Recorder) User(userID string) UserCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.users[userID]; ok {
		return copyCounters(c)
	}
	return UserCounters{Features: map[string]int64{}}
}

// Snapshot returns a copy of every user's counters
func (r *Recorder) Snapshot() map[string]UserCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]UserCounters, len(r.users))
	for id, c := range r.users {
		out[id] = copyCounters(c)
	}
	return out
}

func copyCounters(c *UserCounters) UserCounters {
	features := make(map[string]int64, len(c.Features))
	for k, v := range c.Features {
		features[k] = v
	}
	return UserCounters{Total: c.Total, Success: c.Success, Failed: c.Failed, Features: features}
}
