package dispatcher

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/utils"
)

// CredentialStats are the runtime counters of one credential. They live in
// process memory only and reset on restart.
type CredentialStats struct {
	UseCount     int64     `json:"use_count"`
	FailureCount int64     `json:"failure_count"`
	LastUsedAt   time.Time `json:"last_used_at,omitzero"`
}

// State is the shared mutable state of the dispatcher: the rotation cursor,
// per-credential stats and the cooldown table. One mutex guards all of it
// and is never held across a provider call.
type State struct {
	mu        sync.Mutex
	cursor    uint64
	stats     map[uuid.UUID]*CredentialStats
	cooldowns map[uuid.UUID]time.Time
	now       func() time.Time
	logger    *utils.Logger
}

// StateOption configures a State
type StateOption func(*State)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) StateOption {
	return func(s *State) { s.now = now }
}

// NewState creates an empty state
func NewState(opts ...StateOption) *State {
	s := &State{
		stats:     make(map[uuid.UUID]*CredentialStats),
		cooldowns: make(map[uuid.UUID]time.Time),
		now:       time.Now,
		logger:    utils.NewLogger("rotation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the state's clock reading
func (s *State) Now() time.Time {
	return s.now()
}

func (s *State) statsFor(id uuid.UUID) *CredentialStats {
	st, ok := s.stats[id]
	if !ok {
		st = &CredentialStats{}
		s.stats[id] = st
	}
	return st
}

// RecordSuccess bumps useCount and lastUsedAt
func (s *State) RecordSuccess(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.statsFor(id)
	st.UseCount++
	st.LastUsedAt = s.now()
}

// RecordFailure bumps failureCount
func (s *State) RecordFailure(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statsFor(id).FailureCount++
}

// CoolDown excludes id from rotation for d and returns the expiry
func (s *State) CoolDown(id uuid.UUID, d time.Duration) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := s.now().Add(d)
	s.cooldowns[id] = until
	return until
}

// CoolingDown reports whether id is still excluded from rotation
func (s *State) CoolingDown(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldowns[id]
	return ok && s.now().Before(until)
}

// Stats returns a copy of one credential's counters
func (s *State) Stats(id uuid.UUID) CredentialStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stats[id]; ok {
		return *st
	}
	return CredentialStats{}
}

// Snapshot is a point-in-time copy of the state for reporting
type Snapshot struct {
	Cursor      uint64                        `json:"cursor"`
	Credentials map[uuid.UUID]CredentialStats `json:"credentials"`
	Cooldowns   map[uuid.UUID]time.Time       `json:"cooldowns"`
}

// Snapshot copies the state. Expired cooldowns are left out.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	snap := Snapshot{
		Cursor:      s.cursor,
		Credentials: make(map[uuid.UUID]CredentialStats, len(s.stats)),
		Cooldowns:   make(map[uuid.UUID]time.Time, len(s.cooldowns)),
	}
	for id, st := range s.stats {
		snap.Credentials[id] = *st
	}
	for id, until := range s.cooldowns {
		if now.Before(until) {
			snap.Cooldowns[id] = until
		}
	}
	return snap
}
