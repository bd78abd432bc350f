// Package configcache keeps the feature to model map in memory with a TTL.
package configcache

import (
	"context"
	"strings"
	"sync"
	"time"

	"llm_dispatcher/internal/utils"
)

// DefaultTTL is how long a snapshot is served before the next refresh
const DefaultTTL = 5 * time.Minute

// DefaultRetryInterval spaces refresh attempts while the source is failing
const DefaultRetryInterval = 5 * time.Second

// DefaultPrefix marks feature model entries among the settings
const DefaultPrefix = "model."

// SettingsSource lists every setting as key to value
type SettingsSource interface {
	All(ctx context.Context) (map[string]string, error)
}

// Snapshot is the cached map and when it was fetched. A zero FetchedAt
// means no successful fetch yet.
type Snapshot struct {
	Values    map[string]string `json:"values"`
	FetchedAt time.Time         `json:"fetched_at,omitzero"`
}

// Cache resolves feature keys to model names. Refreshes happen under the
// mutex so concurrent callers share one fetch.
type Cache struct {
	source SettingsSource
	ttl    time.Duration
	retry  time.Duration
	prefix string
	now    func() time.Time
	logger *utils.Logger

	mu       sync.Mutex
	snapshot Snapshot
	// checkedAt is the last refresh attempt, successful or not
	checkedAt time.Time
	refreshes int
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL overrides DefaultTTL
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithRetryInterval overrides DefaultRetryInterval
func WithRetryInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.retry = d
		}
	}
}

// WithPrefix overrides DefaultPrefix
func WithPrefix(prefix string) Option {
	return func(c *Cache) { c.prefix = prefix }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty cache; the first Get fetches
func New(source SettingsSource, opts ...Option) *Cache {
	c := &Cache{
		source: source,
		ttl:    DefaultTTL,
		retry:  DefaultRetryInterval,
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: utils.NewLogger("config-cache"),
		snapshot: Snapshot{
			Values: map[string]string{},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the model configured for featureKey, or fallback
func (c *Cache) Get(ctx context.Context, featureKey, fallback string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale() {
		c.refresh(ctx)
	}
	if v, ok := c.snapshot.Values[featureKey]; ok && v != "" {
		return v
	}
	return fallback
}

// Lookup is Get without a fallback; ok is false when nothing is configured
func (c *Cache) Lookup(ctx context.Context, featureKey string) (string, bool) {
	v := c.Get(ctx, featureKey, "")
	return v, v != ""
}

// Invalidate forces the next Get to refresh
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkedAt = time.Time{}
	c.logger.Debug("Cache invalidated")
}

// Snapshot returns a copy of the current snapshot without refreshing
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	values := make(map[string]string, len(c.snapshot.Values))
	for k, v := range c.snapshot.Values {
		values[k] = v
	}
	return Snapshot{Values: values, FetchedAt: c.snapshot.FetchedAt}
}

// Refreshes returns how many fetches were attempted
func (c *Cache) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// stale reports whether a refresh is due. After a failed attempt the next
// one waits out the retry interval. Caller holds mu.
func (c *Cache) stale() bool {
	if c.checkedAt.IsZero() {
		return true
	}
	now := c.now()
	if !c.snapshot.FetchedAt.IsZero() && now.Before(c.snapshot.FetchedAt.Add(c.ttl)) {
		return false
	}
	return !now.Before(c.checkedAt.Add(c.retry))
}

// refresh replaces the snapshot. On failure the old snapshot stays with its
// old timestamp. Caller holds mu.
func (c *Cache) refresh(ctx context.Context) {
	c.refreshes++
	c.checkedAt = c.now()

	all, err := c.source.All(ctx)
	if err != nil {
		c.logger.Warn("Config refresh failed, serving stale values",
			"error", err, "entries", len(c.snapshot.Values), "fetched_at", c.snapshot.FetchedAt)
		return
	}

	values := make(map[string]string)
	for k, v := range all {
		if feature, ok := strings.CutPrefix(k, c.prefix); ok && feature != "" {
			values[feature] = strings.TrimSpace(v)
		}
	}
	c.snapshot = Snapshot{Values: values, FetchedAt: c.now()}
	c.logger.Debug("Config refreshed", "entries", len(values))
}
