package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/configcache"
	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/queue"
	"llm_dispatcher/internal/telemetry"
	"llm_dispatcher/internal/utils"
)

// CredentialStore is the credential side of the backing store
type CredentialStore interface {
	CredentialSource
	Get(ctx context.Context, id uuid.UUID) (models.Credential, error)
	List(ctx context.Context) ([]models.CredentialInfo, error)
	Create(ctx context.Context, in models.NewCredentialInput) (models.CredentialInfo, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// SettingsStore is the settings side of the backing store
type SettingsStore interface {
	configcache.SettingsSource
	List(ctx context.Context) ([]models.Setting, error)
	Set(ctx context.Context, key, value string) (models.Setting, error)
}

// DeadLetters exposes failed usage events
type DeadLetters interface {
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[models.UsageEvent], error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// ErrNoDeadLetterQueue is returned when usage persistence has no DLQ
var ErrNoDeadLetterQueue = errors.New("dead-letter queue not configured")

// Admin holds the operator operations
type Admin struct {
	dispatcher  *dispatcher.Dispatcher
	credentials CredentialStore
	settings    SettingsStore
	cache       *configcache.Cache
	usage       *telemetry.Recorder
	deadLetters DeadLetters
	logger      *utils.Logger
}

// NewAdmin creates the admin operations. deadLetters may be nil.
func NewAdmin(d *dispatcher.Dispatcher, credentials CredentialStore, settings SettingsStore, cache *configcache.Cache, usage *telemetry.Recorder, deadLetters DeadLetters) *Admin {
	return &Admin{
		dispatcher:  d,
		credentials: credentials,
		settings:    settings,
		cache:       cache,
		usage:       usage,
		deadLetters: deadLetters,
		logger:      utils.NewLogger("admin"),
	}
}

// TestResult is the outcome of a connectivity test
type TestResult struct {
	CredentialID  uuid.UUID `json:"credential_id"`
	OK            bool      `json:"ok"`
	RateLimited   bool      `json:"rate_limited"`
	Error         string    `json:"error,omitempty"`
	LatencyMs     int64     `json:"latency_ms"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
}

// TestCredential sends a minimal request with one credential. A rate-limit
// answer also puts the credential into cooldown.
func (a *Admin) TestCredential(ctx context.Context, id uuid.UUID) (*TestResult, error) {
	cred, err := a.credentials.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	adapter, err := a.dispatcher.Registry().Adapter(cred.Provider)
	if err != nil {
		return nil, err
	}

	cfg := a.dispatcher.Config()
	state := a.dispatcher.State()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AttemptTimeout)
	defer cancel()

	start := time.Now()
	err = providers.Ping(pingCtx, adapter, cred)
	result := &TestResult{CredentialID: id, LatencyMs: time.Since(start).Milliseconds()}

	switch {
	case err == nil:
		result.OK = true
		a.logger.Info("Credential test passed", append(cred.LogFields(), "latency_ms", result.LatencyMs)...)
	case providers.IsRateLimited(err):
		result.RateLimited = true
		result.Error = err.Error()
		result.CooldownUntil = state.CoolDown(id, cfg.Cooldown)
		a.logger.Warn("Credential test rate limited", append(cred.LogFields(), "until", result.CooldownUntil)...)
	default:
		result.Error = err.Error()
		a.logger.Warn("Credential test failed", append(cred.LogFields(), "error", err)...)
	}
	return result, nil
}

// DeactivateCredential removes a credential from rotation
func (a *Admin) DeactivateCredential(ctx context.Context, id uuid.UUID) error {
	if err := a.credentials.SetActive(ctx, id, false); err != nil {
		return err
	}
	a.logger.Info("Credential deactivated", "credential_id", id)
	return nil
}

// ActivateCredential puts a credential back into rotation
func (a *Admin) ActivateCredential(ctx context.Context, id uuid.UUID) error {
	return a.credentials.SetActive(ctx, id, true)
}

// CreateCredential stores a new credential
func (a *Admin) CreateCredential(ctx context.Context, in models.NewCredentialInput) (models.CredentialInfo, error) {
	info, err := a.credentials.Create(ctx, in)
	if err != nil {
		return models.CredentialInfo{}, err
	}
	a.logger.Info("Credential created", "credential", info.Name, "credential_id", info.ID, "provider", info.Provider)
	return info, nil
}

// ListCredentials returns every credential without secrets
func (a *Admin) ListCredentials(ctx context.Context) ([]models.CredentialInfo, error) {
	return a.credentials.List(ctx)
}

// Settings returns every setting
func (a *Admin) Settings(ctx context.Context) ([]models.Setting, error) {
	return a.settings.List(ctx)
}

// SetSetting writes one setting and invalidates the config cache
func (a *Admin) SetSetting(ctx context.Context, key, value string) (models.Setting, error) {
	if key == "" {
		return models.Setting{}, fmt.Errorf("setting key is required")
	}
	setting, err := a.settings.Set(ctx, key, value)
	if err != nil {
		return models.Setting{}, err
	}
	a.cache.Invalidate()
	a.logger.Info("Setting updated", "key", key)
	return setting, nil
}

// InvalidateConfig forces the next request to reload feature models
func (a *Admin) InvalidateConfig() {
	a.cache.Invalidate()
}

// CredentialStatus is one credential with its runtime counters
type CredentialStatus struct {
	models.CredentialInfo
	dispatcher.CredentialStats
	CoolingDownUntil time.Time `json:"cooling_down_until,omitzero"`
}

// StatsReport is the runtime view of the dispatcher
type StatsReport struct {
	Cursor      uint64                            `json:"cursor"`
	Credentials []CredentialStatus                `json:"credentials"`
	Usage       map[string]telemetry.UserCounters `json:"usage"`
	Config      configcache.Snapshot              `json:"config"`
}

// Stats joins the credential list with the in-memory counters
func (a *Admin) Stats(ctx context.Context) (*StatsReport, error) {
	infos, err := a.credentials.List(ctx)
	if err != nil {
		return nil, err
	}
	snap := a.dispatcher.State().Snapshot()

	report := &StatsReport{
		Cursor:      snap.Cursor,
		Credentials: make([]CredentialStatus, 0, len(infos)),
		Usage:       a.usage.Snapshot(),
		Config:      a.cache.Snapshot(),
	}
	for _, info := range infos {
		report.Credentials = append(report.Credentials, CredentialStatus{
			CredentialInfo:   info,
			CredentialStats:  snap.Credentials[info.ID],
			CoolingDownUntil: snap.Cooldowns[info.ID],
		})
	}
	return report, nil
}

// DeadLetterItems lists failed usage events
func (a *Admin) DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem[models.UsageEvent], error) {
	if a.deadLetters == nil {
		return nil, ErrNoDeadLetterQueue
	}
	return a.deadLetters.GetDeadLetterItems(ctx, maxItems)
}

// RetryDeadLetter re-queues one failed usage event
func (a *Admin) RetryDeadLetter(ctx context.Context, id string) error {
	if a.deadLetters == nil {
		return ErrNoDeadLetterQueue
	}
	return a.deadLetters.RetryDeadLetterItem(ctx, id)
}
