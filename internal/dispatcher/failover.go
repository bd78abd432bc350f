package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"llm_dispatcher/internal/logging"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/utils"
)

const (
	// DefaultAttemptTimeout bounds one provider call
	DefaultAttemptTimeout = 30 * time.Second

	// DefaultCooldown is how long a rate-limited credential sits out
	DefaultCooldown = 60 * time.Second
)

// Config holds the failover knobs
type Config struct {
	AttemptTimeout time.Duration
	Cooldown       time.Duration

	// HonorRetryAfter extends the cooldown to the provider's hint when the
	// hint is longer. Off by default.
	HonorRetryAfter bool
}

// Request is one dispatch. Model, when set, overrides each credential's
// own model.
type Request struct {
	Parts     []providers.Part
	Model     string
	Feature   string
	UserID    string
	RequestID string
}

// Result is a successful dispatch
type Result struct {
	Text           string              `json:"text"`
	CredentialID   uuid.UUID           `json:"credential_id"`
	CredentialName string              `json:"credential_name"`
	Provider       models.ProviderKind `json:"provider"`
	Model          string              `json:"model"`
	Attempts       int                 `json:"attempts"`
}

// Dispatcher tries credentials one after another until one answers
type Dispatcher struct {
	state    *State
	registry *providers.Registry
	sink     logging.Sink
	cfg      Config
	logger   *utils.Logger
}

// New creates a dispatcher. A nil sink discards attempt records.
func New(state *State, registry *providers.Registry, sink logging.Sink, cfg Config) *Dispatcher {
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultAttemptTimeout
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	return &Dispatcher{
		state:    state,
		registry: registry,
		sink:     sink,
		cfg:      cfg,
		logger:   utils.NewLogger("dispatcher"),
	}
}

// State returns the shared state the dispatcher mutates
func (d *Dispatcher) State() *State {
	return d.state
}

// Config returns the effective failover settings
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// Registry returns the adapter registry
func (d *Dispatcher) Registry() *providers.Registry {
	return d.registry
}

// Dispatch walks ordered sequentially. The first non-empty answer wins.
// When every credential fails the error is an *AggregateFailure wrapping
// the last attempt's error.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, ordered []models.Credential) (*Result, error) {
	if len(ordered) == 0 {
		return nil, &ConfigurationError{Err: ErrNoCredentials}
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	var lastErr error
	for i, cred := range ordered {
		if err := ctx.Err(); err != nil {
			// Caller gave up; the remaining credentials are not charged.
			if lastErr == nil {
				lastErr = err
			}
			return nil, &AggregateFailure{Attempts: i, Abandoned: true, Last: lastErr}
		}

		model := cred.Model
		if req.Model != "" {
			model = req.Model
		}

		start := d.state.Now()
		text, err := d.attempt(ctx, req.Parts, model, cred)
		latency := d.state.Now().Sub(start)

		rec := &logging.AttemptRecord{
			Timestamp:      start,
			RequestID:      req.RequestID,
			Attempt:        i + 1,
			CredentialID:   cred.ID.String(),
			CredentialName: cred.Name,
			Provider:       string(cred.Provider),
			Model:          model,
			Feature:        req.Feature,
			UserID:         req.UserID,
			LatencyMs:      latency.Milliseconds(),
		}

		if err == nil {
			d.state.RecordSuccess(cred.ID)
			rec.Outcome = logging.OutcomeSuccess
			d.emit(rec)
			return &Result{
				Text:           text,
				CredentialID:   cred.ID,
				CredentialName: cred.Name,
				Provider:       cred.Provider,
				Model:          model,
				Attempts:       i + 1,
			}, nil
		}

		if ctx.Err() != nil {
			// Cancelled mid-attempt: not the credential's fault
			d.logger.Debug("Caller gave up during attempt",
				append(cred.LogFields(), "error", err, "request_id", req.RequestID)...)
			return nil, &AggregateFailure{Attempts: i + 1, Abandoned: true, Last: err}
		}

		lastErr = err
		d.state.RecordFailure(cred.ID)
		rec.Error = err.Error()

		switch {
		case providers.IsRateLimited(err):
			rec.Outcome = logging.OutcomeRateLimited
			rec.CooldownUntil = d.state.CoolDown(cred.ID, d.cooldownFor(err))
			d.logger.Warn("Credential rate limited, cooling down",
				append(cred.LogFields(), "until", rec.CooldownUntil, "request_id", req.RequestID)...)
		case isUnsupported(err):
			rec.Outcome = logging.OutcomeUnsupported
			d.logger.Debug("Credential cannot serve attachment, skipping",
				append(cred.LogFields(), "request_id", req.RequestID)...)
		default:
			rec.Outcome = logging.OutcomeFailed
			d.logger.Warn("Credential attempt failed",
				append(cred.LogFields(), "error", err, "request_id", req.RequestID)...)
		}
		d.emit(rec)
	}

	return nil, &AggregateFailure{Attempts: len(ordered), Last: lastErr}
}

// attempt runs one provider call under the per-attempt timeout. Binary
// parts against a text-only adapter fail locally without a network call.
func (d *Dispatcher) attempt(ctx context.Context, parts []providers.Part, model string, cred models.Credential) (string, error) {
	adapter, err := d.registry.Adapter(cred.Provider)
	if err != nil {
		return "", &providers.ProviderError{Kind: providers.Transient, Provider: cred.Provider, Err: err}
	}
	if !adapter.Multimodal() && providers.HasBinary(parts) {
		return "", &providers.ProviderError{
			Kind:     providers.Unsupported,
			Provider: cred.Provider,
			Err:      providers.ErrUnsupportedAttachment,
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return adapter.Send(attemptCtx, parts, model, cred)
}

func (d *Dispatcher) cooldownFor(err error) time.Duration {
	if !d.cfg.HonorRetryAfter {
		return d.cfg.Cooldown
	}
	if hint := providers.RetryAfterHint(err); hint > d.cfg.Cooldown {
		return hint
	}
	return d.cfg.Cooldown
}

func (d *Dispatcher) emit(rec *logging.AttemptRecord) {
	if err := d.sink.Enqueue(rec); err != nil {
		d.logger.Debug("Attempt record not written", "request_id", rec.RequestID, "error", err)
	}
}

func isUnsupported(err error) bool {
	var pe *providers.ProviderError
	return errors.As(err, &pe) && pe.Kind == providers.Unsupported
}
