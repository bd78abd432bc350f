// Package features is the inbound surface of the dispatcher: the generic
// SendRequest call, the language-learning operations built on it and the
// admin operations.
package features

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"llm_dispatcher/internal/dispatcher"
	"llm_dispatcher/internal/models"
	"llm_dispatcher/internal/providers"
	"llm_dispatcher/internal/telemetry"
	"llm_dispatcher/internal/utils"
)

// DefaultRetryAttempts is how often a feature operation runs the whole
// dispatch and parse pipeline
const DefaultRetryAttempts = 2

// CredentialSource supplies the active credentials. It is read on every
// call; the service never caches the list.
type CredentialSource interface {
	ActiveCredentials(ctx context.Context) ([]models.Credential, error)
}

// ModelResolver maps a feature key to a model name. *configcache.Cache
// implements it.
type ModelResolver interface {
	Get(ctx context.Context, featureKey, fallback string) string
}

// Attachment is optional binary input such as recorded audio
type Attachment struct {
	Data     []byte
	MIMEType string
}

// Config holds the service knobs
type Config struct {
	// DefaultModel is used when no model is configured for a feature.
	// Empty means each credential's own model.
	DefaultModel  string
	RetryAttempts int
}

// Service runs requests through rotation, failover and telemetry
type Service struct {
	dispatcher  *dispatcher.Dispatcher
	credentials CredentialSource
	models      ModelResolver
	usage       *telemetry.Recorder
	cfg         Config
	logger      *utils.Logger
}

// NewService creates the service
func NewService(d *dispatcher.Dispatcher, credentials CredentialSource, resolver ModelResolver, usage *telemetry.Recorder, cfg Config) *Service {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if usage == nil {
		usage = telemetry.NewRecorder(nil)
	}
	return &Service{
		dispatcher:  d,
		credentials: credentials,
		models:      resolver,
		usage:       usage,
		cfg:         cfg,
		logger:      utils.NewLogger("features"),
	}
}

// SendRequest dispatches one prompt and returns the generated text. On
// total failure the error is a *dispatcher.AggregateFailure; with no
// credentials it is a *dispatcher.ConfigurationError.
func (s *Service) SendRequest(ctx context.Context, promptText, contextText, featureKey string, attachment *Attachment, userID string) (string, error) {
	res, err := s.send(ctx, promptText, contextText, featureKey, attachment, userID, "")
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// SendRequestDetailed is SendRequest returning the winning credential and
// attempt count along with the text
func (s *Service) SendRequestDetailed(ctx context.Context, promptText, contextText, featureKey string, attachment *Attachment, userID, requestID string) (*dispatcher.Result, error) {
	return s.send(ctx, promptText, contextText, featureKey, attachment, userID, requestID)
}

func (s *Service) send(ctx context.Context, promptText, contextText, featureKey string, attachment *Attachment, userID, requestID string) (*dispatcher.Result, error) {
	model := s.cfg.DefaultModel
	if s.models != nil {
		model = s.models.Get(ctx, featureKey, s.cfg.DefaultModel)
	}

	active, err := s.credentials.ActiveCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	ordered, err := s.dispatcher.State().SelectOrder(active)
	if err != nil {
		s.logger.Error("Cannot dispatch", "feature", featureKey, "error", err)
		return nil, err
	}

	req := dispatcher.Request{
		Parts:     buildParts(promptText, contextText, attachment),
		Model:     model,
		Feature:   featureKey,
		UserID:    userID,
		RequestID: requestID,
	}

	res, err := s.dispatcher.Dispatch(ctx, req, ordered)
	if err != nil {
		s.usage.Record(userID, featureKey, false, uuid.Nil)
		s.logger.Error("Request failed on every credential", "feature", featureKey, "user_id", userID, "error", err)
		return nil, err
	}

	s.usage.Record(userID, featureKey, true, res.CredentialID)
	return res, nil
}

// buildParts orders the request as context, prompt, attachment
func buildParts(promptText, contextText string, attachment *Attachment) []providers.Part {
	parts := make([]providers.Part, 0, 3)
	if contextText != "" {
		parts = append(parts, providers.ContextPart(contextText))
	}
	parts = append(parts, providers.TextPart(promptText))
	if attachment != nil && len(attachment.Data) > 0 {
		parts = append(parts, providers.BlobPart(attachment.Data, attachment.MIMEType))
	}
	return parts
}
