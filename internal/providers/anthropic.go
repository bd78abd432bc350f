package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llm_dispatcher/internal/models"
)

// AnthropicAdapter serves text-only messages requests
type AnthropicAdapter struct {
	opts Options
}

// NewAnthropicAdapter creates the anthropic adapter
func NewAnthropicAdapter(opts Options) *AnthropicAdapter {
	return &AnthropicAdapter{opts: opts}
}

func (a *AnthropicAdapter) Kind() models.ProviderKind { return models.ProviderKindAnthropic }
func (a *AnthropicAdapter) Multimodal() bool           { return false }

// Send runs one messages request with a client built for cred
func (a *AnthropicAdapter) Send(ctx context.Context, parts []Part, model string, cred models.Credential) (string, error) {
	if HasBinary(parts) {
		return "", unsupportedAttachment(a.Kind())
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithMaxRetries(0),
	}
	if a.opts.AnthropicBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(a.opts.AnthropicBaseURL))
	}
	if a.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(a.opts.HTTPClient))
	}
	client := anthropic.NewClient(reqOpts...)

	maxTokens := a.opts.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	system, user := splitParts(parts)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(joinText(user))),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", emptyResponse(a.Kind())
	}
	return text, nil
}

func classifyAnthropicError(err error) *ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(models.ProviderKindAnthropic, apiErr.StatusCode, parseRetryAfter(apiErr.Response, time.Now()), err)
	}
	return classifyTransport(models.ProviderKindAnthropic, err)
}
