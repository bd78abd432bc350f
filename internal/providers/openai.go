package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"llm_dispatcher/internal/models"
)

// OpenAIAdapter serves text-only chat completions
type OpenAIAdapter struct {
	opts Options
}

// NewOpenAIAdapter creates the openai adapter
func NewOpenAIAdapter(opts Options) *OpenAIAdapter {
	return &OpenAIAdapter{opts: opts}
}

func (a *OpenAIAdapter) Kind() models.ProviderKind { return models.ProviderKindOpenAI }
func (a *OpenAIAdapter) Multimodal() bool           { return false }

// Send runs one chat completion with a client built for cred
func (a *OpenAIAdapter) Send(ctx context.Context, parts []Part, model string, cred models.Credential) (string, error) {
	if HasBinary(parts) {
		return "", unsupportedAttachment(a.Kind())
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithMaxRetries(0),
	}
	if a.opts.OpenAIBaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(a.opts.OpenAIBaseURL))
	}
	if a.opts.HTTPClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(a.opts.HTTPClient))
	}
	client := openai.NewClient(reqOpts...)

	system, user := splitParts(parts)
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(joinText(user)))

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: messages,
	}
	if a.opts.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(a.opts.MaxOutputTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", emptyResponse(a.Kind())
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", emptyResponse(a.Kind())
	}
	return text, nil
}

func classifyOpenAIError(err error) *ProviderError {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(models.ProviderKindOpenAI, apiErr.StatusCode, parseRetryAfter(apiErr.Response, time.Now()), err)
	}
	return classifyTransport(models.ProviderKindOpenAI, err)
}
