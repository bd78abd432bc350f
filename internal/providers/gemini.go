package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"llm_dispatcher/internal/models"
)

// GeminiAdapter serves multimodal GenerateContent requests. It accepts at
// most one binary part per request.
type GeminiAdapter struct {
	opts Options
}

// NewGeminiAdapter creates the gemini adapter
func NewGeminiAdapter(opts Options) *GeminiAdapter {
	return &GeminiAdapter{opts: opts}
}

func (a *GeminiAdapter) Kind() models.ProviderKind { return models.ProviderKindGemini }
func (a *GeminiAdapter) Multimodal() bool           { return true }

// Send runs one GenerateContent call with a client built for cred
func (a *GeminiAdapter) Send(ctx context.Context, parts []Part, model string, cred models.Credential) (string, error) {
	system, user := splitParts(parts)

	contentParts := make([]*genai.Part, 0, len(user))
	binaries := 0
	for _, p := range user {
		if p.IsBinary() {
			binaries++
			if binaries > 1 {
				return "", &ProviderError{
					Kind:     Unsupported,
					Provider: a.Kind(),
					Err:      errors.New("only one attachment per request is supported"),
				}
			}
			contentParts = append(contentParts, &genai.Part{InlineData: &genai.Blob{Data: p.Data, MIMEType: p.MIMEType}})
			continue
		}
		if p.Text != "" {
			contentParts = append(contentParts, &genai.Part{Text: p.Text})
		}
	}

	cc := &genai.ClientConfig{
		APIKey:     cred.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.opts.HTTPClient,
	}
	if a.opts.GeminiBaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: a.opts.GeminiBaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return "", classifyTransport(a.Kind(), fmt.Errorf("failed to create client: %w", err))
	}

	config := &genai.GenerateContentConfig{}
	if a.opts.MaxOutputTokens > 0 {
		config.MaxOutputTokens = int32(a.opts.MaxOutputTokens)
	}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	contents := []*genai.Content{{Role: genai.RoleUser, Parts: contentParts}}
	resp, err := client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", classifyGeminiError(err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", emptyResponse(a.Kind())
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(b.String())
	if text == "" {
		return "", emptyResponse(a.Kind())
	}
	return text, nil
}

func classifyGeminiError(err error) *ProviderError {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		var ptr *genai.APIError
		if !errors.As(err, &ptr) || ptr == nil {
			return classifyTransport(models.ProviderKindGemini, err)
		}
		apiErr = *ptr
	}

	status := apiErr.Code
	if strings.EqualFold(apiErr.Status, "RESOURCE_EXHAUSTED") {
		status = http.StatusTooManyRequests
	}
	return classifyStatus(models.ProviderKindGemini, status, geminiRetryDelay(apiErr.Details), err)
}

// geminiRetryDelay reads google.rpc.RetryInfo from the error details
func geminiRetryDelay(details []map[string]any) time.Duration {
	for _, d := range details {
		typ, _ := d["@type"].(string)
		if !strings.HasSuffix(typ, "RetryInfo") {
			continue
		}
		raw, _ := d["retryDelay"].(string)
		if v, err := time.ParseDuration(raw); err == nil && v > 0 {
			return v
		}
	}
	return 0
}
