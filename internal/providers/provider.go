package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"llm_dispatcher/internal/models"
)

// Part is one segment of a request. A part carries either text or binary
// data with its MIME type. Context parts become the system instruction.
type Part struct {
	Text     string
	Data     []byte
	MIMEType string
	Context  bool
}

// TextPart returns a user text segment
func TextPart(s string) Part { return Part{Text: s} }

// ContextPart returns a system/context text segment
func ContextPart(s string) Part { return Part{Text: s, Context: true} }

// BlobPart returns a binary attachment segment
func BlobPart(data []byte, mimeType string) Part {
	return Part{Data: data, MIMEType: mimeType}
}

// IsBinary reports whether the part is an attachment
func (p Part) IsBinary() bool {
	return p.Data != nil
}

// HasBinary reports whether any part is an attachment
func HasBinary(parts []Part) bool {
	for _, p := range parts {
		if p.IsBinary() {
			return true
		}
	}
	return false
}

// Adapter sends one request to one provider family. Adapters hold no
// per-credential state: every Send builds its SDK client from cred.
type Adapter interface {
	// Kind returns the provider family this adapter serves
	Kind() models.ProviderKind

	// Multimodal reports whether binary parts are accepted
	Multimodal() bool

	// Send returns the generated text or a *ProviderError
	Send(ctx context.Context, parts []Part, model string, cred models.Credential) (string, error)
}

// Options configures adapter construction
type Options struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
	MaxOutputTokens  int

	// HTTPClient is shared by all SDK clients; nil uses each SDK's default
	HTTPClient *http.Client
}

// Registry maps every provider kind to its adapter. The set is closed.
type Registry struct {
	adapters map[models.ProviderKind]Adapter
}

// NewRegistry builds the adapters for all supported kinds
func NewRegistry(opts Options) *Registry {
	if opts.MaxOutputTokens <= 0 {
		opts.MaxOutputTokens = 1024
	}
	return NewRegistryWith(
		NewOpenAIAdapter(opts),
		NewAnthropicAdapter(opts),
		NewGeminiAdapter(opts),
	)
}

// NewRegistryWith builds a registry from explicit adapters
func NewRegistryWith(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.ProviderKind]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Kind()] = a
	}
	return r
}

// Adapter returns the adapter for kind
func (r *Registry) Adapter(kind models.ProviderKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q", kind)
	}
	return a, nil
}

// pingPrompt is small enough to cost next to nothing on any provider
const pingPrompt = "Reply with the single word: pong"

// Ping sends a minimal request with cred and returns the classified error
func Ping(ctx context.Context, a Adapter, cred models.Credential) error {
	_, err := a.Send(ctx, []Part{TextPart(pingPrompt)}, cred.Model, cred)
	return err
}

// splitParts separates the system text from the user text. Binary parts
// are returned untouched for multimodal adapters.
func splitParts(parts []Part) (system string, user []Part) {
	var sys []string
	for _, p := range parts {
		if p.Context && !p.IsBinary() {
			if p.Text != "" {
				sys = append(sys, p.Text)
			}
			continue
		}
		user = append(user, p)
	}
	return strings.Join(sys, "\n\n"), user
}

// joinText concatenates the text of non-binary parts
func joinText(parts []Part) string {
	var texts []string
	for _, p := range parts {
		if !p.IsBinary() && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n\n")
}
