package models

import (
	"fmt"
	"strings"
)

// ProviderKind enumerates the supported provider families. The set is
// closed: anything else is rejected when credentials are loaded.
type ProviderKind string

const (
	ProviderKindOpenAI    ProviderKind = "openai"
	ProviderKindAnthropic ProviderKind = "anthropic"
	ProviderKindGemini    ProviderKind = "gemini"
)

// ProviderKinds lists every supported kind in a stable order.
var ProviderKinds = []ProviderKind{ProviderKindOpenAI, ProviderKindAnthropic, ProviderKindGemini}

// ParseProviderKind normalizes and validates a provider tag.
func ParseProviderKind(s string) (ProviderKind, error) {
	kind := ProviderKind(strings.ToLower(strings.TrimSpace(s)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown provider kind %q", s)
	}
	return kind, nil
}

// Valid reports whether k is one of the supported kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderKindOpenAI, ProviderKindAnthropic, ProviderKindGemini:
		return true
	default:
		return false
	}
}

func (k ProviderKind) String() string {
	return string(k)
}
