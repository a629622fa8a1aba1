// Package relay implements the streaming response normalization core:
// dispatching a unified ask request to one of the upstream LLM providers,
// normalizing their heterogeneous streaming wire formats into a single SSE
// content-delta protocol, and persisting the reassembled response once.
package relay

import (
	"strings"

	relayerrors "github.com/softkeel/askrelay/pkg/errors"
)

// Kind is the closed set of upstream providers. It is resolved exactly once
// at the adapter boundary so every per-provider branch downstream can switch
// on a tag instead of re-matching model strings.
type Kind int

const (
	// KindUnknown is the zero value; it selects the defensive passthrough
	// path in the normalizer and is never produced by Resolve.
	KindUnknown Kind = iota
	KindOpenAI
	KindGemini
)

// String returns the provider identifier for logging and metrics.
func (k Kind) String() string {
	switch k {
	case KindOpenAI:
		return "openai"
	case KindGemini:
		return "gemini"
	default:
		return "unknown"
	}
}

// Resolve maps a caller-supplied model identifier to a provider kind.
// The retired Claude provider is rejected explicitly so it cannot fall
// through to the generic unsupported-model error.
func Resolve(model string) (Kind, error) {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "gpt") || strings.Contains(m, "openai"):
		return KindOpenAI, nil
	case strings.Contains(m, "gemini") || strings.Contains(m, "google"):
		return KindGemini, nil
	case strings.Contains(m, "claude") || strings.Contains(m, "anthropic"):
		return KindUnknown, relayerrors.NewProviderRetiredError(model)
	default:
		return KindUnknown, relayerrors.NewUnsupportedModelError(model)
	}
}

// OpenAIVariant maps the caller-facing model identifier to the OpenAI model
// actually requested upstream.
func OpenAIVariant(model string) string {
	if model == "gpt-4" {
		return "gpt-4o"
	}
	return "gpt-4o-mini"
}

// GeminiModel is the fixed Gemini variant requested upstream regardless of
// the caller-facing identifier.
const GeminiModel = "gemini-1.5-flash"
