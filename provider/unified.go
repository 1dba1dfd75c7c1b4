package provider

import (
	"context"
	"strings"

	"github.com/pipelex/pipelex/core"
	"github.com/pipelex/pipelex/provider/anthropic"
	"github.com/pipelex/pipelex/provider/ollama"
	"github.com/pipelex/pipelex/provider/openaicompat"
)

// Credentials holds the API keys and base URLs Unified needs to build
// transports on demand. Looking these up per-call (rather than building one
// client up front) lets a single Unified instance serve every model a
// pipeline might reference.
type Credentials struct {
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	AnthropicBaseURL string
	OllamaAPIKey    string
}

// Unified selects a concrete transport by the model string's prefix, as
// spec.md §4.1 requires: a "claude-" prefix always selects Anthropic; any
// other model selects the OpenAI-compatible transport, unless the call's
// ModelConfig supplies an explicit api_base and the caller asked for the
// native Ollama metrics path (see UseOllamaFor).
type Unified struct {
	Creds Credentials
}

// New creates a Unified dispatcher over the given credentials.
func New(creds Credentials) *Unified {
	return &Unified{Creds: creds}
}

// UseOllamaFor reports whether the given model config should be routed to
// the native Ollama transport: it has an explicit api_base and the caller
// has requested the verbose metrics path (session protocol §4.6 rule 1).
func UseOllamaFor(apiBase string, verbose bool) bool {
	return verbose && apiBase != ""
}

func (u *Unified) transportFor(model, apiBase string, verbose bool) core.StreamingLLMClient {
	switch {
	case UseOllamaFor(apiBase, verbose):
		return ollama.New(u.Creds.OllamaAPIKey, apiBase)
	case strings.HasPrefix(model, "claude-"):
		base := u.Creds.AnthropicBaseURL
		if apiBase != "" {
			base = apiBase
		}
		return anthropic.New(u.Creds.AnthropicAPIKey, base)
	default:
		base := u.Creds.OpenAIBaseURL
		if apiBase != "" {
			base = apiBase
		}
		return openaicompat.New(u.Creds.OpenAIAPIKey, base)
	}
}

// Complete dispatches a single non-streaming call to the selected transport.
func (u *Unified) Complete(ctx context.Context, req core.LLMRequest) (core.LLMResponse, error) {
	return u.transportFor(req.Model, apiBaseFromMeta(req), false).Complete(ctx, req)
}

// CompleteStream dispatches a streaming call to the selected transport.
func (u *Unified) CompleteStream(ctx context.Context, req core.LLMRequest) (<-chan core.StreamChunk, error) {
	verbose, _ := req.Meta["verbose"].(bool)
	return u.transportFor(req.Model, apiBaseFromMeta(req), verbose).CompleteStream(ctx, req)
}

// Unload evicts a model from a local Ollama daemon's memory, when apiBase
// is set. Providers with no native unload concept (OpenAI, Anthropic) are a
// no-op, matching spec.md §4.6 rule 2's "provider unload if api_base set".
func (u *Unified) Unload(ctx context.Context, model, apiBase string) error {
	if apiBase == "" {
		return nil
	}
	return ollama.New(u.Creds.OllamaAPIKey, apiBase).Unload(ctx, model)
}

func apiBaseFromMeta(req core.LLMRequest) string {
	if base, ok := req.Meta["api_base"].(string); ok {
		return base
	}
	return ""
}

var _ core.StreamingLLMClient = (*Unified)(nil)
