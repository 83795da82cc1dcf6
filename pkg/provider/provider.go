package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"bookingbot/pkg/config"
	provideranthropic "bookingbot/pkg/provider/anthropic"
	provideropenai "bookingbot/pkg/provider/openai"
	providertypes "bookingbot/pkg/provider/types"
)

// ErrUnavailable is returned when no configured provider serves a model.
var ErrUnavailable = errors.New("no provider configured for model")

// Completer runs single-turn completions.
type Completer interface {
	Complete(ctx context.Context, req providertypes.CompletionRequest) (providertypes.CompletionResult, error)
}

// Router dispatches completions by model name: gpt-* and o1* to OpenAI,
// claude-* to Anthropic, groq/* to Groq.
type Router struct {
	backends map[string]Completer
}

// New builds a router from the providers that have credentials configured.
// Providers without an API key are skipped, not fatal.
func New(cfg *config.Config) (*Router, error) {
	log := slog.Default().With("component", "provider.factory")
	r := &Router{backends: make(map[string]Completer)}

	if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) != "" {
		client, err := provideropenai.New("openai", cfg.Providers.OpenAI)
		if err != nil {
			return nil, err
		}
		r.backends["openai"] = client
	}
	if strings.TrimSpace(cfg.Providers.Groq.APIKey) != "" {
		client, err := provideropenai.New("groq", cfg.Providers.Groq)
		if err != nil {
			return nil, err
		}
		r.backends["groq"] = client
	}
	if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) != "" {
		client, err := provideranthropic.New(cfg.Providers.Anthropic)
		if err != nil {
			return nil, err
		}
		r.backends["anthropic"] = client
	}

	providers := make([]string, 0, len(r.backends))
	for name := range r.backends {
		providers = append(providers, name)
	}
	log.Debug("Resolved provider clients", "providers", providers)

	return r, nil
}

// NewRouter wraps explicit backends keyed by provider id.
func NewRouter(backends map[string]Completer) *Router {
	return &Router{backends: backends}
}

// ProviderFor maps a model name to its provider id, or "" when unknown.
func ProviderFor(model string) string {
	model = strings.TrimSpace(model)
	switch {
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "openai/"):
		return "openai"
	case strings.HasPrefix(model, "claude-"), strings.HasPrefix(model, "anthropic/"):
		return "anthropic"
	case strings.HasPrefix(model, "groq/"):
		return "groq"
	default:
		return ""
	}
}

// Available reports whether a backend is configured for model.
func (r *Router) Available(model string) bool {
	_, ok := r.backends[ProviderFor(model)]
	return ok
}

// Complete sends req to the provider serving req.Model.
func (r *Router) Complete(ctx context.Context, req providertypes.CompletionRequest) (providertypes.CompletionResult, error) {
	backend, ok := r.backends[ProviderFor(req.Model)]
	if !ok || backend == nil {
		return providertypes.CompletionResult{}, fmt.Errorf("%w: %q", ErrUnavailable, req.Model)
	}
	return backend.Complete(ctx, req)
}
