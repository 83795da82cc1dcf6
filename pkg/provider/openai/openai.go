package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookingbot/pkg/config"
	providertypes "bookingbot/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Client completes prompts against an OpenAI-compatible chat completions API.
// Groq is served by the same client with its own base URL.
type Client struct {
	client         osdk.Client
	name           string
	requestTimeout time.Duration
}

// New creates a client for the named provider ("openai" or "groq").
func New(name string, providerCfg config.OpenAIProviderConfig) (*Client, error) {
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("providers.%s.api_key is required", name)
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		name:           name,
		requestTimeout: requestTimeout,
	}, nil
}

// Complete runs one chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, req providertypes.CompletionRequest) (providertypes.CompletionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := c.logger().With("operation", "complete")
	startedAt := time.Now()

	model, err := normalizeModel(c.name, req.Model)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.CompletionResult{}, err
	}
	log.Debug("provider request started",
		"model", model,
		"system_length", len(req.System),
		"prompt_length", len(req.User),
	)

	params := osdk.ChatCompletionNewParams{
		Model: osdk.ChatModel(model),
		Messages: []osdk.ChatCompletionMessageParamUnion{
			osdk.SystemMessage(req.System),
			osdk.UserMessage(req.User),
		},
		Temperature: osdk.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = osdk.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.CompletionResult{}, fmt.Errorf("completion failed: %w", err)
	}
	if completion == nil || len(completion.Choices) == 0 {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no choices")
		return providertypes.CompletionResult{}, errors.New("completion returned no choices")
	}

	text := strings.TrimSpace(completion.Choices[0].Message.Content)
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.CompletionResult{}, errors.New("completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	result := providertypes.CompletionResult{
		Text: text,
		Metadata: providertypes.CompletionMetadata{
			Provider: c.name,
			Model:    model,
		},
	}
	usage := providertypes.TokenUsage{
		InputTokens:  completion.Usage.PromptTokens,
		OutputTokens: completion.Usage.CompletionTokens,
		TotalTokens:  completion.Usage.TotalTokens,
	}
	if !usage.IsZero() {
		result.Metadata.Usage = &usage
	}
	return result, nil
}

func (c *Client) logger() *slog.Logger {
	return slog.Default().With("component", "provider."+c.name)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

// normalizeModel strips a "<provider>/" prefix naming this provider.
func normalizeModel(provider, model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != provider {
		return "", fmt.Errorf("model provider %q is not supported by %s provider", providerID, provider)
	}

	return modelID, nil
}
