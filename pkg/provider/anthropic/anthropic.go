package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"bookingbot/pkg/config"
	providertypes "bookingbot/pkg/provider/types"

	asdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const statusOverloaded = 529

// Client completes prompts with the Anthropic Messages API. When the requested
// model is overloaded it retries once on the fallback model.
type Client struct {
	client         asdk.Client
	fallbackModel  string
	requestTimeout time.Duration
}

// New creates an Anthropic client.
func New(providerCfg config.AnthropicProviderConfig) (*Client, error) {
	apiKey := strings.TrimSpace(providerCfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("providers.anthropic.api_key is required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(2)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         asdk.NewClient(opts...),
		fallbackModel:  strings.TrimSpace(providerCfg.FallbackModel),
		requestTimeout: requestTimeout,
	}, nil
}

// Complete runs one message request.
func (c *Client) Complete(ctx context.Context, req providertypes.CompletionRequest) (providertypes.CompletionResult, error) {
	model := strings.TrimPrefix(strings.TrimSpace(req.Model), "anthropic/")
	if model == "" {
		return providertypes.CompletionResult{}, errors.New("model is required")
	}

	result, err := c.complete(ctx, model, req)
	if err == nil || !overloaded(err) || c.fallbackModel == "" || c.fallbackModel == model {
		return result, err
	}

	providerLogger().Warn("Model overloaded, using fallback", "model", model, "fallback_model", c.fallbackModel)
	return c.complete(ctx, c.fallbackModel, req)
}

func (c *Client) complete(ctx context.Context, model string, req providertypes.CompletionRequest) (providertypes.CompletionResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "complete")
	startedAt := time.Now()
	log.Debug("provider request started", "model", model, "prompt_length", len(req.User))

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 256
	}

	message, err := c.client.Messages.New(ctx, asdk.MessageNewParams{
		Model:       asdk.Model(model),
		MaxTokens:   maxTokens,
		Temperature: asdk.Float(req.Temperature),
		System:      []asdk.TextBlockParam{{Text: req.System}},
		Messages: []asdk.MessageParam{
			asdk.NewUserMessage(asdk.NewTextBlock(req.User)),
		},
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.CompletionResult{}, fmt.Errorf("completion failed: %w", err)
	}

	var parts []string
	for _, block := range message.Content {
		if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
			parts = append(parts, block.Text)
		}
	}
	text := strings.TrimSpace(strings.Join(parts, "\n"))
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		return providertypes.CompletionResult{}, errors.New("completion succeeded but returned no text")
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	usage := providertypes.TokenUsage{
		InputTokens:         message.Usage.InputTokens,
		OutputTokens:        message.Usage.OutputTokens,
		TotalTokens:         message.Usage.InputTokens + message.Usage.OutputTokens,
		CacheCreationTokens: message.Usage.CacheCreationInputTokens,
		CacheReadTokens:     message.Usage.CacheReadInputTokens,
	}
	result := providertypes.CompletionResult{
		Text:     text,
		Metadata: providertypes.CompletionMetadata{Provider: "anthropic", Model: model},
	}
	if !usage.IsZero() {
		result.Metadata.Usage = &usage
	}
	return result, nil
}

func overloaded(err error) bool {
	var apiErr *asdk.Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == statusOverloaded || apiErr.StatusCode == http.StatusServiceUnavailable
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.anthropic")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}
