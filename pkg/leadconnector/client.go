// Package leadconnector talks to the LeadConnector (HighLevel) REST API for
// calendar availability, bookings and outbound conversation messages.
package leadconnector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Name is the adapter name tenants use to select LeadConnector.
const Name = "leadconnector"

const (
	defaultBaseURL    = "https://services.leadconnectorhq.com"
	defaultAPIVersion = "2021-07-28"
	defaultTimeout    = 15 * time.Second
	maxBodyPreview    = 300
)

// Tokens supplies per-tenant bearer tokens.
type Tokens interface {
	Token(ctx context.Context, tenantID string) (string, error)
	LocationID(ctx context.Context, tenantID string) string
	Invalidate(ctx context.Context, tenantID string)
}

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client is a LeadConnector API client shared by every tenant.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
	tokens     Tokens
	log        *slog.Logger
}

// New creates a client. A nil HTTPClient gets one with cfg.Timeout.
func New(cfg Config, tokens Tokens, log *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiVersion: cfg.APIVersion,
		httpClient: cfg.HTTPClient,
		tokens:     tokens,
		log:        log.With("component", "leadconnector.client"),
	}
}

// response is a completed HTTP exchange.
type response struct {
	status int
	body   []byte
}

func (r response) ok(codes ...int) bool {
	for _, code := range codes {
		if r.status == code {
			return true
		}
	}
	return false
}

func (r response) preview() string {
	text := string(r.body)
	if len(text) > maxBodyPreview {
		text = text[:maxBodyPreview]
	}
	return text
}

func (r response) decode() (map[string]any, error) {
	var out map[string]any
	if len(bytes.TrimSpace(r.body)) == 0 {
		return map[string]any{}, nil
	}
	if err := json.Unmarshal(r.body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// do sends one request and, on 401, invalidates the tenant token and retries once.
func (c *Client) do(ctx context.Context, tenantID, method, path string, query url.Values, body any) (response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return response{}, fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var resp response
	for attempt := 1; attempt <= 2; attempt++ {
		token, err := c.tokens.Token(ctx, tenantID)
		if err != nil {
			return response{}, fmt.Errorf("resolve token: %w", err)
		}

		resp, err = c.send(ctx, method, target, token, payload)
		if err != nil {
			return response{}, err
		}
		if resp.status != http.StatusUnauthorized || attempt == 2 {
			break
		}

		c.log.Info("Unauthorized, refreshing token", "tenant_id", tenantID, "method", method, "path", path)
		c.tokens.Invalidate(ctx, tenantID)
	}

	return resp, nil
}

func (c *Client) send(ctx context.Context, method, target, token string, payload []byte) (response, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Version", c.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return response{}, fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return response{}, fmt.Errorf("read response: %w", err)
	}
	return response{status: httpResp.StatusCode, body: body}, nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := m[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
