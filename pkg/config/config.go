package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	envConfigPath          = "BOOKINGBOT_CONFIG"
	envOpenAIAPIKey        = "OPENAI_API_KEY"
	envAnthropicAPIKey     = "ANTHROPIC_API_KEY"
	envGroqAPIKey          = "GROQ_API_KEY"
	envTelegramBotToken    = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom   = "TELEGRAM_ALLOW_FROM"
	envLeadConnectorToken  = "LEADCONNECTOR_ACCESS_TOKEN"
	envSlackHandoffWebhook = "SLACK_HANDOFF_WEBHOOK_URL"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Store         StoreConfig         `json:"store"`
	Gateway       GatewayConfig       `json:"gateway"`
	Worker        WorkerConfig        `json:"worker"`
	Sender        SenderConfig        `json:"sender"`
	Tenants       TenantsConfig       `json:"tenants"`
	LeadConnector LeadConnectorConfig `json:"leadconnector"`
	Credentials   CredentialsConfig   `json:"credentials"`
	Providers     ProvidersConfig     `json:"providers"`
	Classifier    ClassifierConfig    `json:"classifier"`
	Channels      ChannelsConfig      `json:"channels"`
	Stubs         StubsConfig         `json:"stubs"`
	Ledger        LedgerConfig        `json:"ledger"`
	Handoff       HandoffConfig       `json:"handoff"`
	Logging       LoggingConfig       `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty" env:"BOOKINGBOT_LOG_FORMAT"`
	Level     string `json:"level,omitempty" env:"BOOKINGBOT_LOG_LEVEL"`
	AddSource bool   `json:"add_source,omitempty" env:"BOOKINGBOT_LOG_ADD_SOURCE"`
}

// StoreConfig locates the embedded database.
type StoreConfig struct {
	DataDir         string `json:"data_dir" env:"BOOKINGBOT_STORE_DATA_DIR"`
	Fsync           string `json:"fsync" env:"BOOKINGBOT_STORE_FSYNC"`
	FsyncIntervalMs int    `json:"fsync_interval_ms" env:"BOOKINGBOT_STORE_FSYNC_INTERVAL_MS"`
}

// GatewayConfig configures the HTTP bind settings for webhooks and health.
type GatewayConfig struct {
	Host string `json:"host" env:"BOOKINGBOT_GATEWAY_HOST"`
	Port int    `json:"port" env:"BOOKINGBOT_GATEWAY_PORT"`
}

// WorkerConfig tunes the inbound job loop.
type WorkerConfig struct {
	ID                string `json:"id" env:"BOOKINGBOT_WORKER_ID"`
	PollMinMs         int    `json:"poll_min_ms" env:"BOOKINGBOT_WORKER_POLL_MIN_MS"`
	PollMaxMs         int    `json:"poll_max_ms" env:"BOOKINGBOT_WORKER_POLL_MAX_MS"`
	BatchSize         int    `json:"batch_size" env:"BOOKINGBOT_WORKER_BATCH_SIZE"`
	RetryDelaySeconds int    `json:"retry_delay_seconds" env:"BOOKINGBOT_WORKER_RETRY_DELAY_SECONDS"`
	MaxAttempts       int    `json:"max_attempts" env:"BOOKINGBOT_WORKER_MAX_ATTEMPTS"`
	StaleAfterSeconds int    `json:"stale_after_seconds" env:"BOOKINGBOT_WORKER_STALE_AFTER_SECONDS"`
	StaleSweepCron    string `json:"stale_sweep_cron" env:"BOOKINGBOT_WORKER_STALE_SWEEP_CRON"`
}

// SenderConfig tunes the outbound delivery loop.
type SenderConfig struct {
	PollMinMs      int   `json:"poll_min_ms" env:"BOOKINGBOT_SENDER_POLL_MIN_MS"`
	PollMaxMs      int   `json:"poll_max_ms" env:"BOOKINGBOT_SENDER_POLL_MAX_MS"`
	BatchSize      int   `json:"batch_size" env:"BOOKINGBOT_SENDER_BATCH_SIZE"`
	MaxAttempts    int   `json:"max_attempts" env:"BOOKINGBOT_SENDER_MAX_ATTEMPTS"`
	BackoffSeconds []int `json:"backoff_seconds" env:"BOOKINGBOT_SENDER_BACKOFF_SECONDS"`
}

// TenantsConfig selects where tenant records come from.
type TenantsConfig struct {
	Source   string         `json:"source" env:"BOOKINGBOT_TENANTS_SOURCE"`
	File     string         `json:"file" env:"BOOKINGBOT_TENANTS_FILE"`
	Supabase SupabaseConfig `json:"supabase"`
}

// SupabaseConfig configures the Supabase-backed tenant directory.
type SupabaseConfig struct {
	URL             string `json:"url" env:"BOOKINGBOT_SUPABASE_URL"`
	APIKey          string `json:"api_key" env:"BOOKINGBOT_SUPABASE_API_KEY"`
	Table           string `json:"table" env:"BOOKINGBOT_SUPABASE_TENANTS_TABLE"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds" env:"BOOKINGBOT_SUPABASE_CACHE_TTL_SECONDS"`
}

// LeadConnectorConfig configures the calendar and messaging HTTP API.
type LeadConnectorConfig struct {
	BaseURL               string `json:"base_url" env:"BOOKINGBOT_LEADCONNECTOR_BASE_URL"`
	TokenURL              string `json:"token_url" env:"BOOKINGBOT_LEADCONNECTOR_TOKEN_URL"`
	APIVersion            string `json:"api_version" env:"BOOKINGBOT_LEADCONNECTOR_API_VERSION"`
	ClientID              string `json:"client_id" env:"BOOKINGBOT_LEADCONNECTOR_CLIENT_ID"`
	ClientSecret          string `json:"client_secret" env:"BOOKINGBOT_LEADCONNECTOR_CLIENT_SECRET"`
	AccessToken           string `json:"access_token" env:"BOOKINGBOT_LEADCONNECTOR_ACCESS_TOKEN"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" env:"BOOKINGBOT_LEADCONNECTOR_REQUEST_TIMEOUT_SECONDS"`
}

// CredentialsConfig selects where OAuth credentials are cached.
type CredentialsConfig struct {
	Store string      `json:"store" env:"BOOKINGBOT_CREDENTIALS_STORE"`
	Redis RedisConfig `json:"redis"`
}

// RedisConfig configures the shared Redis connection.
type RedisConfig struct {
	Addr      string `json:"addr" env:"BOOKINGBOT_REDIS_ADDR"`
	Password  string `json:"password" env:"BOOKINGBOT_REDIS_PASSWORD"`
	DB        int    `json:"db" env:"BOOKINGBOT_REDIS_DB"`
	KeyPrefix string `json:"key_prefix" env:"BOOKINGBOT_REDIS_KEY_PREFIX"`
}

// ProvidersConfig stores per-provider connection settings for the intent classifier.
type ProvidersConfig struct {
	OpenAI    OpenAIProviderConfig    `json:"openai"`
	Anthropic AnthropicProviderConfig `json:"anthropic"`
	Groq      OpenAIProviderConfig    `json:"groq"`
}

// OpenAIProviderConfig configures an OpenAI-compatible client.
type OpenAIProviderConfig struct {
	APIKey                string `json:"api_key"`
	BaseURL               string `json:"base_url"`
	Organization          string `json:"organization"`
	Project               string `json:"project"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// AnthropicProviderConfig configures the Anthropic client.
type AnthropicProviderConfig struct {
	APIKey                string `json:"api_key"`
	BaseURL               string `json:"base_url"`
	FallbackModel         string `json:"fallback_model"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds"`
}

// ClassifierConfig holds classifier defaults used when a tenant sets none.
type ClassifierConfig struct {
	DefaultModel string `json:"default_model" env:"BOOKINGBOT_CLASSIFIER_DEFAULT_MODEL"`
	MaxTokens    int    `json:"max_tokens" env:"BOOKINGBOT_CLASSIFIER_MAX_TOKENS"`
	HistoryLimit int    `json:"history_limit" env:"BOOKINGBOT_CLASSIFIER_HISTORY_LIMIT"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled" env:"BOOKINGBOT_TELEGRAM_ENABLED"`
	Token     string   `json:"token"`
	Tenant    string   `json:"tenant" env:"BOOKINGBOT_TELEGRAM_TENANT"`
	AllowFrom []string `json:"allow_from"`
}

// StubsConfig switches collaborators to deterministic offline behavior.
type StubsConfig struct {
	CalendarSlots bool `json:"calendar_slots" env:"BOOKINGBOT_STUB_CALENDAR_SLOTS"`
	Booking       bool `json:"booking" env:"BOOKINGBOT_STUB_BOOKING"`
	Messaging     bool `json:"messaging" env:"BOOKINGBOT_STUB_MESSAGING"`
}

// LedgerConfig configures booking event publication.
type LedgerConfig struct {
	AMQPURL  string `json:"amqp_url" env:"BOOKINGBOT_LEDGER_AMQP_URL"`
	Exchange string `json:"exchange" env:"BOOKINGBOT_LEDGER_EXCHANGE"`
	Producer string `json:"producer" env:"BOOKINGBOT_LEDGER_PRODUCER"`
}

// HandoffConfig configures staff handoff notifications.
type HandoffConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
}

// Default returns a configuration with every tunable set.
func Default() *Config {
	return &Config{
		Store: StoreConfig{DataDir: "data", Fsync: "interval", FsyncIntervalMs: 5},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
		Worker: WorkerConfig{
			PollMinMs:         500,
			PollMaxMs:         2000,
			BatchSize:         50,
			RetryDelaySeconds: 30,
			MaxAttempts:       10,
			StaleAfterSeconds: 600,
			StaleSweepCron:    "*/1 * * * *",
		},
		Sender: SenderConfig{
			PollMinMs:      300,
			PollMaxMs:      1500,
			BatchSize:      50,
			MaxAttempts:    3,
			BackoffSeconds: []int{30, 120, 600},
		},
		Tenants: TenantsConfig{
			Source: "file",
			File:   "tenants.json",
			Supabase: SupabaseConfig{
				Table:           "tenants",
				CacheTTLSeconds: 300,
			},
		},
		LeadConnector: LeadConnectorConfig{
			BaseURL:               "https://services.leadconnectorhq.com",
			TokenURL:              "https://services.leadconnectorhq.com/oauth/token",
			APIVersion:            "2021-07-28",
			RequestTimeoutSeconds: 15,
		},
		Credentials: CredentialsConfig{
			Store: "memory",
			Redis: RedisConfig{Addr: "127.0.0.1:6379", KeyPrefix: "bookingbot:credentials:"},
		},
		Providers: ProvidersConfig{
			OpenAI:    OpenAIProviderConfig{RequestTimeoutSeconds: 10},
			Anthropic: AnthropicProviderConfig{FallbackModel: "claude-sonnet-4-6", RequestTimeoutSeconds: 10},
			Groq:      OpenAIProviderConfig{BaseURL: "https://api.groq.com/openai/v1", RequestTimeoutSeconds: 10},
		},
		Classifier: ClassifierConfig{
			MaxTokens:    256,
			HistoryLimit: 20,
		},
		Ledger: LedgerConfig{
			Exchange: "leads",
			Producer: "bookingbot",
		},
	}
}

// PollRange returns the worker's jittered poll bounds.
func (w WorkerConfig) PollRange() (time.Duration, time.Duration) {
	return millisRange(w.PollMinMs, w.PollMaxMs)
}

// RetryDelay is how long a failed job waits before it is claimable again.
func (w WorkerConfig) RetryDelay() time.Duration {
	return time.Duration(w.RetryDelaySeconds) * time.Second
}

// StaleAfter is how long a job may stay running before the sweep reclaims it.
func (w WorkerConfig) StaleAfter() time.Duration {
	return time.Duration(w.StaleAfterSeconds) * time.Second
}

// PollRange returns the sender's jittered poll bounds.
func (s SenderConfig) PollRange() (time.Duration, time.Duration) {
	return millisRange(s.PollMinMs, s.PollMaxMs)
}

// Backoff converts the configured backoff schedule to durations.
func (s SenderConfig) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(s.BackoffSeconds))
	for _, seconds := range s.BackoffSeconds {
		out = append(out, time.Duration(seconds)*time.Second)
	}
	return out
}

func millisRange(minMs, maxMs int) (time.Duration, time.Duration) {
	lo := time.Duration(minMs) * time.Millisecond
	hi := time.Duration(maxMs) * time.Millisecond
	if hi < lo {
		hi = lo
	}
	return lo, hi
}

// LoadConfig resolves config.json, unmarshals it over Default(), and applies environment overrides.
func LoadConfig() (*Config, error) {
	cfg := Default()

	configPath, err := findConfigPath()
	switch {
	case errors.Is(err, errConfigNotFound):
	case err != nil:
		return nil, err
	default:
		content, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides injects well-known credentials on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	overrides := []struct {
		name   string
		target *string
	}{
		{envOpenAIAPIKey, &cfg.Providers.OpenAI.APIKey},
		{envAnthropicAPIKey, &cfg.Providers.Anthropic.APIKey},
		{envGroqAPIKey, &cfg.Providers.Groq.APIKey},
		{envTelegramBotToken, &cfg.Channels.Telegram.Token},
		{envLeadConnectorToken, &cfg.LeadConnector.AccessToken},
		{envSlackHandoffWebhook, &cfg.Handoff.SlackWebhookURL},
	}
	for _, o := range overrides {
		if value := strings.TrimSpace(os.Getenv(o.name)); value != "" {
			*o.target = value
		}
	}

	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

var errConfigNotFound = errors.New("config.json not found")

// findConfigPath resolves the active config file location.
//
// Precedence is BOOKINGBOT_CONFIG first, then cwd-local fallback paths.
// Running without any file is allowed; the environment then carries everything.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", errConfigNotFound
}
