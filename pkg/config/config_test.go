package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigFromEnvPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
	  "store": {"data_dir": "/var/lib/bookingbot"},
	  "worker": {"batch_size": 10},
	  "sender": {"backoff_seconds": [5, 10]},
	  "gateway": {"host": "127.0.0.1", "port": 9000},
	  "logging": {"format": "json", "level": "debug", "add_source": true}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("BOOKINGBOT_CONFIG", path)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logging.Format != "json" {
		t.Fatalf("logging.format = %q, want %q", cfg.Logging.Format, "json")
	}
	if !cfg.Logging.AddSource {
		t.Fatal("logging.add_source = false, want true")
	}
	if cfg.Store.DataDir != "/var/lib/bookingbot" {
		t.Fatalf("store.data_dir = %q, want %q", cfg.Store.DataDir, "/var/lib/bookingbot")
	}
	if cfg.Worker.BatchSize != 10 {
		t.Fatalf("worker.batch_size = %d, want 10", cfg.Worker.BatchSize)
	}
	if cfg.Worker.RetryDelaySeconds != 30 {
		t.Fatalf("worker.retry_delay_seconds = %d, want default 30", cfg.Worker.RetryDelaySeconds)
	}
	if got := cfg.Sender.Backoff(); len(got) != 2 || got[1] != 10*time.Second {
		t.Fatalf("sender backoff = %v, want [5s 10s]", got)
	}
}

func TestLoadConfigInvalidEnvPath(t *testing.T) {
	t.Setenv("BOOKINGBOT_CONFIG", filepath.Join(t.TempDir(), "missing.json"))

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected error for missing config path")
	}
}

func TestLoadConfigEnvOverlay(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BOOKINGBOT_CONFIG", "")
	t.Setenv("BOOKINGBOT_WORKER_BATCH_SIZE", "7")
	t.Setenv("BOOKINGBOT_STUB_BOOKING", "true")
	t.Setenv("BOOKINGBOT_SENDER_BACKOFF_SECONDS", "1,2,3")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TELEGRAM_ALLOW_FROM", " 1, ,2 ")
	t.Setenv("BOOKINGBOT_LOG_LEVEL", "debug")
	t.Setenv("BOOKINGBOT_LOG_ADD_SOURCE", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Worker.BatchSize != 7 {
		t.Fatalf("worker.batch_size = %d, want 7", cfg.Worker.BatchSize)
	}
	if !cfg.Stubs.Booking {
		t.Fatal("stubs.booking = false, want true")
	}
	if len(cfg.Sender.BackoffSeconds) != 3 {
		t.Fatalf("sender.backoff_seconds = %v, want 3 entries", cfg.Sender.BackoffSeconds)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Fatalf("providers.openai.api_key = %q, want %q", cfg.Providers.OpenAI.APIKey, "sk-test")
	}
	if got := cfg.Channels.Telegram.AllowFrom; len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("telegram.allow_from = %v, want [1 2]", got)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.AddSource {
		t.Fatalf("logging = %+v, want debug level with source", cfg.Logging)
	}
	if cfg.LeadConnector.APIVersion != "2021-07-28" {
		t.Fatalf("leadconnector.api_version = %q, want default", cfg.LeadConnector.APIVersion)
	}
}

func TestPollRangeClampsInvertedBounds(t *testing.T) {
	t.Parallel()

	lo, hi := WorkerConfig{PollMinMs: 900, PollMaxMs: 100}.PollRange()
	if lo != 900*time.Millisecond || hi != lo {
		t.Fatalf("PollRange = (%v, %v), want (900ms, 900ms)", lo, hi)
	}
}

func TestParseCSV(t *testing.T) {
	t.Parallel()

	got := parseCSV(" a, b ,, c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("parseCSV = %v, want [a b c]", got)
	}
}
