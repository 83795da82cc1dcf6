package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"bookingbot/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	log.With("component", "jobqueue.queue").Info("Job claimed", "job_id", "42", "trace_id", "tr-1", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry Entry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Job claimed" {
		t.Fatalf("message = %q, want %q", entry.Message, "Job claimed")
	}
	if entry.Component != "jobqueue.queue" {
		t.Fatalf("component = %q, want %q", entry.Component, "jobqueue.queue")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if entry.TraceID != "tr-1" {
		t.Fatalf("trace_id = %q, want %q", entry.TraceID, "tr-1")
	}
	if _, ok := entry.Fields["trace_id"]; ok {
		t.Fatal("trace_id should not be duplicated in fields")
	}
	if got := entry.Fields["job_id"]; got != "42" {
		t.Fatalf("fields.job_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerJSONGroupsAndErrors(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{Format: "JSON"}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	log.WithGroup("send").Warn("Send failed",
		"message_id", "m-1",
		"error", errors.New("timeout"),
		slog.Group("retry", "attempt", 2, "after", 30*time.Second),
	)

	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.Level != "warn" {
		t.Fatalf("level = %q, want warn", entry.Level)
	}
	if got := entry.Fields["send.message_id"]; got != "m-1" {
		t.Fatalf("fields[send.message_id] = %v, want m-1", got)
	}
	if got := entry.Fields["send.error"]; got != "timeout" {
		t.Fatalf("fields[send.error] = %v, want timeout", got)
	}
	retry, ok := entry.Fields["send.retry"].(map[string]any)
	if !ok {
		t.Fatalf("fields[send.retry] = %T, want object", entry.Fields["send.retry"])
	}
	if retry["after"] != "30s" {
		t.Fatalf("retry.after = %v, want 30s", retry["after"])
	}
}

func TestLoggerWithDoesNotLeakBetweenChildren(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{Format: "json"}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	parent := log.With("tenant_id", "t1")
	parent.With("job_id", "j1").Info("First")
	parent.Info("Second")

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var second Entry
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if _, ok := second.Fields["job_id"]; ok {
		t.Fatal("job_id leaked into the parent logger")
	}
	if second.Fields["tenant_id"] != "t1" {
		t.Fatalf("tenant_id = %v, want t1", second.Fields["tenant_id"])
	}
}

func TestBuildRejectsUnknownSettings(t *testing.T) {
	if _, err := build(config.LoggingConfig{Format: "xml"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown format")
	}
	if _, err := build(config.LoggingConfig{Level: "trace"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil {
			t.Fatalf("ParseLevel(%q) error: %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerRedactsContactAddresses(t *testing.T) {
	var out bytes.Buffer
	log, err := build(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("build error: %v", err)
	}

	log.With("email", "sam@example.com").Info("Contact upserted", "address", "+447700900123")

	var entry Entry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if got := entry.Fields["address"]; got != "*********0123" {
		t.Fatalf("fields.address = %v, want masked phone", got)
	}
	if got := entry.Fields["email"]; got != "s**@example.com" {
		t.Fatalf("fields.email = %v, want masked email", got)
	}
}

func TestMaskAddress(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"1234":  "****",
		"12345": "*2345",
		"a@b.c": "a@b.c",
	}
	for in, want := range cases {
		if got := MaskAddress(in); got != want {
			t.Fatalf("MaskAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
