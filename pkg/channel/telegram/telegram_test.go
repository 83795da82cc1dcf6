package telegram

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/mymmrac/telego"

	"bookingbot/pkg/config"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/store"
)

func testAdapter(allowFrom ...string) *Adapter {
	return &Adapter{
		cfg:       config.TelegramConfig{Tenant: "acme"},
		allowFrom: allowFromSet(allowFrom),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAllowFromSet(t *testing.T) {
	allowed := allowFromSet([]string{" 123 ", "", "456", "123"})
	if len(allowed) != 2 {
		t.Fatalf("allowFromSet len = %d, want 2", len(allowed))
	}
	if _, ok := allowed["123"]; !ok {
		t.Fatal("allowFromSet missing 123")
	}
	if _, ok := allowed["456"]; !ok {
		t.Fatal("allowFromSet missing 456")
	}
	if got := allowFromSet([]string{" ", ""}); got != nil {
		t.Fatalf("allowFromSet blanks = %v, want nil", got)
	}
}

func TestSenderAllowed(t *testing.T) {
	adapter := &Adapter{allowFrom: map[string]struct{}{"1": {}}}
	if !adapter.senderAllowed("1") {
		t.Fatal("expected sender 1 to be allowed")
	}
	if adapter.senderAllowed("2") {
		t.Fatal("expected sender 2 to be denied")
	}

	adapter.allowFrom = nil
	if !adapter.senderAllowed("any") {
		t.Fatal("expected sender to be allowed when allowlist empty")
	}
}

func TestInboundMessage(t *testing.T) {
	adapter := testAdapter()
	update := telego.Update{
		UpdateID: 9,
		Message: &telego.Message{
			MessageID: 31,
			Text:      " Tuesday afternoon? ",
			Chat:      telego.Chat{ID: 42},
			From:      &telego.User{ID: 7, FirstName: "Sam", LastName: "Lee"},
		},
	}

	got, ok := adapter.inbound(update)
	if !ok {
		t.Fatal("inbound ok = false, want true")
	}
	if got.EventType != store.EventInboundMessage {
		t.Fatalf("EventType = %q, want %q", got.EventType, store.EventInboundMessage)
	}
	if got.Tenant != "acme" || got.Channel != "telegram" {
		t.Fatalf("tenant/channel = %q/%q, want acme/telegram", got.Tenant, got.Channel)
	}
	if got.ChatID != "42" || got.SenderID != "7" || got.MessageID != "31" {
		t.Fatalf("ids = chat %q sender %q message %q", got.ChatID, got.SenderID, got.MessageID)
	}
	if got.Content != "Tuesday afternoon?" {
		t.Fatalf("Content = %q, want %q", got.Content, "Tuesday afternoon?")
	}
	if got.DisplayName != "Sam Lee" {
		t.Fatalf("DisplayName = %q, want %q", got.DisplayName, "Sam Lee")
	}
}

func TestInboundStartOpensLead(t *testing.T) {
	adapter := testAdapter()
	for _, text := range []string{"/start", "/start ref123", "/start@booking_bot"} {
		got, ok := adapter.inbound(telego.Update{Message: &telego.Message{
			Text: text,
			Chat: telego.Chat{ID: 42},
			From: &telego.User{ID: 7, FirstName: "Sam"},
		}})
		if !ok {
			t.Fatalf("inbound(%q) ok = false", text)
		}
		if got.EventType != store.EventNewLead {
			t.Fatalf("inbound(%q) EventType = %q, want %q", text, got.EventType, store.EventNewLead)
		}
		if got.Content != "" {
			t.Fatalf("inbound(%q) Content = %q, want empty", text, got.Content)
		}
	}
}

func TestInboundSkipsUnusableUpdates(t *testing.T) {
	adapter := testAdapter("1")
	cases := map[string]telego.Update{
		"no message": {},
		"blank text": {Message: &telego.Message{Text: "  ", From: &telego.User{ID: 1}}},
		"no sender":  {Message: &telego.Message{Text: "hi"}},
		"not listed": {Message: &telego.Message{Text: "hi", From: &telego.User{ID: 2}}},
	}
	for name, update := range cases {
		if _, ok := adapter.inbound(update); ok {
			t.Fatalf("%s: inbound ok = true, want false", name)
		}
	}
}

func TestSendRejectsInvalidChatID(t *testing.T) {
	adapter := testAdapter()
	result := adapter.Send(context.Background(), messaging.SendRequest{Address: "+447700900123x", Text: "hi"})
	if result.Success {
		t.Fatal("Send success = true, want false")
	}
	if !strings.Contains(result.Error, "invalid telegram chat id") {
		t.Fatalf("Send error = %q, want invalid chat id", result.Error)
	}
}

func TestNewAdapterValidatesConfig(t *testing.T) {
	if _, err := NewAdapter(config.TelegramConfig{Tenant: "acme"}, nil); err == nil {
		t.Fatal("NewAdapter without token error = nil")
	}
	if _, err := NewAdapter(config.TelegramConfig{Token: "123:abc"}, nil); err == nil {
		t.Fatal("NewAdapter without tenant error = nil")
	}
}

func TestPreviewText(t *testing.T) {
	short := " hello "
	if got := previewText(short); got != "hello" {
		t.Fatalf("previewText short = %q, want %q", got, "hello")
	}

	long := strings.Repeat("a", messagePreviewLimit+20)
	got := previewText(long)
	if len(got) != messagePreviewLimit+3 {
		t.Fatalf("previewText long len = %d, want %d", len(got), messagePreviewLimit+3)
	}
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("previewText long = %q, want ellipsis suffix", got)
	}
}
