// Package handoff tells staff when a lead asks for a human.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/slack-go/slack"
)

// Handoff describes one lead waiting for a person.
type Handoff struct {
	TenantID       string
	TenantName     string
	ConversationID string
	Channel        string
	Address        string
	DisplayName    string
	LastMessage    string
	TraceID        string
	// WebhookURL overrides the notifier default for this tenant.
	WebhookURL string
}

// Notifier delivers handoff notifications. Callers treat failures as non-fatal.
type Notifier interface {
	HandoffRequested(ctx context.Context, h Handoff) error
}

// Noop drops every notification.
type Noop struct{}

func (Noop) HandoffRequested(context.Context, Handoff) error { return nil }

// Slack posts handoff notifications to an incoming webhook.
type Slack struct {
	webhookURL string
	client     *http.Client
	log        *slog.Logger
}

// NewSlack creates a Slack notifier. webhookURL may be empty when every tenant sets its own.
func NewSlack(webhookURL string, client *http.Client, log *slog.Logger) *Slack {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Slack{
		webhookURL: strings.TrimSpace(webhookURL),
		client:     client,
		log:        log.With("component", "handoff.slack"),
	}
}

func (s *Slack) HandoffRequested(ctx context.Context, h Handoff) error {
	url := strings.TrimSpace(h.WebhookURL)
	if url == "" {
		url = s.webhookURL
	}
	if url == "" {
		return errors.New("no handoff webhook configured")
	}

	msg := &slack.WebhookMessage{Text: Text(h)}
	if err := slack.PostWebhookCustomHTTPContext(ctx, url, s.client, msg); err != nil {
		return fmt.Errorf("post handoff webhook: %w", err)
	}

	s.log.Info("Handoff notification sent", "tenant_id", h.TenantID, "conversation_id", h.ConversationID, "trace_id", h.TraceID)
	return nil
}

// Text renders the notification body.
func Text(h Handoff) string {
	who := h.DisplayName
	if who == "" {
		who = "A lead"
	}

	var b strings.Builder
	fmt.Fprintf(&b, ":raising_hand: %s wants to talk to someone", who)
	if h.TenantName != "" {
		fmt.Fprintf(&b, " at %s", h.TenantName)
	}
	fmt.Fprintf(&b, ".\nReach them on %s at %s.", h.Channel, h.Address)
	if h.LastMessage != "" {
		fmt.Fprintf(&b, "\n> %s", h.LastMessage)
	}
	fmt.Fprintf(&b, "\nconversation %s", h.ConversationID)
	return b.String()
}
