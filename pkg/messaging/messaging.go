// Package messaging defines the outbound message collaborator.
package messaging

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// SendRequest delivers one message to a contact.
type SendRequest struct {
	TenantID        string
	MessageID       string
	Channel         string
	Address         string
	ContactMetadata map[string]string
	Text            string
}

// SendResult is a delivery outcome. ProviderMsgID is set only on success.
type SendResult struct {
	Success       bool
	ProviderMsgID string
	RawResponse   map[string]any
	Error         string
}

// Stubbed reports whether the provider only pretended to send.
func (r SendResult) Stubbed() bool {
	stub, _ := r.RawResponse["stub"].(bool)
	return stub
}

// Provider is a messaging backend.
type Provider interface {
	Send(ctx context.Context, req SendRequest) SendResult
}

// Registry maps adapter or channel names to providers.
type Registry map[string]Provider

// For returns the provider registered under the first matching name.
func (r Registry) For(names ...string) (Provider, bool) {
	for _, name := range names {
		if p, ok := r[name]; ok && p != nil {
			return p, true
		}
	}
	return nil, false
}

// Stub pretends every send succeeded.
type Stub struct{}

func (Stub) Send(context.Context, SendRequest) SendResult {
	id := "ghl-" + shortID(16)
	return SendResult{
		Success:       true,
		ProviderMsgID: id,
		RawResponse: map[string]any{
			"status":     "sent",
			"message_id": id,
			"stub":       true,
		},
	}
}

// shortID returns n lowercase hex characters from a random uuid (n <= 32).
func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// DryRunID is the provider id recorded for a send that was skipped by dry-run.
func DryRunID() string {
	return "dryrun-" + shortID(16)
}

// ProviderContactID resolves the provider's contact id from contact metadata.
func ProviderContactID(meta map[string]string) string {
	for _, key := range []string{"contactId", "ghl_contact_id", "contact_id"} {
		if v := strings.TrimSpace(meta[key]); v != "" {
			return v
		}
	}
	return ""
}
