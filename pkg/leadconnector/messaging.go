package leadconnector

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"bookingbot/pkg/messaging"
)

// Messaging adapts the client to messaging.Provider.
type Messaging struct {
	client *Client
}

// NewMessaging wraps client as a messaging provider.
func NewMessaging(client *Client) *Messaging {
	return &Messaging{client: client}
}

var _ messaging.Provider = (*Messaging)(nil)

type messageRequest struct {
	Type      string `json:"type"`
	ContactID string `json:"contactId"`
	Message   string `json:"message"`
}

// Send posts a conversation message to the contact over SMS or WhatsApp.
func (m *Messaging) Send(ctx context.Context, req messaging.SendRequest) messaging.SendResult {
	contactID := messaging.ProviderContactID(req.ContactMetadata)
	if contactID == "" {
		return messaging.SendResult{Error: "no_ghl_contact_id"}
	}

	body := messageRequest{
		Type:      messageType(req.Channel),
		ContactID: contactID,
		Message:   req.Text,
	}
	resp, err := m.client.do(ctx, req.TenantID, http.MethodPost, "/conversations/messages", nil, body)
	if err != nil {
		return messaging.SendResult{Error: err.Error()}
	}
	if !resp.ok(http.StatusOK, http.StatusCreated) {
		return messaging.SendResult{Error: fmt.Sprintf("ghl_api_error:%d: %s", resp.status, resp.preview())}
	}

	data, err := resp.decode()
	if err != nil {
		return messaging.SendResult{Error: err.Error()}
	}
	return messaging.SendResult{
		Success:       true,
		ProviderMsgID: firstString(data, "messageId", "id"),
		RawResponse:   data,
	}
}

func messageType(channel string) string {
	if strings.EqualFold(channel, "whatsapp") {
		return "WhatsApp"
	}
	return "SMS"
}
