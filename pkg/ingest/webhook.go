package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"

	"bookingbot/pkg/store"
)

const (
	defaultChannel  = "sms"
	unknownAddress  = "unknown"
	metaContactID   = "contactId"
	customDataKey   = "customData"
	customDataAlias = "custom_data"
)

// webhookSchema accepts any object but pins the types of the fields we read,
// so a provider sending a number where text belongs is caught up front.
const webhookSchema = `{
  "type": "object",
  "properties": {
    "event_type":       {"type": "string"},
    "channel":          {"type": "string"},
    "messageId":        {"type": ["string", "number"]},
    "message_id":       {"type": ["string", "number"]},
    "provider_msg_id":  {"type": ["string", "number"]},
    "phone":            {"type": "string"},
    "from":             {"type": "string"},
    "email":            {"type": "string"},
    "text":             {"type": "string"},
    "message":          {"type": "string"},
    "body":             {"type": "string"},
    "display_name":     {"type": "string"},
    "full_name":        {"type": "string"},
    "name":             {"type": "string"},
    "contactId":        {"type": "string"},
    "contact_id":       {"type": "string"},
    "contact":          {"type": "object"},
    "customData":       {"type": "object"},
    "custom_data":      {"type": "object"},
    "contact_metadata": {"type": "object"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.NewCompiler().Compile([]byte(webhookSchema))
	})
	return schema, schemaErr
}

// DecodeWebhook turns a provider webhook body into an EventPayload.
//
// It never fails. A body that is not a JSON object, or that violates the
// webhook schema, comes back with Unparseable set and no text; the channel
// and address are still recovered where possible so the contact resolves.
func DecodeWebhook(body []byte) store.EventPayload {
	var root map[string]any
	if err := json.Unmarshal(body, &root); err != nil || root == nil {
		return store.EventPayload{
			EventType:   store.EventInboundMessage,
			Channel:     defaultChannel,
			Address:     unknownAddress,
			Unparseable: true,
		}
	}

	custom := customData(root)
	payload := store.EventPayload{
		EventType:         firstString(store.EventInboundMessage, lookup(root, "event_type"), lookup(custom, "event_type")),
		Channel:           strings.ToLower(firstString(defaultChannel, lookup(root, "channel"), lookup(custom, "channel"))),
		Address:           channelAddress(root),
		ProviderMsgID:     firstString("", lookup(root, "messageId"), lookup(custom, "messageId"), lookup(root, "message_id"), lookup(root, "provider_msg_id")),
		DisplayName:       firstString("", lookup(custom, "display_name"), lookup(root, "display_name"), lookup(root, "full_name"), lookup(root, "name")),
		ProviderContactID: firstString("", lookup(custom, "contactId"), lookup(custom, "contact_id"), lookup(root, "contactId"), lookup(root, "contact_id")),
		ContactMetadata:   contactMetadata(root),
	}

	if err := validate(root); err != nil {
		payload.Unparseable = true
		return payload
	}

	payload.Text = firstString("", lookup(root, "text"), lookup(custom, "text"), lookup(root, "message"), lookup(root, "body"))
	if payload.ProviderContactID != "" {
		if payload.ContactMetadata == nil {
			payload.ContactMetadata = make(map[string]string, 1)
		}
		payload.ContactMetadata[metaContactID] = payload.ProviderContactID
	}
	return payload
}

func validate(root map[string]any) error {
	s, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile webhook schema: %w", err)
	}
	if result := s.Validate(root); !result.IsValid() {
		return fmt.Errorf("webhook body does not match schema")
	}
	return nil
}

// customData returns the provider's custom data object with whitespace-trimmed keys.
func customData(root map[string]any) map[string]any {
	raw, ok := root[customDataKey].(map[string]any)
	if !ok {
		raw, ok = root[customDataAlias].(map[string]any)
	}
	if !ok {
		return nil
	}

	out := make(map[string]any, len(raw))
	for k, v := range raw {
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func channelAddress(root map[string]any) string {
	for _, key := range []string{"phone", "from", "email"} {
		if v := lookup(root, key); v != "" {
			return v
		}
	}
	if contact, ok := root["contact"].(map[string]any); ok {
		for _, key := range []string{"phone", "email"} {
			if v := lookup(contact, key); v != "" {
				return v
			}
		}
	}
	return unknownAddress
}

func contactMetadata(root map[string]any) map[string]string {
	raw, ok := root["contact_metadata"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s := stringValue(v); s != "" {
			out[strings.TrimSpace(k)] = s
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func lookup(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	return stringValue(m[key])
}

func stringValue(v any) string {
	switch value := v.(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strings.TrimSpace(fmt.Sprintf("%.0f", value))
	default:
		return ""
	}
}

func firstString(fallback string, values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return fallback
}
