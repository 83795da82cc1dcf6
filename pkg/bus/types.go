package bus

// InboundMessage is a chat-channel message on its way to the ingestor.
type InboundMessage struct {
	Channel     string            `json:"channel"`
	Tenant      string            `json:"tenant"`
	EventType   string            `json:"event_type,omitempty"`
	SenderID    string            `json:"sender_id"`
	ChatID      string            `json:"chat_id"`
	MessageID   string            `json:"message_id,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Content     string            `json:"content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
