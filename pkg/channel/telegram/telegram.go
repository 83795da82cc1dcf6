package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/channel"
	"bookingbot/pkg/config"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/store"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

const channelName = "telegram"
const messagePreviewLimit = 240
const startCommand = "/start"

// Adapter bridges Telegram chats into inbound events and delivers replies back.
// "/start" opens a new lead; any other text is an inbound message.
type Adapter struct {
	cfg       config.TelegramConfig
	bot       *telego.Bot
	allowFrom map[string]struct{}
	log       *slog.Logger
}

var (
	_ channel.Adapter    = (*Adapter)(nil)
	_ messaging.Provider = (*Adapter)(nil)
)

// NewAdapter validates Telegram configuration and constructs an adapter instance.
func NewAdapter(cfg config.TelegramConfig, log *slog.Logger) (*Adapter, error) {
	return newAdapter(cfg, log)
}

func newAdapter(cfg config.TelegramConfig, log *slog.Logger, opts ...telego.BotOption) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("channels.telegram.token is required")
	}
	if strings.TrimSpace(cfg.Tenant) == "" {
		return nil, errors.New("channels.telegram.tenant is required")
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize telegram bot: %w", err)
	}

	if log == nil {
		log = slog.Default()
	}

	return &Adapter{
		cfg:       cfg,
		bot:       bot,
		allowFrom: allowFromSet(cfg.AllowFrom),
		log:       log.With("component", "channel.telegram"),
	}, nil
}

// Name returns the channel identifier used in bus metadata and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run starts Telegram long polling and hands each text message to handler.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	updates, err := a.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		return fmt.Errorf("start long polling: %w", err)
	}

	a.log.Info("Telegram channel started", "tenant", a.cfg.Tenant)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil
				}
				return errors.New("telegram updates channel closed")
			}

			inbound, ok := a.inbound(update)
			if !ok {
				continue
			}
			a.log.Info("Received message",
				"chat_id", inbound.ChatID,
				"event_type", inbound.EventType,
				"content", previewText(inbound.Content),
			)

			if err := handler(ctx, inbound); err != nil {
				a.log.Error("Failed to ingest telegram message", "chat_id", inbound.ChatID, "error", err)
			}
		}
	}
}

// inbound converts an update into a bus message. ok is false for updates that carry no usable text.
func (a *Adapter) inbound(update telego.Update) (bus.InboundMessage, bool) {
	message := update.Message
	if message == nil {
		return bus.InboundMessage{}, false
	}

	content := strings.TrimSpace(message.Text)
	if content == "" {
		return bus.InboundMessage{}, false
	}
	if message.From == nil {
		a.log.Debug("Ignoring message without sender")
		return bus.InboundMessage{}, false
	}

	senderID := strconv.FormatInt(message.From.ID, 10)
	if !a.senderAllowed(senderID) {
		a.log.Debug("Ignoring message from unauthorized sender", "sender_id", senderID)
		return bus.InboundMessage{}, false
	}

	eventType := store.EventInboundMessage
	if isStart(content) {
		eventType = store.EventNewLead
		content = ""
	}

	return bus.InboundMessage{
		Channel:     channelName,
		Tenant:      a.cfg.Tenant,
		EventType:   eventType,
		SenderID:    senderID,
		ChatID:      strconv.FormatInt(message.Chat.ID, 10),
		MessageID:   strconv.Itoa(message.MessageID),
		DisplayName: strings.TrimSpace(message.From.FirstName + " " + message.From.LastName),
		Content:     content,
		Metadata: map[string]string{
			"update_id": strconv.Itoa(update.UpdateID),
		},
	}, true
}

// Send delivers an outbound message to the chat id stored as the contact address.
func (a *Adapter) Send(ctx context.Context, req messaging.SendRequest) messaging.SendResult {
	chatID, err := strconv.ParseInt(strings.TrimSpace(req.Address), 10, 64)
	if err != nil {
		return messaging.SendResult{Error: fmt.Sprintf("invalid telegram chat id %q", req.Address)}
	}

	a.log.Info("Sending message", "chat_id", chatID, "content", previewText(req.Text))

	sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), req.Text))
	if err != nil {
		return messaging.SendResult{Error: fmt.Sprintf("telegram send: %v", err)}
	}

	id := strconv.Itoa(sent.MessageID)
	return messaging.SendResult{
		Success:       true,
		ProviderMsgID: id,
		RawResponse: map[string]any{
			"chat_id":    chatID,
			"message_id": id,
		},
	}
}

func isStart(text string) bool {
	command, _, _ := strings.Cut(text, " ")
	command, _, _ = strings.Cut(command, "@")
	return command == startCommand
}

// senderAllowed checks whether a sender is permitted by allow_from config.
//
// When no allow list is configured, all senders are accepted.
func (a *Adapter) senderAllowed(senderID string) bool {
	if len(a.allowFrom) == 0 {
		return true
	}

	_, ok := a.allowFrom[strings.TrimSpace(senderID)]
	return ok
}

// allowFromSet normalizes allow_from values into a lookup set.
func allowFromSet(allowFrom []string) map[string]struct{} {
	if len(allowFrom) == 0 {
		return nil
	}

	allowed := make(map[string]struct{}, len(allowFrom))
	for _, value := range allowFrom {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		allowed[trimmed] = struct{}{}
	}

	if len(allowed) == 0 {
		return nil
	}

	return allowed
}

// previewText returns a bounded log-safe preview of message text.
func previewText(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= messagePreviewLimit {
		return trimmed
	}

	return trimmed[:messagePreviewLimit] + "..."
}
