package logger

import (
	"context"
	"log/slog"
	"strings"
)

// redactedKeys are attribute keys that carry a lead's phone number or email.
var redactedKeys = map[string]struct{}{
	"address":         {},
	"channel_address": {},
	"phone":           {},
	"email":           {},
}

// redactingHandler masks contact addresses before they reach the output handler.
type redactingHandler struct {
	next slog.Handler
}

func (h redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redactAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redactAttr(attr))
	}
	return redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h redactingHandler) WithGroup(name string) slog.Handler {
	return redactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(attr slog.Attr) slog.Attr {
	if _, ok := redactedKeys[attr.Key]; !ok {
		return attr
	}
	value := attr.Value.Resolve()
	if value.Kind() != slog.KindString {
		return attr
	}
	return slog.String(attr.Key, MaskAddress(value.String()))
}

// MaskAddress hides most of a phone number or email address.
// Emails keep the first character and the domain; anything else keeps the last four characters.
func MaskAddress(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}

	if at := strings.LastIndex(address, "@"); at > 0 {
		return address[:1] + strings.Repeat("*", at-1) + address[at:]
	}

	runes := []rune(address)
	if len(runes) <= 4 {
		return strings.Repeat("*", len(runes))
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}
