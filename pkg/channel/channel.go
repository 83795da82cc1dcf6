package channel

import (
	"context"

	"bookingbot/pkg/bus"
)

// Handler accepts one inbound channel message for ingestion.
type Handler func(context.Context, bus.InboundMessage) error

// Adapter bridges one external chat transport (for example Telegram) into the booking pipeline.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
