// Package ledger publishes booking domain events to the lead ledger.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
)

// TypeBookingCreated is the envelope type of a confirmed booking.
const TypeBookingCreated = "booking.created.v1"

const routingKeyPrefix = "booking.created."

// BookingEvent describes one confirmed booking.
type BookingEvent struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	ContactID      string    `json:"contact_id"`
	BookingID      string    `json:"booking_id"`
	CalendarID     string    `json:"calendar_id,omitempty"`
	Slot           time.Time `json:"slot"`
	BookedAt       time.Time `json:"booked_at"`
	TraceID        string    `json:"trace_id,omitempty"`
}

// Meta is the envelope header shared by every published event.
type Meta struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Producer      string    `json:"producer"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	Meta Meta `json:"meta"`
	Data any  `json:"data"`
}

// Recorder receives booking events. Callers treat failures as non-fatal.
type Recorder interface {
	BookingCreated(ctx context.Context, event BookingEvent) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) BookingCreated(context.Context, BookingEvent) error { return nil }

type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQP publishes events to a durable topic exchange.
type AMQP struct {
	conn     *amqp091.Connection
	open     func() (channel, error)
	exchange string
	producer string
	log      *slog.Logger
	now      func() time.Time
}

// Dial connects to the broker and declares the exchange.
func Dial(url, exchange, producer string, log *slog.Logger) (*AMQP, error) {
	if url == "" {
		return nil, errors.New("ledger amqp url is required")
	}
	if log == nil {
		log = slog.Default()
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial ledger broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open ledger channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	a := newAMQP(exchange, producer, log, func() (channel, error) { return conn.Channel() })
	a.conn = conn
	return a, nil
}

func newAMQP(exchange, producer string, log *slog.Logger, open func() (channel, error)) *AMQP {
	if log == nil {
		log = slog.Default()
	}
	return &AMQP{
		open:     open,
		exchange: exchange,
		producer: producer,
		log:      log.With("component", "ledger.amqp"),
		now:      time.Now,
	}
}

// BookingCreated publishes a booking.created.v1 envelope routed by tenant.
func (a *AMQP) BookingCreated(ctx context.Context, event BookingEvent) error {
	envelope := Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			CorrelationID: event.TraceID,
			Producer:      a.producer,
			Time:          a.now().UTC(),
			Type:          TypeBookingCreated,
		},
		Data: event,
	}
	if envelope.Meta.CorrelationID == "" {
		envelope.Meta.CorrelationID = uuid.NewString()
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encode booking event: %w", err)
	}

	ch, err := a.open()
	if err != nil {
		return fmt.Errorf("open ledger channel: %w", err)
	}
	defer ch.Close()

	key := routingKeyPrefix + event.TenantID
	err = ch.PublishWithContext(ctx, a.exchange, key, false, false, amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     envelope.Meta.ID,
		CorrelationId: envelope.Meta.CorrelationID,
		Timestamp:     envelope.Meta.Time,
		Type:          TypeBookingCreated,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("publish booking event: %w", err)
	}

	a.log.Info("Published booking event", "key", key, "exchange", a.exchange, "booking_id", event.BookingID)
	return nil
}

// Close closes the broker connection.
func (a *AMQP) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}
