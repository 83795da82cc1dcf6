// Package calendar defines the calendar collaborator used to list free slots
// and to book or cancel appointments.
package calendar

import (
	"context"
	"errors"
	"time"
)

var errNoProvider = errors.New("calendar: no provider configured")

// Kind classifies a free-slot lookup.
type Kind int

const (
	KindOK Kind = iota
	KindAuthError
	KindHTTPError
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindAuthError:
		return "auth_error"
	case KindHTTPError:
		return "http_error"
	default:
		return "unknown_error"
	}
}

// FreeSlotsRequest asks for bookable start times in [Start, End).
type FreeSlotsRequest struct {
	TenantID   string
	CalendarID string
	Start      time.Time
	End        time.Time
	Timezone   string
}

// Result is a free-slot lookup outcome. Slots are unique and in provider order.
type Result struct {
	Kind    Kind
	Slots   []time.Time
	TraceID string
	Err     error
}

// BookingRequest books one appointment. IdempotencyKey identifies the
// inbound message that asked for the booking; a replay carries the same key.
type BookingRequest struct {
	TenantID          string
	CalendarID        string
	ConversationID    string
	ContactID         string
	ProviderContactID string
	LocationID        string
	Start             time.Time
	End               time.Time
	Timezone          string
	Title             string
	IdempotencyKey    string
	Metadata          map[string]string
}

// SourceChatbot tags bookings made by the conversation engine.
const SourceChatbot = "chatbot"

// BookingKey derives the idempotency key for a booking requested by inbound
// event eventID in conversation conversationID.
func BookingKey(eventID, conversationID string) string {
	return eventID + ":" + conversationID
}

// BookingResult is a booking outcome. BookingID is set only on success.
type BookingResult struct {
	Success   bool
	BookingID string
	Error     string
	Raw       map[string]any
}

// DefaultTitle is the appointment title used for bot bookings.
const DefaultTitle = "Appointment (bot-booked)"

// Provider is a calendar backend.
type Provider interface {
	FreeSlots(ctx context.Context, req FreeSlotsRequest) Result
	Book(ctx context.Context, req BookingRequest) BookingResult
	Cancel(ctx context.Context, tenantID, bookingID string) error
}

// Registry maps adapter names to providers.
type Registry map[string]Provider

// For returns the provider registered under name.
func (r Registry) For(name string) (Provider, bool) {
	p, ok := r[name]
	return p, ok && p != nil
}
