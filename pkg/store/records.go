package store

import (
	"encoding/json"
	"time"

	"bookingbot/pkg/signals"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// JobTypeProcessInbound processes one inbound event.
const JobTypeProcessInbound = "process_inbound_event"

// Job is one unit of durable work referencing an inbound event.
type Job struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Type            string     `json:"type"`
	InboundEventID  string     `json:"inbound_event_id"`
	ConversationKey string     `json:"conversation_key"`
	TraceID         string     `json:"trace_id"`
	Status          JobStatus  `json:"status"`
	Attempts        int        `json:"attempts"`
	RunAfter        time.Time  `json:"run_after"`
	LockedBy        string     `json:"locked_by,omitempty"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	LeaseID         string     `json:"lease_id,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Event types carried by inbound events.
const (
	EventInboundMessage = "inbound_message"
	EventNewLead        = "new_lead"
)

// EventPayload is the decoded, validated view of a webhook body.
type EventPayload struct {
	EventType         string            `json:"event_type"`
	Channel           string            `json:"channel"`
	Address           string            `json:"address"`
	Text              string            `json:"text"`
	DisplayName       string            `json:"display_name,omitempty"`
	ProviderMsgID     string            `json:"provider_msg_id,omitempty"`
	ProviderContactID string            `json:"provider_contact_id,omitempty"`
	ContactMetadata   map[string]string `json:"contact_metadata,omitempty"`
	Unparseable       bool              `json:"unparseable,omitempty"`
}

// InboundEvent is a captured webhook. It is immutable once inserted.
type InboundEvent struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Provider  string          `json:"provider"`
	DedupeKey string          `json:"dedupe_key"`
	TraceID   string          `json:"trace_id"`
	Payload   EventPayload    `json:"payload"`
	Raw       json.RawMessage `json:"raw,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Contact is a lead reachable on one channel address.
type Contact struct {
	ID             string            `json:"id"`
	TenantID       string            `json:"tenant_id"`
	Channel        string            `json:"channel"`
	ChannelAddress string            `json:"channel_address"`
	DisplayName    string            `json:"display_name,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// FirstName returns the first word of the display name.
func (c Contact) FirstName() string {
	for i, r := range c.DisplayName {
		if r == ' ' || r == '\t' {
			return c.DisplayName[:i]
		}
	}
	return c.DisplayName
}

// ConversationStatus is open or closed.
type ConversationStatus string

const (
	ConversationOpen   ConversationStatus = "open"
	ConversationClosed ConversationStatus = "closed"
)

// Conversation is the booking dialogue with one contact.
type Conversation struct {
	ID            string             `json:"id"`
	TenantID      string             `json:"tenant_id"`
	ContactID     string             `json:"contact_id"`
	Status        ConversationStatus `json:"status"`
	State         State              `json:"state"`
	LastInboundAt *time.Time         `json:"last_inbound_at,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`

	// LastOutboundAt is stored apart from the record so the sender never races the engine.
	LastOutboundAt *time.Time `json:"-"`
}

// Direction of a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SendStatus is the delivery state of an outbound message.
type SendStatus string

const (
	SendPending SendStatus = "pending"
	SendSending SendStatus = "sending"
	SendSent    SendStatus = "sent"
	SendFailed  SendStatus = "failed"
)

// Message is one appended conversation turn.
type Message struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	ConversationID string           `json:"conversation_id"`
	ContactID      string           `json:"contact_id"`
	Direction      Direction        `json:"direction"`
	Channel        string           `json:"channel"`
	Text           string           `json:"text"`
	TraceID        string           `json:"trace_id,omitempty"`
	Inbound        *InboundDetails  `json:"inbound,omitempty"`
	Outbound       *OutboundDetails `json:"outbound,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// InboundDetails carries provider identity and the route taken for an inbound message.
type InboundDetails struct {
	InboundEventID string            `json:"inbound_event_id"`
	Provider       string            `json:"provider"`
	ProviderMsgID  string            `json:"provider_msg_id,omitempty"`
	DedupeKey      string            `json:"dedupe_key,omitempty"`
	RouteInfo      signals.RouteInfo `json:"route_info"`
}

// OutboundDetails carries what the engine decided and the send lifecycle.
type OutboundDetails struct {
	EventType     string         `json:"event_type"`
	Route         string         `json:"route"`
	TextFinal     string         `json:"text_final"`
	LLM           LLMUsage       `json:"llm"`
	OfferedSlots  []Slot         `json:"offered_slots,omitempty"`
	CalendarCheck *CalendarCheck `json:"calendar_check,omitempty"`
	BookingResult *BookingResult `json:"booking_result,omitempty"`

	SendStatus       SendStatus     `json:"send_status"`
	SendAttempts     int            `json:"send_attempts"`
	SendNextAt       *time.Time     `json:"send_next_at,omitempty"`
	SendLastError    string         `json:"send_last_error,omitempty"`
	SendTrace        *SendTrace     `json:"send_trace,omitempty"`
	SentAt           *time.Time     `json:"sent_at,omitempty"`
	ProviderMsgID    string         `json:"provider_msg_id,omitempty"`
	ProviderResponse map[string]any `json:"provider_response,omitempty"`
}

// LLMUsage records whether the classifier contributed to a reply.
type LLMUsage struct {
	Enabled bool   `json:"enabled"`
	Used    bool   `json:"used"`
	Model   string `json:"model,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BookingResult is the outcome of a booking attempt.
type BookingResult struct {
	Success   bool      `json:"success"`
	BookingID string    `json:"booking_id,omitempty"`
	Slot      time.Time `json:"slot"`
	Error     string    `json:"error,omitempty"`
}

// SendTrace records the most recent delivery attempt.
type SendTrace struct {
	OK          bool      `json:"ok"`
	DryRun      bool      `json:"dry_run"`
	AttemptedAt time.Time `json:"attempted_at"`
	Reason      string    `json:"reason,omitempty"`
}

// Slot is one bookable start time and how it was shown to the lead.
type Slot struct {
	Start   time.Time `json:"start"`
	Display string    `json:"display"`
}

// Constraints are the preferences an offer was planned for.
type Constraints struct {
	Day          string `json:"day,omitempty"`
	TimeWindow   string `json:"time_window,omitempty"`
	ExplicitTime string `json:"explicit_time,omitempty"`
	ExplicitDate int    `json:"explicit_date,omitempty"`
}

// TimeRange is a half-open [Start, End) interval.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalendarCheck records how an availability lookup went.
type CalendarCheck struct {
	OK                 bool      `json:"ok"`
	TraceID            string    `json:"trace_id,omitempty"`
	CalendarID         string    `json:"calendar_id,omitempty"`
	CheckedRange       TimeRange `json:"checked_range"`
	ReturnedSlotsCount int       `json:"returned_slots_count"`
	FilteredSlotsCount int       `json:"filtered_slots_count"`
	Reason             string    `json:"reason,omitempty"`
	CheckedAt          time.Time `json:"checked_at"`
}

// Offer is the set of slots last proposed to the lead.
type Offer struct {
	Slots         []Slot        `json:"slots"`
	Constraints   Constraints   `json:"constraints"`
	OfferedAt     time.Time     `json:"offered_at"`
	Timezone      string        `json:"timezone"`
	CalendarCheck CalendarCheck `json:"calendar_check"`
}

// Expired reports whether the offer is older than ttl at now.
func (o *Offer) Expired(now time.Time, ttl time.Duration) bool {
	if o == nil || o.OfferedAt.IsZero() {
		return true
	}
	return now.Sub(o.OfferedAt) > ttl
}

// BookedBooking is a confirmed appointment.
type BookedBooking struct {
	Slot      Slot      `json:"slot"`
	BookingID string    `json:"booking_id"`
	BookedAt  time.Time `json:"booked_at"`
}

// LeadTouchpoint records the first outbound contact with a new lead.
type LeadTouchpoint struct {
	FirstTouchAt time.Time `json:"first_touch_at"`
	Channel      string    `json:"channel"`
	MessageID    string    `json:"message_id"`
}

// Transition is a step of the conversation state machine.
type Transition struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DebugSnapshot summarizes the most recent processing run.
type DebugSnapshot struct {
	At          time.Time       `json:"at"`
	Route       string          `json:"route"`
	Signals     signals.Signals `json:"signals"`
	SlotCount   int             `json:"slot_count"`
	ChosenSlots []Slot          `json:"chosen_slots,omitempty"`
	Transition  Transition      `json:"transition"`
}
