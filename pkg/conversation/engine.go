// Package conversation runs the booking state machine for one inbound event at a time.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookingbot/pkg/calendar"
	"bookingbot/pkg/classifier"
	"bookingbot/pkg/handoff"
	"bookingbot/pkg/ledger"
	"bookingbot/pkg/signals"
	"bookingbot/pkg/slots"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

// Routes recorded on outbound messages and in state.LastStep.
const (
	RouteNewLead              = "new_lead"
	RouteNoActiveConversation = "no_active_conversation"
	RouteDuplicateMessage     = "duplicate_message"
	RouteAlreadyBooked        = "already_booked"
	RouteHandoffPending       = "handoff_pending"
	RouteBooked               = "booked"
	RouteBookingFailed        = "booking_failed"
	RouteOfferSlots           = "offer_slots"
	RouteReschedule           = "reschedule"
	RouteWantsHuman           = "wants_human"
	RouteDecline              = "decline"
	RouteUnclear              = "unclear"
)

const (
	initialStep         = "start"
	defaultHistory      = 20
	collaboratorTimeout = 15 * time.Second

	reasonUnparseable = "unparseable_payload"
)

// Deps wires the engine's collaborators.
type Deps struct {
	Tenants    tenants.Directory
	Planner    *slots.Planner
	Calendars  calendar.Registry
	Classifier *classifier.Classifier
	Ledger     ledger.Recorder
	Handoff    handoff.Notifier
	// DefaultModel is the classifier model for tenants that set none.
	DefaultModel string
	HistoryLimit int
	Logger       *slog.Logger
}

// Engine turns one job into the writes and reply it produces.
type Engine struct {
	tenants      tenants.Directory
	planner      *slots.Planner
	calendars    calendar.Registry
	classifier   *classifier.Classifier
	ledger       ledger.Recorder
	handoff      handoff.Notifier
	defaultModel string
	historyLimit int
	log          *slog.Logger
	now          func() time.Time
}

// New creates an Engine.
func New(d Deps) *Engine {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.Noop{}
	}
	if d.Handoff == nil {
		d.Handoff = handoff.Noop{}
	}
	if d.HistoryLimit <= 0 {
		d.HistoryLimit = defaultHistory
	}

	return &Engine{
		tenants:      d.Tenants,
		planner:      d.Planner,
		calendars:    d.Calendars,
		classifier:   d.Classifier,
		ledger:       d.Ledger,
		handoff:      d.Handoff,
		defaultModel: d.DefaultModel,
		historyLimit: d.HistoryLimit,
		log:          log.With("component", "conversation.engine"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Result summarizes one processed job.
type Result struct {
	Route             string
	TenantID          string
	ContactID         string
	ConversationID    string
	InboundMessageID  string
	OutboundMessageID string
	TraceID           string
	// Skipped is set when the event had already been handled.
	Skipped bool

	// Booking and Handoff are published by Notify once the job's writes are committed.
	Booking *ledger.BookingEvent
	Handoff *handoff.Handoff
}

// Process runs the state machine for job inside tx. Collaborator failures
// become routes and replies; only store failures are returned as errors.
func (e *Engine) Process(ctx context.Context, tx *store.Tx, job store.Job) (Result, error) {
	evt, err := tx.GetEvent(job.InboundEventID)
	if err != nil {
		return Result{}, fmt.Errorf("load inbound event: %w", err)
	}
	now := e.now()
	p := evt.Payload

	contact, err := tx.UpsertContact(store.Contact{
		TenantID:       evt.TenantID,
		Channel:        p.Channel,
		ChannelAddress: p.Address,
		DisplayName:    p.DisplayName,
		Metadata:       p.ContactMetadata,
		UpdatedAt:      now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("upsert contact: %w", err)
	}

	tenant, err := e.tenants.ByID(ctx, evt.TenantID)
	if err != nil {
		e.log.Warn("Failed to load tenant, using defaults", "tenant_id", evt.TenantID, "trace_id", evt.TraceID, "error", err)
		tenant = tenants.Tenant{ID: evt.TenantID}
	}

	run := &run{
		engine:  e,
		tx:      tx,
		evt:     evt,
		tenant:  tenant,
		contact: contact,
		now:     now,
		result: Result{
			TenantID:  evt.TenantID,
			ContactID: contact.ID,
			TraceID:   evt.TraceID,
		},
	}

	if p.EventType == store.EventNewLead {
		return run.newLead(ctx)
	}
	return run.inbound(ctx)
}

// Notify publishes the best-effort side effects of a committed job.
func (e *Engine) Notify(ctx context.Context, res Result) {
	if res.Booking != nil {
		if err := e.ledger.BookingCreated(ctx, *res.Booking); err != nil {
			e.log.Warn("Failed to publish booking event", "trace_id", res.TraceID, "booking_id", res.Booking.BookingID, "error", err)
		}
	}
	if res.Handoff != nil {
		if err := e.handoff.HandoffRequested(ctx, *res.Handoff); err != nil {
			e.log.Warn("Failed to send handoff notification", "trace_id", res.TraceID, "conversation_id", res.ConversationID, "error", err)
		}
	}
}

// run is the working set of one Process call.
type run struct {
	engine  *Engine
	tx      *store.Tx
	evt     store.InboundEvent
	tenant  tenants.Tenant
	contact store.Contact
	now     time.Time
	result  Result
}

// outcome is what a branch decided.
type outcome struct {
	route   string
	text    string
	llm     store.LLMUsage
	offer   *store.Offer
	booking *store.BookingResult
	patch   store.StatePatch
	close   bool
}

func (r *run) newLead(ctx context.Context) (Result, error) {
	conv, _, err := r.tx.EnsureOpenConversation(r.evt.TenantID, r.contact.ID, r.now)
	if err != nil {
		return Result{}, fmt.Errorf("open conversation: %w", err)
	}
	r.result.ConversationID = conv.ID
	r.result.Route = RouteNewLead

	if touch := conv.State.LeadTouchpoint; touch != nil {
		r.engine.log.Info("New lead already greeted", "trace_id", r.evt.TraceID, "conversation_id", conv.ID)
		r.result.OutboundMessageID = touch.MessageID
		r.result.Skipped = true
		return r.result, nil
	}

	pctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	_, offer := r.engine.planner.PlanOffer(pctx, r.tenant, signals.Signals{}, nil)
	cancel()

	out := outcome{
		route: RouteNewLead,
		text:  FirstTouch(r.tenant.Settings.Bot.FirstTouchTemplate, r.contact.FirstName(), slots.DisplayStrings(offer.Slots)),
		offer: &offer,
	}
	if len(offer.Slots) > 0 {
		out.patch.LastOffer = &offer
	}

	return r.finish(conv, out, signals.Signals{})
}

func (r *run) inbound(ctx context.Context) (Result, error) {
	conv, err := r.tx.OpenConversation(r.evt.TenantID, r.contact.ID)
	if errors.Is(err, store.ErrNotFound) {
		r.result.Route = RouteNoActiveConversation
		r.engine.log.Info("No active conversation", "trace_id", r.evt.TraceID, "contact_id", r.contact.ID)
		return r.result, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("find open conversation: %w", err)
	}
	r.result.ConversationID = conv.ID

	p := r.evt.Payload
	routeInfo := signals.RouteText(p.Text)

	inbound, inserted, err := r.tx.InsertInboundMessage(store.Message{
		TenantID:       r.evt.TenantID,
		ConversationID: conv.ID,
		ContactID:      r.contact.ID,
		Channel:        p.Channel,
		Text:           p.Text,
		TraceID:        r.evt.TraceID,
		Inbound: &store.InboundDetails{
			InboundEventID: r.evt.ID,
			Provider:       r.evt.Provider,
			ProviderMsgID:  p.ProviderMsgID,
			DedupeKey:      r.evt.DedupeKey,
			RouteInfo:      routeInfo,
		},
		CreatedAt: r.evt.CreatedAt,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert inbound message: %w", err)
	}
	r.result.InboundMessageID = inbound.ID
	if !inserted {
		r.result.Route = RouteDuplicateMessage
		r.result.Skipped = true
		return r.result, nil
	}

	at := r.now
	conv.LastInboundAt = &at
	conv.UpdatedAt = r.now

	var out outcome
	switch state := conv.State; {
	case state.BookedBooking != nil:
		out = outcome{route: RouteAlreadyBooked, text: alreadyBookedReply(state.BookedBooking.Slot.Display)}
	case state.HandoffRequestedAt != nil:
		out = outcome{route: RouteHandoffPending, text: handoffPendingReply}
	case p.Unparseable:
		out = outcome{route: RouteUnclear, text: unclearReply, llm: store.LLMUsage{Error: reasonUnparseable}}
	default:
		out, err = r.classify(ctx, conv, routeInfo)
		if err != nil {
			return Result{}, err
		}
	}

	return r.finish(conv, out, routeInfo.Signals)
}

// finish writes the outbound message and the merged state, and logs the run.
func (r *run) finish(conv store.Conversation, out outcome, sig signals.Signals) (Result, error) {
	base := conv.State.Version

	details := &store.OutboundDetails{
		EventType:     r.evt.Payload.EventType,
		Route:         out.route,
		TextFinal:     out.text,
		LLM:           out.llm,
		BookingResult: out.booking,
	}
	var chosen []store.Slot
	if out.offer != nil {
		chosen = out.offer.Slots
		details.OfferedSlots = out.offer.Slots
		check := out.offer.CalendarCheck
		details.CalendarCheck = &check
	}

	msg, err := r.tx.InsertOutboundMessage(store.Message{
		TenantID:       r.evt.TenantID,
		ConversationID: conv.ID,
		ContactID:      r.contact.ID,
		Channel:        r.contact.Channel,
		Text:           out.text,
		TraceID:        r.evt.TraceID,
		Outbound:       details,
		CreatedAt:      r.now,
	})
	if err != nil {
		return Result{}, fmt.Errorf("insert outbound message: %w", err)
	}

	from := conv.State.LastStep
	if from == "" {
		from = initialStep
	}
	snapshot := store.DebugSnapshot{
		At:          r.now,
		Route:       out.route,
		Signals:     sig,
		SlotCount:   len(chosen),
		ChosenSlots: chosen,
		Transition:  store.Transition{From: from, To: out.route},
	}

	patch := out.patch
	patch.LastStep = &out.route
	patch.LastRun = &snapshot
	if out.route == RouteNewLead {
		patch.LeadTouchpoint = &store.LeadTouchpoint{
			FirstTouchAt: r.now,
			Channel:      r.contact.Channel,
			MessageID:    msg.ID,
		}
	}

	conv.State = conv.State.Merge(patch)
	conv.UpdatedAt = r.now
	if out.close {
		conv.Status = store.ConversationClosed
	}
	if err := r.tx.SaveConversation(conv, base); err != nil {
		return Result{}, fmt.Errorf("save conversation: %w", err)
	}

	r.engine.log.Info("Processing run",
		"trace_id", r.evt.TraceID,
		"tenant_id", r.evt.TenantID,
		"tenant_slug", r.tenant.Slug,
		"contact_id", r.contact.ID,
		"conversation_id", conv.ID,
		"route", out.route,
		"signals", sig,
		"slot_count", len(chosen),
		"transition_from", from,
		"transition_to", out.route,
		"llm_used", out.llm.Used,
	)

	r.result.Route = out.route
	r.result.OutboundMessageID = msg.ID
	if out.route == RouteWantsHuman {
		r.result.Handoff = &handoff.Handoff{
			TenantID:       r.evt.TenantID,
			TenantName:     r.tenant.Name,
			ConversationID: conv.ID,
			Channel:        r.contact.Channel,
			Address:        r.contact.ChannelAddress,
			DisplayName:    r.contact.DisplayName,
			LastMessage:    r.evt.Payload.Text,
			TraceID:        r.evt.TraceID,
			WebhookURL:     r.tenant.Settings.Bot.HandoffWebhookURL,
		}
	}
	if b := patch.BookedBooking; b != nil {
		r.result.Booking = &ledger.BookingEvent{
			TenantID:       r.evt.TenantID,
			ConversationID: conv.ID,
			ContactID:      r.contact.ID,
			BookingID:      b.BookingID,
			CalendarID:     r.tenant.Settings.Calendar.ID,
			Slot:           b.Slot.Start,
			BookedAt:       b.BookedAt,
			TraceID:        r.evt.TraceID,
		}
	}
	return r.result, nil
}
