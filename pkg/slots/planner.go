// Package slots turns calendar availability into the one or two options
// offered to a lead.
package slots

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"bookingbot/pkg/calendar"
	"bookingbot/pkg/signals"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

const (
	lookahead = 14 * 24 * time.Hour

	// NearestTolerance is how far a requested clock time may be from a slot and still book it.
	NearestTolerance = 45 * time.Minute

	displayLayout = "Monday 15:04"
)

// CalendarCheck reasons.
const (
	ReasonNoSlotsReturned   = "no_slots_returned"
	ReasonFilteredOutAll    = "filtered_out_all"
	ReasonMissingCalendarID = "missing_calendar_id"
)

const (
	missingCalendarReply = "Quick one, I'm missing calendar setup on our side. " +
		"What day works best for you, and would morning, afternoon, or evening be ideal?"
	calendarTroubleReply = "Quick one, I'm having trouble reaching the calendar right now. " +
		"What day works best for you, and would morning, afternoon, or evening be ideal?"
	noAvailabilityReply = "I'm not seeing availability for that window right now. " +
		"Would a different day or time work better?"
)

// Lookup is one availability fetch for a tenant.
type Lookup struct {
	Location *time.Location
	// Available holds the calendar's slots inside the tenant's availability windows, chronological.
	Available []time.Time
	Check     store.CalendarCheck
	// Degraded is set when the calendar could not be consulted; it is the reply to send instead.
	Degraded string
}

// Planner plans slot offers from a tenant's calendar.
type Planner struct {
	calendars calendar.Registry
	log       *slog.Logger
	now       func() time.Time
}

// NewPlanner creates a planner over the registered calendar providers.
func NewPlanner(calendars calendar.Registry, log *slog.Logger) *Planner {
	if log == nil {
		log = slog.Default()
	}
	return &Planner{
		calendars: calendars,
		log:       log.With("component", "slots.planner"),
		now:       time.Now,
	}
}

// Lookup fetches free slots for the next two weeks and applies availability windows.
func (p *Planner) Lookup(ctx context.Context, tenant tenants.Tenant) Lookup {
	loc := tenant.Location()
	now := p.now()
	calendarID := strings.TrimSpace(tenant.Settings.Calendar.ID)

	lk := Lookup{
		Location: loc,
		Check: store.CalendarCheck{
			CalendarID:   calendarID,
			CheckedRange: store.TimeRange{Start: now, End: now.Add(lookahead)},
			CheckedAt:    now,
		},
	}

	if calendarID == "" {
		lk.Check.CheckedRange = store.TimeRange{}
		lk.Check.Reason = ReasonMissingCalendarID
		lk.Degraded = missingCalendarReply
		return lk
	}

	provider, ok := p.calendars.For(tenant.Calendar())
	if !ok {
		lk.Check.Reason = calendar.KindUnknown.String()
		lk.Degraded = calendarTroubleReply
		p.log.Warn("No calendar provider", "tenant_id", tenant.ID, "adapter", tenant.Calendar())
		return lk
	}

	started := time.Now()
	res := provider.FreeSlots(ctx, calendar.FreeSlotsRequest{
		TenantID:   tenant.ID,
		CalendarID: calendarID,
		Start:      now,
		End:        now.Add(lookahead),
		Timezone:   loc.String(),
	})

	switch res.Kind {
	case calendar.KindOK:
		p.log.Debug("Free slots fetched",
			"tenant_id", tenant.ID,
			"count", len(res.Slots),
			"duration_ms", time.Since(started).Milliseconds(),
		)
	case calendar.KindAuthError, calendar.KindHTTPError, calendar.KindUnknown:
		p.log.Warn("Free slot lookup failed",
			"tenant_id", tenant.ID,
			"kind", res.Kind.String(),
			"error", res.Err,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		lk.Check.Reason = res.Kind.String()
		lk.Degraded = calendarTroubleReply
		return lk
	}

	lk.Check.TraceID = res.TraceID
	lk.Check.ReturnedSlotsCount = len(res.Slots)
	lk.Available = FilterWindows(res.Slots, tenant.Settings.Booking.AvailabilityWindows, loc)
	lk.Check.FilteredSlotsCount = len(lk.Available)
	return lk
}

// PlanOffer looks up availability and proposes up to two slots matching sig.
// A non-nil targetHour ranks slots by closeness to that local clock hour.
func (p *Planner) PlanOffer(ctx context.Context, tenant tenants.Tenant, sig signals.Signals, targetHour *float64) (string, store.Offer) {
	lk := p.Lookup(ctx, tenant)
	offer := store.Offer{
		Constraints: Constraints(sig),
		OfferedAt:   lk.Check.CheckedAt,
		Timezone:    lk.Location.String(),
	}
	if lk.Degraded != "" {
		offer.CalendarCheck = lk.Check
		return lk.Degraded, offer
	}

	filtered := FilterSignals(lk.Available, sig, lk.Location, lk.Check.CheckedAt)
	if sig.ExplicitTime != "" && len(filtered) > 0 {
		if floor, ok := ParseClockHour(sig.ExplicitTime); ok {
			filtered = FloorAt(filtered, floor, lk.Location)
		}
	}

	base := filtered
	if len(base) == 0 {
		base = lk.Available
	}
	pool := lk.Available
	if sig.Day != "" || sig.TimeWindow != "" {
		pool = base
	}
	chosen := PickTwo(base, pool, lk.Location, targetHour)

	check := lk.Check
	check.OK = len(chosen) > 0
	switch {
	case check.ReturnedSlotsCount == 0:
		check.OK = false
		check.Reason = ReasonNoSlotsReturned
	case len(chosen) == 0:
		check.Reason = ReasonFilteredOutAll
	}

	offer.Slots = Display(chosen, lk.Location)
	offer.CalendarCheck = check
	return OfferReply(offer.Slots), offer
}

// Constraints records the preferences an offer was planned for.
func Constraints(sig signals.Signals) store.Constraints {
	return store.Constraints{
		Day:          sig.Day,
		TimeWindow:   sig.TimeWindow,
		ExplicitTime: sig.ExplicitTime,
		ExplicitDate: sig.ExplicitDate,
	}
}

// FormatDisplay renders a slot as "Monday 15:04" in loc.
func FormatDisplay(slot time.Time, loc *time.Location) string {
	return slot.In(loc).Format(displayLayout)
}

// Display pairs slots with their display strings.
func Display(slots []time.Time, loc *time.Location) []store.Slot {
	out := make([]store.Slot, 0, len(slots))
	for _, s := range slots {
		out = append(out, store.Slot{Start: s.UTC(), Display: FormatDisplay(s, loc)})
	}
	return out
}

// DisplayStrings returns just the display text of slots.
func DisplayStrings(slots []store.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Display)
	}
	return out
}

// OfferReply phrases an offer of zero, one or two slots.
func OfferReply(slots []store.Slot) string {
	switch len(slots) {
	case 0:
		return noAvailabilityReply
	case 1:
		return "I've got " + slots[0].Display + " free. Does that work for you?"
	default:
		return "I've got " + slots[0].Display + " or " + slots[1].Display + " free. Which works best for you?"
	}
}
