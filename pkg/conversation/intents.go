package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"bookingbot/pkg/calendar"
	"bookingbot/pkg/classifier"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/signals"
	"bookingbot/pkg/slots"
	"bookingbot/pkg/store"
)

// classify asks the classifier for an intent and acts on it. When the
// classifier is off or fails, the pattern route decides instead.
func (r *run) classify(ctx context.Context, conv store.Conversation, routeInfo signals.RouteInfo) (outcome, error) {
	history, err := r.tx.RecentMessages(conv.ID, r.engine.historyLimit)
	if err != nil {
		return outcome{}, fmt.Errorf("load history: %w", err)
	}
	turns := make([]classifier.Turn, 0, len(history))
	for _, m := range history {
		turns = append(turns, classifier.Turn{Inbound: m.Direction == store.DirectionInbound, Text: m.Text})
	}

	var offered []store.Slot
	if offer := conv.State.LastOffer; !offer.Expired(r.now, r.tenant.OfferExpiry()) {
		offered = offer.Slots
	}

	model := r.tenant.Model(r.engine.defaultModel)
	usage := store.LLMUsage{Enabled: r.tenant.LLMEnabled(model), Model: model}

	verdict := classifier.Result{Intent: classifier.IntentUnclear, Error: classifier.ReasonDisabled}
	if usage.Enabled {
		cctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		verdict = r.engine.classifier.Classify(cctx, classifier.Request{
			Model:        model,
			Temperature:  r.tenant.Settings.LLM.Temperature,
			History:      turns,
			OfferedSlots: slots.DisplayStrings(offered),
			Context:      r.tenant.Settings.Bot.Context,
			Persona:      r.tenant.Settings.Bot.Persona,
			Today:        r.now.In(r.tenant.Location()),
		})
		cancel()
	}
	usage.Used = verdict.Used
	usage.Error = verdict.Error

	if !verdict.Used {
		verdict = patternVerdict(routeInfo)
	}

	out := r.act(ctx, verdict, offered, routeInfo.Signals)
	out.llm = usage
	return out, nil
}

// patternVerdict maps a pattern route onto an intent.
func patternVerdict(info signals.RouteInfo) classifier.Result {
	if info.Route == signals.RouteOfferSlots {
		return classifier.Result{Intent: classifier.IntentRequestSlots}
	}
	return classifier.Result{Intent: classifier.IntentUnclear, ReplyText: signals.ComposeReply(info)}
}

func (r *run) act(ctx context.Context, v classifier.Result, offered []store.Slot, sig signals.Signals) outcome {
	switch v.Intent {
	case classifier.IntentSelectSlot:
		if v.SlotIndex != nil && *v.SlotIndex >= 0 && *v.SlotIndex < len(offered) {
			return r.book(ctx, offered[*v.SlotIndex].Start)
		}
	case classifier.IntentRequestSpecificTime:
		return r.specificTime(ctx, v, sig)
	case classifier.IntentRequestSlots:
		return r.requestSlots(ctx, v, sig)
	case classifier.IntentReschedule:
		out := r.requestSlots(ctx, v, sig)
		out.route = RouteReschedule
		out.text = reschedulePrefix + " " + out.text
		return out
	case classifier.IntentWantsHuman:
		if v.ShouldHandoff {
			at := r.now
			return outcome{
				route: RouteWantsHuman,
				text:  orDefault(v.ReplyText, handoffReply),
				patch: store.StatePatch{HandoffRequestedAt: &at},
				close: true,
			}
		}
	case classifier.IntentDecline:
		at := r.now
		return outcome{
			route: RouteDecline,
			text:  orDefault(v.ReplyText, declineReply),
			patch: store.StatePatch{DeclinedAt: &at},
			close: true,
		}
	}
	return outcome{route: RouteUnclear, text: orDefault(v.ReplyText, unclearReply)}
}

// specificTime books the slot nearest the requested clock time, or offers the
// two nearest alternatives when nothing is close enough.
func (r *run) specificTime(ctx context.Context, v classifier.Result, sig signals.Signals) outcome {
	requested := orDefault(v.ExplicitTime, sig.ExplicitTime)
	day := orDefault(v.PreferredDay, sig.Day)

	if target, ok := slots.ParseClockHour(requested); ok {
		lctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
		lk := r.engine.planner.Lookup(lctx, r.tenant)
		cancel()

		if len(lk.Available) > 0 {
			if slot, ok := slots.Nearest(lk.Available, day, target, lk.Location, slots.NearestTolerance); ok {
				return r.book(ctx, slot)
			}

			alts := slots.Display(slots.TwoNearest(lk.Available, day, target, lk.Location), lk.Location)
			out := outcome{
				route: RouteOfferSlots,
				text:  alternativesReply(requested, slots.DisplayStrings(alts)),
			}
			if len(alts) > 0 {
				check := lk.Check
				check.OK = true
				offer := store.Offer{
					Slots:         alts,
					Constraints:   store.Constraints{Day: day, ExplicitTime: requested},
					OfferedAt:     r.now,
					Timezone:      lk.Location.String(),
					CalendarCheck: check,
				}
				out.offer = &offer
				out.patch.LastOffer = &offer
			}
			return out
		}
	}

	text, offer := r.plan(ctx, signals.Signals{Day: day}, nil)
	return outcome{
		route: RouteOfferSlots,
		text:  text,
		offer: &offer,
		patch: store.StatePatch{LastOffer: &offer},
	}
}

// requestSlots offers slots for the merged day and time preferences. The
// classifier's fields win; the pattern signals fill the gaps.
func (r *run) requestSlots(ctx context.Context, v classifier.Result, sig signals.Signals) outcome {
	merged := signals.Signals{
		Day:          orDefault(v.PreferredDay, sig.Day),
		TimeWindow:   orDefault(v.PreferredTime, sig.TimeWindow),
		ExplicitTime: sig.ExplicitTime,
		ExplicitDate: sig.ExplicitDate,
	}

	text, offer := r.plan(ctx, merged, nil)
	if merged.Day != "" && len(offer.Slots) > 0 && !r.offersDay(offer, merged.Day) {
		text = nothingOnDayPreamble(r.dayName(merged.Day)) + " " + text
	}

	return outcome{
		route: RouteOfferSlots,
		text:  text,
		offer: &offer,
		patch: store.StatePatch{LastOffer: &offer},
	}
}

func (r *run) plan(ctx context.Context, sig signals.Signals, targetHour *float64) (string, store.Offer) {
	pctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	defer cancel()
	return r.engine.planner.PlanOffer(pctx, r.tenant, sig, targetHour)
}

// offersDay reports whether any offered slot falls on day.
func (r *run) offersDay(offer store.Offer, day string) bool {
	loc := r.tenant.Location()
	wd, ok := slots.Weekday(day, r.now, loc)
	if !ok {
		return true
	}
	return slices.ContainsFunc(offer.Slots, func(s store.Slot) bool {
		return s.Start.In(loc).Weekday() == wd
	})
}

func (r *run) dayName(day string) string {
	if wd, ok := slots.Weekday(day, r.now, r.tenant.Location()); ok {
		return wd.String()
	}
	return signals.DisplayDay(day)
}

// book reserves slot and records the outcome. The offer is kept when booking fails.
// A booking already made for this inbound message is reused instead of booking again.
func (r *run) book(ctx context.Context, slot time.Time) outcome {
	result := &store.BookingResult{Slot: slot.UTC()}
	key := calendar.BookingKey(r.evt.ID, r.result.ConversationID)

	prior, err := r.tx.GetBooking(key)
	switch {
	case err == nil:
		r.engine.log.Info("Reusing booking for replayed message",
			"trace_id", r.evt.TraceID,
			"booking_id", prior.BookingID,
			"slot", prior.Slot,
		)
		return r.booked(prior.Slot, prior.BookingID)
	case !errors.Is(err, store.ErrNotFound):
		result.Error = err.Error()
		return outcome{route: RouteBookingFailed, text: bookingFailedReply, booking: result}
	}

	provider, ok := r.engine.calendars.For(r.tenant.Calendar())
	if !ok {
		result.Error = "no calendar provider for " + r.tenant.Calendar()
		return outcome{route: RouteBookingFailed, text: bookingFailedReply, booking: result}
	}

	loc := r.tenant.Location()
	bctx, cancel := context.WithTimeout(ctx, collaboratorTimeout)
	started := time.Now()
	res := provider.Book(bctx, calendar.BookingRequest{
		TenantID:          r.tenant.ID,
		CalendarID:        strings.TrimSpace(r.tenant.Settings.Calendar.ID),
		ConversationID:    r.result.ConversationID,
		ContactID:         r.contact.ID,
		ProviderContactID: messaging.ProviderContactID(r.contact.Metadata),
		LocationID:        r.tenant.Settings.Calendar.LocationID,
		Start:             slot,
		End:               slot.Add(r.tenant.SlotDuration()),
		Timezone:          loc.String(),
		Title:             calendar.DefaultTitle,
		IdempotencyKey:    key,
		Metadata:          map[string]string{"source": calendar.SourceChatbot},
	})
	cancel()

	if !res.Success || res.BookingID == "" {
		result.Error = orDefault(res.Error, "booking returned no id")
		r.engine.log.Warn("Booking failed",
			"trace_id", r.evt.TraceID,
			"slot", slot,
			"error", result.Error,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		return outcome{route: RouteBookingFailed, text: bookingFailedReply, booking: result}
	}

	r.engine.log.Info("Booking confirmed",
		"trace_id", r.evt.TraceID,
		"booking_id", res.BookingID,
		"slot", slot,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	err = r.tx.RecordBooking(ctx, store.BookingRecord{
		Key:            key,
		TenantID:       r.tenant.ID,
		ConversationID: r.result.ConversationID,
		BookingID:      res.BookingID,
		Slot:           slot.UTC(),
		CreatedAt:      r.now,
	})
	if err != nil {
		r.engine.log.Error("Failed to record booking", "trace_id", r.evt.TraceID, "booking_id", res.BookingID, "error", err)
	}

	return r.booked(slot, res.BookingID)
}

func (r *run) booked(slot time.Time, bookingID string) outcome {
	display := slots.FormatDisplay(slot, r.tenant.Location())
	return outcome{
		route: RouteBooked,
		text:  bookedReply(display),
		booking: &store.BookingResult{
			Success:   true,
			BookingID: bookingID,
			Slot:      slot.UTC(),
		},
		patch: store.StatePatch{
			BookedBooking: &store.BookedBooking{
				Slot:      store.Slot{Start: slot.UTC(), Display: display},
				BookingID: bookingID,
				BookedAt:  r.now,
			},
			ClearLastOffer: true,
		},
		close: true,
	}
}

func orDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
