package slots

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingbot/pkg/calendar"
	"bookingbot/pkg/signals"
	"bookingbot/pkg/tenants"
)

// Monday 5 January 2026; Europe/London is on UTC.
var monday = time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

func at(day, hour, minute int) time.Time {
	return monday.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fakeCalendar struct {
	result calendar.Result
	req    calendar.FreeSlotsRequest
}

func (f *fakeCalendar) FreeSlots(_ context.Context, req calendar.FreeSlotsRequest) calendar.Result {
	f.req = req
	return f.result
}

func (f *fakeCalendar) Book(context.Context, calendar.BookingRequest) calendar.BookingResult {
	return calendar.BookingResult{}
}

func (f *fakeCalendar) Cancel(context.Context, string, string) error { return nil }

func newPlanner(cal *fakeCalendar) *Planner {
	p := NewPlanner(calendar.Registry{"leadconnector": cal}, nil)
	p.now = func() time.Time { return at(0, 7, 0) }
	return p
}

func london(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)
	return loc
}

func withCalendar() tenants.Tenant {
	return tenants.Tenant{ID: "t1", Settings: tenants.Settings{Calendar: tenants.CalendarSettings{ID: "cal-1"}}}
}

func TestPickTwoEarliestAndContrast(t *testing.T) {
	t.Parallel()
	loc := london(t)

	slots := []time.Time{at(0, 16, 0), at(0, 9, 0), at(0, 14, 0)}
	got := PickTwo(slots, slots, loc, nil)
	require.Equal(t, []time.Time{at(0, 9, 0), at(0, 14, 0)}, got)
}

func TestPickTwoFallsBackToNextCandidate(t *testing.T) {
	t.Parallel()
	loc := london(t)

	slots := []time.Time{at(0, 9, 0), at(0, 10, 0)}
	require.Equal(t, slots, PickTwo(slots, slots, loc, nil))
	require.Equal(t, slots[:1], PickTwo(slots[:1], nil, loc, nil))
	require.Nil(t, PickTwo(nil, nil, loc, nil))
}

func TestPickTwoEveningContrastsWithMorning(t *testing.T) {
	t.Parallel()
	loc := london(t)

	candidates := []time.Time{at(0, 18, 0), at(0, 19, 0)}
	pool := []time.Time{at(1, 14, 0), at(1, 9, 0), at(0, 18, 0)}
	require.Equal(t, []time.Time{at(0, 18, 0), at(1, 9, 0)}, PickTwo(candidates, pool, loc, nil))
}

func TestPickTwoWithTargetHour(t *testing.T) {
	t.Parallel()
	loc := london(t)

	target := 15.0
	slots := []time.Time{at(0, 9, 0), at(0, 14, 0), at(0, 16, 30), at(1, 15, 0)}
	require.Equal(t, []time.Time{at(0, 14, 0), at(1, 15, 0)}, PickTwo(slots, nil, loc, &target))
}

func TestParseClockHour(t *testing.T) {
	t.Parallel()

	cases := map[string]float64{
		"4:35":    16 + 35.0/60,
		"9am":     9,
		"9":       9,
		"12pm":    12,
		"2pm":     14,
		"16:00":   16,
		"7:30 am": 7.5,
	}
	for input, want := range cases {
		got, ok := ParseClockHour(input)
		require.True(t, ok, input)
		require.InDelta(t, want, got, 0.001, input)
	}

	_, ok := ParseClockHour("noon")
	require.False(t, ok)
}

func TestNearestWithinTolerance(t *testing.T) {
	t.Parallel()
	loc := london(t)

	target, _ := ParseClockHour("4:35")
	slots := []time.Time{at(0, 9, 0), at(0, 14, 0), at(0, 16, 50)}

	got, ok := Nearest(slots, "", target, loc, NearestTolerance)
	require.True(t, ok)
	require.Equal(t, at(0, 16, 50), got)

	_, ok = Nearest(slots[:2], "", target, loc, NearestTolerance)
	require.False(t, ok)

	_, ok = Nearest(slots, "tuesday", target, loc, NearestTolerance)
	require.False(t, ok)
}

func TestTwoNearestAlternatives(t *testing.T) {
	t.Parallel()
	loc := london(t)

	target, _ := ParseClockHour("4:35")
	slots := []time.Time{at(0, 9, 0), at(0, 14, 0), at(0, 16, 50)}
	require.Equal(t, []time.Time{at(0, 14, 0), at(0, 16, 50)}, TwoNearest(slots, "", target, loc))
	require.Equal(t, []time.Time{at(0, 14, 0), at(0, 16, 50)}, TwoNearest(slots, "monday", target, loc))
	require.Empty(t, TwoNearest(slots, "friday", target, loc))
}

func TestFilterWindows(t *testing.T) {
	t.Parallel()
	loc := london(t)

	slots := []time.Time{at(0, 9, 0), at(0, 17, 0), at(1, 9, 0), at(0, 12, 0)}
	windows := map[string][]tenants.Window{
		"mon": {{Start: "09:00", End: "12:00"}, {Start: "16:00", End: "17:00"}},
	}
	require.Equal(t, []time.Time{at(0, 9, 0)}, FilterWindows(slots, windows, loc))
	require.Len(t, FilterWindows(slots, nil, loc), 4)
}

func TestFilterSignals(t *testing.T) {
	t.Parallel()
	loc := london(t)
	now := at(0, 7, 0)

	slots := []time.Time{at(0, 9, 0), at(0, 14, 0), at(1, 10, 0), at(1, 18, 0), at(4, 15, 0)}

	require.Equal(t, []time.Time{at(0, 9, 0), at(0, 14, 0)}, FilterSignals(slots, signals.Signals{Day: signals.DayToday}, loc, now))
	require.Equal(t, []time.Time{at(1, 18, 0)}, FilterSignals(slots, signals.Signals{Day: signals.DayTomorrow, TimeWindow: signals.WindowEvening}, loc, now))
	require.Equal(t, []time.Time{at(4, 15, 0)}, FilterSignals(slots, signals.Signals{Day: "friday"}, loc, now))
	require.Equal(t, []time.Time{at(0, 14, 0), at(4, 15, 0)}, FilterSignals(slots, signals.Signals{TimeWindow: signals.WindowAfternoon}, loc, now))

	// 9 January matches; a date with nothing on it leaves the set alone.
	require.Equal(t, []time.Time{at(4, 15, 0)}, FilterSignals(slots, signals.Signals{ExplicitDate: 9}, loc, now))
	require.Len(t, FilterSignals(slots, signals.Signals{ExplicitDate: 20}, loc, now), 5)
}

func TestFloorAt(t *testing.T) {
	t.Parallel()
	loc := london(t)

	slots := []time.Time{at(0, 13, 0), at(0, 14, 0), at(0, 16, 0)}
	require.Equal(t, slots[1:], FloorAt(slots, 14, loc))
	require.Equal(t, slots, FloorAt(slots, 20, loc))
}

func TestPlanOfferTwoSlots(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{result: calendar.Result{
		Kind:    calendar.KindOK,
		Slots:   []time.Time{at(0, 16, 0), at(0, 9, 0), at(0, 14, 0)},
		TraceID: "trace-1",
	}}
	reply, offer := newPlanner(cal).PlanOffer(context.Background(), withCalendar(), signals.Signals{}, nil)

	require.Equal(t, "I've got Monday 09:00 or Monday 14:00 free. Which works best for you?", reply)
	require.Len(t, offer.Slots, 2)
	require.True(t, offer.CalendarCheck.OK)
	require.Equal(t, "trace-1", offer.CalendarCheck.TraceID)
	require.Equal(t, 3, offer.CalendarCheck.ReturnedSlotsCount)
	require.Equal(t, "Europe/London", offer.Timezone)
	require.Equal(t, "cal-1", cal.req.CalendarID)
	require.Equal(t, lookahead, cal.req.End.Sub(cal.req.Start))
}

func TestPlanOfferExplicitTimeFloor(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{result: calendar.Result{
		Kind:  calendar.KindOK,
		Slots: []time.Time{at(0, 12, 0), at(0, 13, 0), at(0, 15, 0), at(0, 16, 0)},
	}}
	sig := signals.Signals{Day: "monday", TimeWindow: signals.WindowAfternoon, ExplicitTime: "2:00"}
	reply, offer := newPlanner(cal).PlanOffer(context.Background(), withCalendar(), sig, nil)

	require.Equal(t, "I've got Monday 15:00 or Monday 16:00 free. Which works best for you?", reply)
	require.Equal(t, "2:00", offer.Constraints.ExplicitTime)
}

func TestPlanOfferDegradedReplies(t *testing.T) {
	t.Parallel()

	reply, offer := newPlanner(&fakeCalendar{}).PlanOffer(context.Background(), tenants.Tenant{}, signals.Signals{}, nil)
	require.Contains(t, reply, "missing calendar setup")
	require.Equal(t, ReasonMissingCalendarID, offer.CalendarCheck.Reason)
	require.Empty(t, offer.Slots)

	kinds := map[calendar.Kind]string{
		calendar.KindAuthError: "auth_error",
		calendar.KindHTTPError: "http_error",
		calendar.KindUnknown:   "unknown_error",
	}
	for kind, reason := range kinds {
		cal := &fakeCalendar{result: calendar.Result{Kind: kind, Err: errors.New("boom")}}
		reply, offer := newPlanner(cal).PlanOffer(context.Background(), withCalendar(), signals.Signals{}, nil)
		require.Contains(t, reply, "trouble reaching the calendar")
		require.Equal(t, reason, offer.CalendarCheck.Reason)
		require.False(t, offer.CalendarCheck.OK)
	}
}

func TestPlanOfferEmptyCalendar(t *testing.T) {
	t.Parallel()

	cal := &fakeCalendar{result: calendar.Result{Kind: calendar.KindOK}}
	reply, offer := newPlanner(cal).PlanOffer(context.Background(), withCalendar(), signals.Signals{}, nil)
	require.Equal(t, noAvailabilityReply, reply)
	require.Equal(t, ReasonNoSlotsReturned, offer.CalendarCheck.Reason)

	tenant := withCalendar()
	tenant.Settings.Booking.AvailabilityWindows = map[string][]tenants.Window{"sat": {{Start: "09:00", End: "12:00"}}}
	cal = &fakeCalendar{result: calendar.Result{Kind: calendar.KindOK, Slots: []time.Time{at(0, 9, 0)}}}
	_, offer = newPlanner(cal).PlanOffer(context.Background(), tenant, signals.Signals{}, nil)
	require.Equal(t, ReasonFilteredOutAll, offer.CalendarCheck.Reason)
	require.Equal(t, 0, offer.CalendarCheck.FilteredSlotsCount)
}

func TestOfferReplySingleSlot(t *testing.T) {
	t.Parallel()

	got := OfferReply(Display([]time.Time{at(2, 10, 30)}, london(t)))
	require.Equal(t, "I've got Wednesday 10:30 free. Does that work for you?", got)
}

func TestWeekdayResolvesRelativeDays(t *testing.T) {
	t.Parallel()

	now := at(4, 22, 0) // Friday evening
	wd, ok := Weekday("tomorrow", now, london(t))
	require.True(t, ok)
	require.Equal(t, time.Saturday, wd)

	wd, ok = Weekday(" Tuesday ", now, london(t))
	require.True(t, ok)
	require.Equal(t, time.Tuesday, wd)

	_, ok = Weekday("someday", now, london(t))
	require.False(t, ok)
}
