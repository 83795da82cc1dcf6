package calendar

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateSlotsSkipsWeekendsAndBounds(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Europe/London")
	require.NoError(t, err)

	// Friday 10:00 to Monday 12:00.
	start := time.Date(2026, 1, 9, 10, 0, 0, 0, loc)
	end := time.Date(2026, 1, 12, 12, 0, 0, 0, loc)

	got := GenerateSlots(start, end, loc)
	var display []string
	for _, s := range got {
		display = append(display, s.In(loc).Format("Mon 15:04"))
	}
	require.Equal(t, []string{"Fri 11:00", "Fri 14:00", "Fri 16:00", "Mon 09:00", "Mon 11:00"}, display)
}

func TestStubbedFixedSlotsAndBooking(t *testing.T) {
	t.Parallel()

	fixed := []time.Time{time.Date(2026, 1, 30, 9, 0, 0, 0, time.UTC)}
	p := WithStubs(nil, StubOptions{Slots: true, FixedSlots: fixed, Booking: true})

	res := p.FreeSlots(context.Background(), FreeSlotsRequest{})
	require.Equal(t, KindOK, res.Kind)
	require.Equal(t, fixed, res.Slots)
	require.Equal(t, stubTraceID, res.TraceID)

	booked := p.Book(context.Background(), BookingRequest{})
	require.True(t, booked.Success)
	require.True(t, strings.HasPrefix(booked.BookingID, "stub-"))
	require.Len(t, booked.BookingID, len("stub-")+12)

	require.NoError(t, p.Cancel(context.Background(), "t1", booked.BookingID))
	require.Error(t, p.Cancel(context.Background(), "t1", "real-id"))
}

func TestStubbedBookingIDFollowsIdempotencyKey(t *testing.T) {
	t.Parallel()

	p := WithStubs(nil, StubOptions{Booking: true})
	key := BookingKey("evt-1", "conv-1")
	require.Equal(t, "evt-1:conv-1", key)

	first := p.Book(context.Background(), BookingRequest{IdempotencyKey: key})
	replay := p.Book(context.Background(), BookingRequest{IdempotencyKey: key})
	other := p.Book(context.Background(), BookingRequest{IdempotencyKey: BookingKey("evt-2", "conv-1")})

	require.Equal(t, first.BookingID, replay.BookingID)
	require.NotEqual(t, first.BookingID, other.BookingID)
	require.Len(t, first.BookingID, len("stub-")+12)
}

type recordingProvider struct {
	freeCalls int
	bookCalls int
}

func (r *recordingProvider) FreeSlots(context.Context, FreeSlotsRequest) Result {
	r.freeCalls++
	return Result{Kind: KindHTTPError}
}

func (r *recordingProvider) Book(context.Context, BookingRequest) BookingResult {
	r.bookCalls++
	return BookingResult{Success: true, BookingID: "real"}
}

func (r *recordingProvider) Cancel(context.Context, string, string) error { return nil }

func TestStubbedDelegatesUnstubbedCalls(t *testing.T) {
	t.Parallel()

	backend := &recordingProvider{}
	require.Same(t, Provider(backend), WithStubs(backend, StubOptions{}))

	p := WithStubs(backend, StubOptions{Booking: true})
	require.Equal(t, KindHTTPError, p.FreeSlots(context.Background(), FreeSlotsRequest{}).Kind)
	require.Equal(t, 1, backend.freeCalls)

	p.Book(context.Background(), BookingRequest{})
	require.Equal(t, 0, backend.bookCalls)
}

func TestKindString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "auth_error", KindAuthError.String())
	require.Equal(t, "http_error", KindHTTPError.String())
	require.Equal(t, "unknown_error", KindUnknown.String())
}

func TestRegistryFor(t *testing.T) {
	t.Parallel()

	r := Registry{"leadconnector": &recordingProvider{}, "broken": nil}
	_, ok := r.For("leadconnector")
	require.True(t, ok)
	_, ok = r.For("broken")
	require.False(t, ok)
	_, ok = r.For("missing")
	require.False(t, ok)
}
