package calendar

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

const stubTraceID = "stub-trace-id"

// StubOptions selects which calls a Stubbed provider answers locally.
type StubOptions struct {
	// Slots answers FreeSlots with fixed slots, or generated ones when nil.
	Slots      bool
	FixedSlots []time.Time
	// Booking answers Book with a stub booking id.
	Booking bool
}

// Stubbed wraps a real provider and answers the selected calls deterministically.
type Stubbed struct {
	next Provider
	opts StubOptions
	now  func() time.Time
}

// WithStubs wraps p. A nil p is allowed when every call it would serve is stubbed.
func WithStubs(p Provider, opts StubOptions) Provider {
	if !opts.Slots && !opts.Booking && p != nil {
		return p
	}
	return &Stubbed{next: p, opts: opts, now: time.Now}
}

func (s *Stubbed) FreeSlots(ctx context.Context, req FreeSlotsRequest) Result {
	if !s.opts.Slots {
		if s.next == nil {
			return Result{Kind: KindUnknown, Err: errNoProvider}
		}
		return s.next.FreeSlots(ctx, req)
	}

	if s.opts.FixedSlots != nil {
		return Result{Kind: KindOK, Slots: slices.Clone(s.opts.FixedSlots), TraceID: stubTraceID}
	}

	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		loc = time.UTC
	}
	start := req.Start
	if start.IsZero() {
		start = s.now()
	}
	end := req.End
	if end.IsZero() {
		end = start.Add(7 * 24 * time.Hour)
	}
	return Result{Kind: KindOK, Slots: GenerateSlots(start, end, loc), TraceID: stubTraceID}
}

func (s *Stubbed) Book(ctx context.Context, req BookingRequest) BookingResult {
	if !s.opts.Booking {
		if s.next == nil {
			return BookingResult{Error: errNoProvider.Error()}
		}
		return s.next.Book(ctx, req)
	}

	return BookingResult{
		Success:   true,
		BookingID: stubBookingID(req.IdempotencyKey),
		Raw:       map[string]any{"stub": true},
	}
}

// stubBookingID is stable for a given idempotency key and random without one.
func stubBookingID(key string) string {
	if key == "" {
		return "stub-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	sum := sha256.Sum256([]byte(key))
	return "stub-" + hex.EncodeToString(sum[:])[:12]
}

func (s *Stubbed) Cancel(ctx context.Context, tenantID, bookingID string) error {
	if strings.HasPrefix(bookingID, "stub-") {
		return nil
	}
	if s.next == nil {
		return errNoProvider
	}
	return s.next.Cancel(ctx, tenantID, bookingID)
}

// stubHours are the local start times offered on weekdays.
var stubHours = []int{9, 11, 14, 16}

// GenerateSlots lists weekday slots at 09:00, 11:00, 14:00 and 16:00 local
// time that fall in [start, end).
func GenerateSlots(start, end time.Time, loc *time.Location) []time.Time {
	var out []time.Time
	day := start.In(loc)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	for ; day.Before(end); day = day.AddDate(0, 0, 1) {
		if wd := day.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		for _, h := range stubHours {
			slot := time.Date(day.Year(), day.Month(), day.Day(), h, 0, 0, 0, loc)
			if !slot.Before(start) && slot.Before(end) {
				out = append(out, slot.UTC())
			}
		}
	}
	return out
}
