package slots

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"bookingbot/pkg/signals"
	"bookingbot/pkg/tenants"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

var windowHours = map[string][2]int{
	signals.WindowMorning:   {0, 12},
	signals.WindowAfternoon: {12, 17},
	signals.WindowEvening:   {17, 24},
}

// Chronological returns a sorted copy of slots.
func Chronological(slots []time.Time) []time.Time {
	out := slices.Clone(slots)
	slices.SortStableFunc(out, func(a, b time.Time) int { return a.Compare(b) })
	return out
}

// FilterWindows keeps slots inside the tenant's availability windows, in local time.
// A nil or empty map means no restriction; a weekday without windows is unavailable.
func FilterWindows(slots []time.Time, windows map[string][]tenants.Window, loc *time.Location) []time.Time {
	if len(windows) == 0 {
		return Chronological(slots)
	}

	var out []time.Time
	for _, slot := range slots {
		local := slot.In(loc)
		key := strings.ToLower(local.Weekday().String()[:3])
		clock := local.Format("15:04")
		for _, w := range windows[key] {
			start, end := w.Start, w.End
			if start == "" {
				start = "00:00"
			}
			if end == "" {
				end = "23:59"
			}
			if start <= clock && clock < end {
				out = append(out, slot)
				break
			}
		}
	}
	return Chronological(out)
}

// FilterSignals keeps slots matching the day, time window and day-of-month hints.
// A day-of-month that matches nothing is ignored rather than emptying the set.
func FilterSignals(slots []time.Time, sig signals.Signals, loc *time.Location, now time.Time) []time.Time {
	today := now.In(loc)
	tomorrow := today.AddDate(0, 0, 1)

	var out []time.Time
	for _, slot := range slots {
		local := slot.In(loc)
		switch day := sig.Day; {
		case day == "":
		case day == signals.DayToday:
			if !sameDate(local, today) {
				continue
			}
		case day == signals.DayTomorrow:
			if !sameDate(local, tomorrow) {
				continue
			}
		default:
			if wd, ok := weekdays[day]; ok && local.Weekday() != wd {
				continue
			}
		}
		if hours, ok := windowHours[sig.TimeWindow]; ok {
			if local.Hour() < hours[0] || local.Hour() >= hours[1] {
				continue
			}
		}
		out = append(out, slot)
	}

	if sig.ExplicitDate > 0 {
		var dated []time.Time
		for _, slot := range out {
			if slot.In(loc).Day() == sig.ExplicitDate {
				dated = append(dated, slot)
			}
		}
		if len(dated) > 0 {
			out = dated
		}
	}
	return Chronological(out)
}

// FloorAt keeps slots at or after the given local clock hour. Flooring that
// would remove every slot is skipped.
func FloorAt(slots []time.Time, floor float64, loc *time.Location) []time.Time {
	var out []time.Time
	for _, slot := range slots {
		if clockHour(slot.In(loc)) >= floor {
			out = append(out, slot)
		}
	}
	if len(out) == 0 {
		return slots
	}
	return out
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func clockHour(local time.Time) float64 {
	return float64(local.Hour()) + float64(local.Minute())/60
}

// Category buckets a local time into morning (<12), afternoon (<17) or evening.
func Category(local time.Time) string {
	switch h := local.Hour(); {
	case h < 12:
		return signals.WindowMorning
	case h < 17:
		return signals.WindowAfternoon
	default:
		return signals.WindowEvening
	}
}

func contrastOf(category string) string {
	if category == signals.WindowMorning {
		return signals.WindowAfternoon
	}
	return signals.WindowMorning
}

// PickTwo chooses up to two slots to offer, returned chronologically.
//
// With a target hour the two closest to it win. Otherwise A is the earliest
// candidate and B the first slot in pool from the contrasting part of the day,
// falling back to the second candidate.
func PickTwo(candidates, pool []time.Time, loc *time.Location, targetHour *float64) []time.Time {
	sorted := Chronological(candidates)
	if len(sorted) == 0 {
		return nil
	}

	if targetHour != nil {
		return closest(sorted, *targetHour, loc, 2)
	}

	a := sorted[0]
	want := contrastOf(Category(a.In(loc)))
	if len(pool) == 0 {
		pool = sorted
	}
	for _, s := range Chronological(pool) {
		if !s.Equal(a) && Category(s.In(loc)) == want {
			return Chronological([]time.Time{a, s})
		}
	}
	if len(sorted) > 1 {
		return sorted[:2]
	}
	return sorted[:1]
}

func closest(slots []time.Time, target float64, loc *time.Location, n int) []time.Time {
	ranked := slices.Clone(slots)
	slices.SortStableFunc(ranked, func(a, b time.Time) int {
		return cmp.Compare(distance(a, target, loc), distance(b, target, loc))
	})
	return Chronological(ranked[:min(n, len(ranked))])
}

func distance(slot time.Time, target float64, loc *time.Location) float64 {
	d := clockHour(slot.In(loc)) - target
	if d < 0 {
		return -d
	}
	return d
}

func onDay(slots []time.Time, day string, loc *time.Location) []time.Time {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(day))]
	if !ok {
		return slots
	}
	var out []time.Time
	for _, s := range slots {
		if s.In(loc).Weekday() == wd {
			out = append(out, s)
		}
	}
	return out
}

// Nearest finds the slot closest to targetHour, restricted to day when it names
// a weekday. ok is false when the best slot is further away than tolerance.
func Nearest(slots []time.Time, day string, targetHour float64, loc *time.Location, tolerance time.Duration) (time.Time, bool) {
	var (
		best     time.Time
		bestDiff = -1.0
	)
	for _, s := range Chronological(onDay(slots, day, loc)) {
		if d := distance(s, targetHour, loc); bestDiff < 0 || d < bestDiff {
			best, bestDiff = s, d
		}
	}
	if bestDiff < 0 || bestDiff > tolerance.Hours() {
		return time.Time{}, false
	}
	return best, true
}

// TwoNearest returns the two slots closest to targetHour with no tolerance cap.
func TwoNearest(slots []time.Time, day string, targetHour float64, loc *time.Location) []time.Time {
	return closest(Chronological(onDay(slots, day, loc)), targetHour, loc, 2)
}

// ParseClockHour turns "4:35", "9am" or "16:00" into a fractional hour.
// Hours below 8 without am/pm are read as afternoon.
func ParseClockHour(text string) (float64, bool) {
	raw := strings.ToLower(strings.TrimSpace(text))
	pm := strings.Contains(raw, "pm")
	am := strings.Contains(raw, "am")
	raw = strings.TrimSpace(strings.NewReplacer("am", "", "pm", "").Replace(raw))

	hourText, minuteText, _ := strings.Cut(raw, ":")
	h, err := strconv.Atoi(strings.TrimSpace(hourText))
	if err != nil {
		return 0, false
	}
	m := 0
	if minuteText != "" {
		if m, err = strconv.Atoi(strings.TrimSpace(minuteText)); err != nil {
			return 0, false
		}
	}

	switch {
	case pm && h != 12:
		h += 12
	case !am && !pm && h < 8:
		h += 12
	}
	return float64(h) + float64(m)/60, true
}

// Weekday resolves a day hint ("friday", "today", "tomorrow") to a weekday in loc.
func Weekday(day string, now time.Time, loc *time.Location) (time.Weekday, bool) {
	switch day = strings.ToLower(strings.TrimSpace(day)); day {
	case signals.DayToday:
		return now.In(loc).Weekday(), true
	case signals.DayTomorrow:
		return now.In(loc).AddDate(0, 0, 1).Weekday(), true
	default:
		wd, ok := weekdays[day]
		return wd, ok
	}
}
