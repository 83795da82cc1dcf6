package signals

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Route names produced by the pattern router.
const (
	RouteOfferSlots        = "offer_slots"
	RouteClarifyTimeWindow = "clarify_time_window"
	RouteClarifyDayTime    = "clarify_day_time"
)

// Time windows.
const (
	WindowMorning   = "morning"
	WindowAfternoon = "afternoon"
	WindowEvening   = "evening"
)

// Relative day names. Weekday names are the lowercase English day names.
const (
	DayToday    = "today"
	DayTomorrow = "tomorrow"
)

// negationLookback is how many characters before a day mention are scanned for a negation.
const negationLookback = 50

// Signals are the scheduling hints found in one message. Empty fields mean "not mentioned".
type Signals struct {
	Day          string `json:"day,omitempty"`
	TimeWindow   string `json:"time_window,omitempty"`
	ExplicitTime string `json:"explicit_time,omitempty"`
	ExplicitDate int    `json:"explicit_date,omitempty"`
	RawText      string `json:"-"`
}

// HasDay reports whether a weekday, relative day, or day-of-month was found.
func (s Signals) HasDay() bool {
	return s.Day != "" || s.ExplicitDate != 0
}

// HasTime reports whether a time window or a clock time was found.
func (s Signals) HasTime() bool {
	return s.TimeWindow != "" || s.ExplicitTime != ""
}

// RouteInfo is the pattern router's decision for one message.
type RouteInfo struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
	Signals    Signals `json:"signals"`
}

type dayPattern struct {
	re  *regexp.Regexp
	day string
}

var dayPatterns = []dayPattern{
	{regexp.MustCompile(`\b(mon|monday|mondays)\b`), "monday"},
	{regexp.MustCompile(`\b(tue|tues|tuesday|tuesdays)\b`), "tuesday"},
	{regexp.MustCompile(`\b(wed|wednesday|wednesdays)\b`), "wednesday"},
	{regexp.MustCompile(`\b(thu|thurs|thursday|thursdays)\b`), "thursday"},
	{regexp.MustCompile(`\b(fri|friday|fridays)\b`), "friday"},
	{regexp.MustCompile(`\b(sat|saturday|saturdays)\b`), "saturday"},
	{regexp.MustCompile(`\b(sun|sunday|sundays)\b`), "sunday"},
	{regexp.MustCompile(`\btoday\b`), DayToday},
	{regexp.MustCompile(`\btomorrow\b`), DayTomorrow},
}

var windowPatterns = []struct {
	re     *regexp.Regexp
	window string
}{
	{regexp.MustCompile(`\bmorning\b`), WindowMorning},
	{regexp.MustCompile(`\bafternoon\b`), WindowAfternoon},
	{regexp.MustCompile(`\bevening\b`), WindowEvening},
}

var (
	timeRe     = regexp.MustCompile(`\b(\d{1,2})(?::(\d{2}))?\s*(am|pm)?\b`)
	ordinalRe  = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)\b`)
	monthNames = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|jun(?:e)?|jul(?:y)?|aug(?:ust)?|sep(?:tember)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`
	monthDayRe = regexp.MustCompile(`\b(?:` + monthNames + `)\s+(\d{1,2})\b|\b(\d{1,2})\s+(?:` + monthNames + `)\b`)
	negationRe = regexp.MustCompile(`\b(can't|cannot|doesn't|don't|wont|won't|not|no|never|doesnt|doesn't work|can't do|won't work|wont work|doesn't suit|not available)\b`)
)

type dayMention struct {
	day string
	pos int
}

// Extract pulls day, time window, clock time and day-of-month hints out of free text.
func Extract(text string) Signals {
	t := strings.ToLower(strings.TrimSpace(text))
	s := Signals{RawText: text}

	s.Day = pickDay(t)

	for _, p := range windowPatterns {
		if p.re.MatchString(t) {
			s.TimeWindow = p.window
			break
		}
	}

	if m := timeRe.FindStringSubmatch(t); m != nil {
		minutes := m[2]
		if minutes == "" {
			minutes = "00"
		}
		s.ExplicitTime = m[1] + ":" + minutes + m[3]
		if s.TimeWindow == "" {
			if hour, err := strconv.Atoi(m[1]); err == nil {
				s.TimeWindow = WindowForHour(hour)
			}
		}
	}

	s.ExplicitDate = explicitDate(t)

	return s
}

// pickDay returns the earliest day mention that is not preceded by a negation.
// When every mention is negated the last one wins, since that is usually the pivot.
func pickDay(t string) string {
	var mentions []dayMention
	for _, p := range dayPatterns {
		for _, loc := range p.re.FindAllStringIndex(t, -1) {
			mentions = append(mentions, dayMention{day: p.day, pos: loc[0]})
		}
	}
	if len(mentions) == 0 {
		return ""
	}

	sort.SliceStable(mentions, func(i, j int) bool { return mentions[i].pos < mentions[j].pos })

	for _, m := range mentions {
		start := max(0, m.pos-negationLookback)
		if !negationRe.MatchString(t[start:m.pos]) {
			return m.day
		}
	}

	return mentions[len(mentions)-1].day
}

func explicitDate(t string) int {
	if m := monthDayRe.FindStringSubmatch(t); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if d, err := strconv.Atoi(raw); err == nil && d >= 1 && d <= 31 {
			return d
		}
		return 0
	}

	if m := ordinalRe.FindStringSubmatch(t); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil && d >= 1 && d <= 31 {
			return d
		}
	}

	return 0
}

// WindowForHour infers a time window from a bare hour. Hours below 7 are read as pm.
func WindowForHour(hour int) string {
	if hour < 7 {
		hour += 12
	}

	switch {
	case hour >= 5 && hour < 12:
		return WindowMorning
	case hour >= 12 && hour < 17:
		return WindowAfternoon
	default:
		return WindowEvening
	}
}

// Route maps extracted signals to a pattern route.
func Route(s Signals) RouteInfo {
	switch {
	case s.HasDay() && s.HasTime():
		return RouteInfo{Route: RouteOfferSlots, Confidence: 0.85, Signals: s}
	case s.HasDay():
		return RouteInfo{Route: RouteClarifyTimeWindow, Confidence: 0.7, Signals: s}
	default:
		return RouteInfo{Route: RouteClarifyDayTime, Confidence: 0.5, Signals: s}
	}
}

// RouteText extracts signals from text and routes them.
func RouteText(text string) RouteInfo {
	return Route(Extract(text))
}

// ComposeReply builds the one-question clarifying reply for a pattern route.
func ComposeReply(info RouteInfo) string {
	ref := reflection(info.Signals)

	switch info.Route {
	case RouteOfferSlots:
		if ref != "" {
			return fmt.Sprintf("Got it, %s. I'll check what's available and send you the closest options. Does that work?", ref)
		}
		return "Got it. I'll check what's available and send you the closest options. Does that work?"
	case RouteClarifyTimeWindow:
		if ref != "" {
			return fmt.Sprintf("Great, %s works. Do you prefer morning, afternoon, or evening?", ref)
		}
		return "Great. Do you prefer morning, afternoon, or evening?"
	default:
		return "No problem, what day works for you, and would morning, afternoon, or evening be best?"
	}
}

// reflection echoes back what the lead asked for, e.g. "Friday afternoon around 2:00pm".
func reflection(s Signals) string {
	parts := make([]string, 0, 3)
	if s.Day != "" {
		parts = append(parts, DisplayDay(s.Day))
	}
	if s.TimeWindow != "" {
		parts = append(parts, s.TimeWindow)
	}
	if s.ExplicitTime != "" {
		parts = append(parts, "around "+s.ExplicitTime)
	}

	return strings.Join(parts, " ")
}

// DisplayDay capitalizes weekday names and leaves relative days lowercase.
func DisplayDay(day string) string {
	if day == "" || day == DayToday || day == DayTomorrow {
		return day
	}

	return strings.ToUpper(day[:1]) + day[1:]
}
