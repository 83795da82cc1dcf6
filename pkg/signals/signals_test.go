package signals

import "testing"

func TestExtractDay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want string
	}{
		{name: "plain weekday", text: "Friday works", want: "friday"},
		{name: "abbreviation", text: "how about tues", want: "tuesday"},
		{name: "plural", text: "mondays are good", want: "monday"},
		{name: "negated then affirmative", text: "Tuesday doesn't work, how about Friday?", want: "friday"},
		{name: "all negated picks last", text: "not monday, can't do wednesday", want: "wednesday"},
		{name: "earliest affirmative", text: "thursday or friday", want: "thursday"},
		{name: "relative day", text: "can you fit me in tomorrow", want: "tomorrow"},
		{name: "no day", text: "hello there", want: ""},
		{name: "word boundary", text: "monsoon season", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Extract(tt.text).Day; got != tt.want {
				t.Fatalf("Extract(%q).Day = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		wantTime   string
		wantWindow string
	}{
		{text: "friday morning please", wantTime: "", wantWindow: WindowMorning},
		{text: "can I do 4:35?", wantTime: "4:35", wantWindow: WindowAfternoon},
		{text: "how about 6pm", wantTime: "6:00pm", wantWindow: WindowEvening},
		{text: "10 am on monday", wantTime: "10:00am", wantWindow: WindowMorning},
		{text: "14:00 is good", wantTime: "14:00", wantWindow: WindowAfternoon},
		{text: "evening at 9", wantTime: "9:00", wantWindow: WindowEvening},
	}

	for _, tt := range tests {
		got := Extract(tt.text)
		if got.ExplicitTime != tt.wantTime {
			t.Fatalf("Extract(%q).ExplicitTime = %q, want %q", tt.text, got.ExplicitTime, tt.wantTime)
		}
		if got.TimeWindow != tt.wantWindow {
			t.Fatalf("Extract(%q).TimeWindow = %q, want %q", tt.text, got.TimeWindow, tt.wantWindow)
		}
	}
}

func TestExtractExplicitDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want int
	}{
		{text: "friday 6th", want: 6},
		{text: "March 21", want: 21},
		{text: "21 march", want: 21},
		{text: "the 32nd", want: 0},
		{text: "no date here", want: 0},
	}

	for _, tt := range tests {
		if got := Extract(tt.text).ExplicitDate; got != tt.want {
			t.Fatalf("Extract(%q).ExplicitDate = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func TestWindowForHour(t *testing.T) {
	t.Parallel()

	cases := map[int]string{
		1:  WindowAfternoon,
		5:  WindowEvening,
		7:  WindowMorning,
		11: WindowMorning,
		12: WindowAfternoon,
		16: WindowAfternoon,
		17: WindowEvening,
		23: WindowEvening,
	}
	for hour, want := range cases {
		if got := WindowForHour(hour); got != want {
			t.Fatalf("WindowForHour(%d) = %q, want %q", hour, got, want)
		}
	}
}

func TestRoute(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text       string
		wantRoute  string
		confidence float64
	}{
		{text: "friday afternoon", wantRoute: RouteOfferSlots, confidence: 0.85},
		{text: "the 6th at 2pm", wantRoute: RouteOfferSlots, confidence: 0.85},
		{text: "monday", wantRoute: RouteClarifyTimeWindow, confidence: 0.7},
		{text: "hi", wantRoute: RouteClarifyDayTime, confidence: 0.5},
		{text: "afternoon works", wantRoute: RouteClarifyDayTime, confidence: 0.5},
	}

	for _, tt := range tests {
		got := RouteText(tt.text)
		if got.Route != tt.wantRoute {
			t.Fatalf("RouteText(%q).Route = %q, want %q", tt.text, got.Route, tt.wantRoute)
		}
		if got.Confidence != tt.confidence {
			t.Fatalf("RouteText(%q).Confidence = %v, want %v", tt.text, got.Confidence, tt.confidence)
		}
	}
}

func TestComposeReply(t *testing.T) {
	t.Parallel()

	tests := []struct {
		text string
		want string
	}{
		{
			text: "Friday afternoon",
			want: "Got it, Friday afternoon. I'll check what's available and send you the closest options. Does that work?",
		},
		{
			text: "tomorrow",
			want: "Great, tomorrow works. Do you prefer morning, afternoon, or evening?",
		},
		{
			text: "whenever",
			want: "No problem, what day works for you, and would morning, afternoon, or evening be best?",
		},
		{
			text: "monday at 3pm",
			want: "Got it, Monday afternoon around 3:00pm. I'll check what's available and send you the closest options. Does that work?",
		},
	}

	for _, tt := range tests {
		if got := ComposeReply(RouteText(tt.text)); got != tt.want {
			t.Fatalf("ComposeReply(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestDisplayDay(t *testing.T) {
	t.Parallel()

	if got := DisplayDay("friday"); got != "Friday" {
		t.Fatalf("DisplayDay(friday) = %q, want %q", got, "Friday")
	}
	if got := DisplayDay(DayToday); got != DayToday {
		t.Fatalf("DisplayDay(today) = %q, want %q", got, DayToday)
	}
}
