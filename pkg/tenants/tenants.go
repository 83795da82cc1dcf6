package tenants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ErrNotFound is returned when no enabled tenant matches.
var ErrNotFound = errors.New("tenant not found")

const (
	defaultTimezone     = "Europe/London"
	defaultSlotDuration = 60 * time.Minute
	defaultOfferExpiry  = 2 * time.Hour
	defaultModel        = "stub"
	defaultAdapter      = "leadconnector"
)

// Tenant is one business using the booking agent. The core never mutates it.
type Tenant struct {
	ID               string   `json:"id"`
	Slug             string   `json:"slug"`
	Name             string   `json:"name"`
	Enabled          bool     `json:"enabled"`
	CalendarAdapter  string   `json:"calendar_adapter,omitempty"`
	MessagingAdapter string   `json:"messaging_adapter,omitempty"`
	Settings         Settings `json:"settings"`
}

// Settings is the tenant-level configuration surface.
type Settings struct {
	Timezone  string            `json:"timezone,omitempty"`
	Calendar  CalendarSettings  `json:"calendar"`
	Booking   BookingSettings   `json:"booking"`
	LLM       LLMSettings       `json:"llm"`
	Messaging MessagingSettings `json:"messaging"`
	Bot       BotSettings       `json:"bot"`
}

// CalendarSettings identifies the tenant's calendar.
type CalendarSettings struct {
	ID                  string `json:"id,omitempty"`
	Timezone            string `json:"timezone,omitempty"`
	SlotDurationMinutes int    `json:"slot_duration_minutes,omitempty"`
	LocationID          string `json:"location_id,omitempty"`
}

// Window is a local [Start, End) range in "HH:MM".
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// BookingSettings restricts which slots may be offered.
type BookingSettings struct {
	// AvailabilityWindows is keyed by "mon".."sun". Nil means unrestricted;
	// a day without windows is unavailable.
	AvailabilityWindows map[string][]Window `json:"availability_windows,omitempty"`
}

// LLMSettings tunes the intent classifier for the tenant.
type LLMSettings struct {
	Enabled       *bool   `json:"enabled,omitempty"`
	Model         string  `json:"model,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	PromptVersion string  `json:"prompt_version,omitempty"`
}

// MessagingSettings controls outbound delivery.
type MessagingSettings struct {
	DryRun bool `json:"dry_run,omitempty"`
}

// BotSettings shapes the conversational voice.
type BotSettings struct {
	FirstTouchTemplate string `json:"first_touch_template,omitempty"`
	Context            string `json:"context,omitempty"`
	Persona            string `json:"persona,omitempty"`
	OfferExpiryMinutes int    `json:"offer_expiry_minutes,omitempty"`
	HandoffWebhookURL  string `json:"handoff_webhook_url,omitempty"`
}

// Location resolves the tenant timezone: settings, then calendar, then Europe/London.
// An unknown zone name falls back to the default.
func (t Tenant) Location() *time.Location {
	for _, name := range []string{t.Settings.Timezone, t.Settings.Calendar.Timezone, defaultTimezone} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// SlotDuration is the length of a booked appointment.
func (t Tenant) SlotDuration() time.Duration {
	if m := t.Settings.Calendar.SlotDurationMinutes; m > 0 {
		return time.Duration(m) * time.Minute
	}
	return defaultSlotDuration
}

// OfferExpiry is how long offered slots stay bookable.
func (t Tenant) OfferExpiry() time.Duration {
	if m := t.Settings.Bot.OfferExpiryMinutes; m > 0 {
		return time.Duration(m) * time.Minute
	}
	return defaultOfferExpiry
}

// Model returns the classifier model, or fallback when the tenant sets none.
func (t Tenant) Model(fallback string) string {
	if m := strings.TrimSpace(t.Settings.LLM.Model); m != "" {
		return m
	}
	if fallback = strings.TrimSpace(fallback); fallback != "" {
		return fallback
	}
	return defaultModel
}

// LLMEnabled reports whether the classifier may be called for this tenant.
func (t Tenant) LLMEnabled(model string) bool {
	if t.Settings.LLM.Enabled != nil && !*t.Settings.LLM.Enabled {
		return false
	}
	model = strings.TrimSpace(model)
	return model != "" && model != defaultModel
}

// Calendar returns the calendar adapter name.
func (t Tenant) Calendar() string {
	if t.CalendarAdapter != "" {
		return t.CalendarAdapter
	}
	return defaultAdapter
}

// Messaging returns the messaging adapter name.
func (t Tenant) Messaging() string {
	if t.MessagingAdapter != "" {
		return t.MessagingAdapter
	}
	return defaultAdapter
}

// Directory resolves tenants.
type Directory interface {
	BySlug(ctx context.Context, slug string) (Tenant, error)
	ByID(ctx context.Context, id string) (Tenant, error)
}

// Static is an in-memory directory, typically loaded from a JSON file.
type Static struct {
	bySlug map[string]Tenant
	byID   map[string]Tenant
}

// NewStatic indexes the given tenants by slug and id.
func NewStatic(list []Tenant) *Static {
	s := &Static{
		bySlug: make(map[string]Tenant, len(list)),
		byID:   make(map[string]Tenant, len(list)),
	}
	for _, t := range list {
		s.bySlug[t.Slug] = t
		s.byID[t.ID] = t
	}
	return s
}

// LoadFile reads a JSON array of tenants.
func LoadFile(path string) (*Static, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}

	var list []Tenant
	if err := json.Unmarshal(content, &list); err != nil {
		return nil, fmt.Errorf("parse tenants file: %w", err)
	}
	return NewStatic(list), nil
}

func (s *Static) BySlug(_ context.Context, slug string) (Tenant, error) {
	t, ok := s.bySlug[strings.TrimSpace(slug)]
	if !ok || !t.Enabled {
		return Tenant{}, fmt.Errorf("slug %q: %w", slug, ErrNotFound)
	}
	return t, nil
}

func (s *Static) ByID(_ context.Context, id string) (Tenant, error) {
	t, ok := s.byID[id]
	if !ok {
		return Tenant{}, fmt.Errorf("id %q: %w", id, ErrNotFound)
	}
	return t, nil
}
