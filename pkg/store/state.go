package store

import "time"

// State is the in-flight booking state of a conversation.
type State struct {
	Version            int64           `json:"version"`
	LastStep           string          `json:"last_step,omitempty"`
	LastOffer          *Offer          `json:"last_offer,omitempty"`
	BookedBooking      *BookedBooking  `json:"booked_booking,omitempty"`
	HandoffRequestedAt *time.Time      `json:"handoff_requested_at,omitempty"`
	DeclinedAt         *time.Time      `json:"declined_at,omitempty"`
	LeadTouchpoint     *LeadTouchpoint `json:"lead_touchpoint,omitempty"`
	Debug              Debug           `json:"debug"`
}

// Debug holds diagnostic snapshots.
type Debug struct {
	LastRun *DebugSnapshot `json:"last_run,omitempty"`
}

// StatePatch is a partial update. Nil fields leave the current value alone.
type StatePatch struct {
	LastStep           *string
	LastOffer          *Offer
	ClearLastOffer     bool
	BookedBooking      *BookedBooking
	HandoffRequestedAt *time.Time
	DeclinedAt         *time.Time
	LeadTouchpoint     *LeadTouchpoint
	LastRun            *DebugSnapshot
}

// Empty reports whether applying the patch would change nothing.
func (p StatePatch) Empty() bool {
	return p.LastStep == nil && p.LastOffer == nil && !p.ClearLastOffer &&
		p.BookedBooking == nil && p.HandoffRequestedAt == nil && p.DeclinedAt == nil &&
		p.LeadTouchpoint == nil && p.LastRun == nil
}

// Merge returns s with p applied and the version bumped. An empty patch returns s unchanged.
// ClearLastOffer wins over LastOffer.
func (s State) Merge(p StatePatch) State {
	if p.Empty() {
		return s
	}

	next := s
	if p.LastStep != nil {
		next.LastStep = *p.LastStep
	}
	if p.LastOffer != nil {
		offer := *p.LastOffer
		next.LastOffer = &offer
	}
	if p.ClearLastOffer {
		next.LastOffer = nil
	}
	if p.BookedBooking != nil {
		booking := *p.BookedBooking
		next.BookedBooking = &booking
	}
	if p.HandoffRequestedAt != nil {
		at := *p.HandoffRequestedAt
		next.HandoffRequestedAt = &at
	}
	if p.DeclinedAt != nil {
		at := *p.DeclinedAt
		next.DeclinedAt = &at
	}
	if p.LeadTouchpoint != nil {
		touch := *p.LeadTouchpoint
		next.LeadTouchpoint = &touch
	}
	if p.LastRun != nil {
		run := *p.LastRun
		next.Debug.LastRun = &run
	}

	next.Version = s.Version + 1
	return next
}
