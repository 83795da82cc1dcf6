package leadconnector

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"bookingbot/pkg/calendar"
)

// Calendar adapts the client to calendar.Provider.
type Calendar struct {
	client *Client
}

// NewCalendar wraps client as a calendar provider.
func NewCalendar(client *Client) *Calendar {
	return &Calendar{client: client}
}

var _ calendar.Provider = (*Calendar)(nil)

// FreeSlots lists free start times. The response maps each day to its slots;
// slots are flattened in provider order and deduplicated.
func (c *Calendar) FreeSlots(ctx context.Context, req calendar.FreeSlotsRequest) calendar.Result {
	query := url.Values{}
	query.Set("startDate", strconv.FormatInt(req.Start.UnixMilli(), 10))
	query.Set("endDate", strconv.FormatInt(req.End.UnixMilli(), 10))
	if req.Timezone != "" {
		query.Set("timezone", req.Timezone)
	}

	resp, err := c.client.do(ctx, req.TenantID, http.MethodGet, "/calendars/"+url.PathEscape(req.CalendarID)+"/free-slots", query, nil)
	if err != nil {
		return calendar.Result{Kind: calendar.KindUnknown, Err: err}
	}
	switch {
	case resp.status == http.StatusUnauthorized:
		return calendar.Result{Kind: calendar.KindAuthError, Err: fmt.Errorf("free slots unauthorized: check token and calendars.readonly scope")}
	case resp.status < 200 || resp.status > 299:
		return calendar.Result{Kind: calendar.KindHTTPError, Err: fmt.Errorf("free slots status %d: %s", resp.status, resp.preview())}
	}

	slots, traceID, err := parseFreeSlots(resp.body)
	if err != nil {
		return calendar.Result{Kind: calendar.KindUnknown, Err: err}
	}
	return calendar.Result{Kind: calendar.KindOK, Slots: slots, TraceID: traceID}
}

type daySlots struct {
	Slots []string `json:"slots"`
}

func parseFreeSlots(body []byte) ([]time.Time, string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, "", fmt.Errorf("decode free slots: %w", err)
	}

	var traceID string
	if rawTrace, ok := raw["traceId"]; ok {
		_ = json.Unmarshal(rawTrace, &traceID)
		delete(raw, "traceId")
	}

	// Day keys are ISO dates, so sorting them restores provider order.
	days := make([]string, 0, len(raw))
	for day := range raw {
		days = append(days, day)
	}
	slices.Sort(days)

	seen := make(map[string]struct{})
	var slots []time.Time
	for _, day := range days {
		var blob daySlots
		if err := json.Unmarshal(raw[day], &blob); err != nil {
			continue
		}
		for _, s := range blob.Slots {
			if _, dup := seen[s]; dup {
				continue
			}
			at, err := time.Parse(time.RFC3339, s)
			if err != nil {
				continue
			}
			seen[s] = struct{}{}
			slots = append(slots, at.UTC())
		}
	}
	return slots, traceID, nil
}

type appointmentRequest struct {
	CalendarID string `json:"calendarId"`
	ContactID  string `json:"contactId"`
	StartTime  string `json:"startTime"`
	EndTime    string `json:"endTime"`
	Timezone   string `json:"timezone"`
	Title      string `json:"title"`
	LocationID string `json:"locationId,omitempty"`
}

// Book creates an appointment for the provider-side contact.
func (c *Calendar) Book(ctx context.Context, req calendar.BookingRequest) calendar.BookingResult {
	if req.ProviderContactID == "" {
		return calendar.BookingResult{Error: "no_ghl_contact_id"}
	}
	if req.CalendarID == "" {
		return calendar.BookingResult{Error: "missing_calendar_id"}
	}

	title := req.Title
	if title == "" {
		title = calendar.DefaultTitle
	}
	locationID := req.LocationID
	if locationID == "" {
		locationID = c.client.tokens.LocationID(ctx, req.TenantID)
	}

	loc, err := time.LoadLocation(req.Timezone)
	if err != nil {
		loc = time.UTC
	}
	body := appointmentRequest{
		CalendarID: req.CalendarID,
		ContactID:  req.ProviderContactID,
		StartTime:  req.Start.In(loc).Format(time.RFC3339),
		EndTime:    req.End.In(loc).Format(time.RFC3339),
		Timezone:   req.Timezone,
		Title:      title,
		LocationID: locationID,
	}

	c.client.log.Info("Booking slot",
		"tenant_id", req.TenantID,
		"calendar_id", req.CalendarID,
		"conversation_id", req.ConversationID,
		"idempotency_key", req.IdempotencyKey,
		"source", req.Metadata["source"],
		"start_time", body.StartTime,
	)

	resp, err := c.client.do(ctx, req.TenantID, http.MethodPost, "/calendars/events/appointments", nil, body)
	if err != nil {
		return calendar.BookingResult{Error: err.Error()}
	}

	c.client.log.Info("Booking response", "tenant_id", req.TenantID, "status", resp.status)

	if !resp.ok(http.StatusOK, http.StatusCreated) {
		return calendar.BookingResult{Error: fmt.Sprintf("ghl_api_error:%d", resp.status)}
	}

	data, err := resp.decode()
	if err != nil {
		return calendar.BookingResult{Error: err.Error()}
	}
	id := firstString(data, "id", "eventId")
	if id == "" {
		return calendar.BookingResult{Error: "ghl_missing_booking_id", Raw: data}
	}
	return calendar.BookingResult{Success: true, BookingID: id, Raw: data}
}

// Cancel deletes a booked appointment.
func (c *Calendar) Cancel(ctx context.Context, tenantID, bookingID string) error {
	resp, err := c.client.do(ctx, tenantID, http.MethodDelete, "/calendars/events/"+url.PathEscape(bookingID), nil, nil)
	if err != nil {
		return err
	}
	if !resp.ok(http.StatusOK, http.StatusNoContent) {
		return fmt.Errorf("cancel booking %s: status %d: %s", bookingID, resp.status, resp.preview())
	}
	return nil
}
