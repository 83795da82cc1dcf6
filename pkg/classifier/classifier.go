// Package classifier asks an LLM to classify a lead's latest message into a
// booking intent and, for some intents, to draft the reply.
package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"bookingbot/pkg/provider"
	providertypes "bookingbot/pkg/provider/types"
	"bookingbot/pkg/signals"
)

// Intent is the classified purpose of an inbound message.
type Intent string

const (
	IntentDecline             Intent = "decline"
	IntentWantsHuman          Intent = "wants_human"
	IntentReschedule          Intent = "reschedule"
	IntentSelectSlot          Intent = "select_slot"
	IntentRequestSpecificTime Intent = "request_specific_time"
	IntentRequestSlots        Intent = "request_slots"
	IntentUnclear             Intent = "unclear"
)

var knownIntents = map[Intent]bool{
	IntentDecline:             true,
	IntentWantsHuman:          true,
	IntentReschedule:          true,
	IntentSelectSlot:          true,
	IntentRequestSpecificTime: true,
	IntentRequestSlots:        true,
	IntentUnclear:             true,
}

// Reasons recorded in Result.Error.
const (
	ReasonDisabled            = "llm_disabled"
	ReasonReturnedNone        = "llm_returned_none"
	ReasonInvalidJSON         = "llm_invalid_json"
	ReasonSlotIndexOutOfRange = "slot_index_out_of_range"
)

const defaultMaxTokens = 256

// Turn is one message of conversation history.
type Turn struct {
	Inbound bool
	Text    string
}

// Request is one classification. History is chronological and ends with the latest inbound message.
type Request struct {
	Model        string
	Temperature  float64
	History      []Turn
	OfferedSlots []string
	Context      string
	Persona      string
	Today        time.Time
}

// Result is the classifier's verdict. Used is false when the LLM did not contribute.
type Result struct {
	Intent        Intent `json:"intent"`
	SlotIndex     *int   `json:"slot_index,omitempty"`
	ShouldBook    bool   `json:"should_book"`
	ShouldHandoff bool   `json:"should_handoff"`
	PreferredDay  string `json:"preferred_day,omitempty"`
	PreferredTime string `json:"preferred_time,omitempty"`
	ExplicitTime  string `json:"explicit_time,omitempty"`
	ReplyText     string `json:"reply_text,omitempty"`
	Used          bool   `json:"used"`
	Error         string `json:"error,omitempty"`
}

// Classifier classifies messages through a provider.Completer.
type Classifier struct {
	completer provider.Completer
	maxTokens int
	log       *slog.Logger
}

// New creates a classifier. A nil completer disables classification.
func New(completer provider.Completer, maxTokens int, log *slog.Logger) *Classifier {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		completer: completer,
		maxTokens: maxTokens,
		log:       log.With("component", "classifier"),
	}
}

// Classify never fails: problems are reported in Result.Error with Intent unclear.
func (c *Classifier) Classify(ctx context.Context, req Request) Result {
	result := Result{Intent: IntentUnclear}

	model := strings.TrimSpace(req.Model)
	if c == nil || c.completer == nil || model == "" || model == "stub" {
		result.Error = ReasonDisabled
		return result
	}

	startedAt := time.Now()
	completion, err := c.completer.Complete(ctx, providertypes.CompletionRequest{
		Model:       model,
		System:      SystemPrompt(req),
		User:        UserPrompt(req),
		Temperature: req.Temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		c.log.Warn("Classification failed", "model", model, "error", err, "duration_ms", time.Since(startedAt).Milliseconds())
		result.Error = ReasonReturnedNone
		return result
	}
	c.log.Debug("Classification completed", "model", model, "duration_ms", time.Since(startedAt).Milliseconds())

	parsed, err := Parse(completion.Text, len(req.OfferedSlots))
	if err != nil {
		c.log.Warn("Classifier returned invalid JSON", "model", model, "error", err)
		result.Error = ReasonInvalidJSON
		return result
	}
	return parsed
}

var fenceRe = regexp.MustCompile("(?s)^```(?:json)?\\s*|\\s*```$")

type rawResult struct {
	Intent        string   `json:"intent"`
	SlotIndex     *float64 `json:"slot_index"`
	ShouldBook    bool     `json:"should_book"`
	ShouldHandoff bool     `json:"should_handoff"`
	PreferredDay  string   `json:"preferred_day"`
	PreferredTime string   `json:"preferred_time"`
	ExplicitTime  string   `json:"explicit_time"`
	ReplyText     string   `json:"reply_text"`
}

// Parse decodes an LLM response, tolerating markdown fences. A slot index
// outside [0, offered) is dropped and booking is disabled.
func Parse(text string, offered int) (Result, error) {
	clean := fenceRe.ReplaceAllString(strings.TrimSpace(text), "")

	var raw rawResult
	if err := json.Unmarshal([]byte(clean), &raw); err != nil {
		return Result{}, err
	}

	result := Result{
		Intent:        Intent(strings.TrimSpace(raw.Intent)),
		ShouldBook:    raw.ShouldBook,
		ShouldHandoff: raw.ShouldHandoff,
		PreferredDay:  strings.ToLower(strings.TrimSpace(raw.PreferredDay)),
		PreferredTime: normalizeWindow(raw.PreferredTime),
		ExplicitTime:  strings.TrimSpace(raw.ExplicitTime),
		ReplyText:     strings.TrimSpace(raw.ReplyText),
		Used:          true,
	}
	if !knownIntents[result.Intent] {
		result.Intent = IntentUnclear
	}

	if raw.SlotIndex != nil {
		idx := *raw.SlotIndex
		if idx != math.Trunc(idx) || idx < 0 || int(idx) >= offered {
			result.ShouldBook = false
			result.Error = ReasonSlotIndexOutOfRange
		} else {
			i := int(idx)
			result.SlotIndex = &i
		}
	}
	return result, nil
}

func normalizeWindow(value string) string {
	switch v := strings.ToLower(strings.TrimSpace(value)); v {
	case signals.WindowMorning, signals.WindowAfternoon, signals.WindowEvening:
		return v
	default:
		return ""
	}
}
