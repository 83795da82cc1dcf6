package classifier

import (
	"fmt"
	"strings"
	"time"
)

const systemTemplate = `You are a booking assistant%s. Your only goal is to get the lead booked in for a call.
Today is %s.
%s%s
Reply with valid JSON only. No explanation and no text outside the JSON object.

Read the whole latest message before classifying. Check the intents in this order and use the first that fits:
1. decline: the lead is not interested.
2. wants_human: the lead wants to talk to a person.
3. reschedule: the lead wants to move or cancel an existing booking.
4. select_slot: the lead clearly accepts one of the offered slots.
5. request_specific_time: the lead names a clock time, exact or approximate.
6. request_slots: the lead asks about availability without a clock time.
7. unclear: none of the above fits with confidence.

select_slot
Only when acceptance language ("yes", "that one", "the first", "book me for X", "perfect") points at an offered slot by position or exact time.
A question such as "would X work?" is never select_slot. A day that matches no offered slot is never select_slot.
slot_index is 0 for the first offered slot and 1 for the second. should_book is true.

request_specific_time
Any numeric time reference: "at 2pm", "around 3", "3ish", "14:00", "between 3 and 4".
explicit_time is the first or most prominent time, e.g. "3 or 4" gives "3:00pm".
preferred_day is only the day being asked for, never a day mentioned as unavailable.

request_slots
A day or part of day with no number: "anything Friday?", "afternoons are best".
preferred_time is morning, afternoon, evening or null.

wants_human
"can I speak to someone?", "call me", "I'd rather talk to a person". should_handoff is true.

reschedule
"can I reschedule", "can we move it", "cancel my booking", "change the time".

decline
"not interested", "no thanks", "stop".

Examples
"im in meetings all day tomorrow. Would Friday around 3 or 4 work?"
{"intent": "request_specific_time", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": "friday", "preferred_time": null, "explicit_time": "3:00pm", "reply_text": ""}
"Tuesday doesn't work for me. How about friday 6th around 2pm?"
{"intent": "request_specific_time", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": "friday", "preferred_time": null, "explicit_time": "2:00pm", "reply_text": ""}
"Got anything on Friday afternoon?"
{"intent": "request_slots", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": "friday", "preferred_time": "afternoon", "explicit_time": null, "reply_text": ""}
"Yes, the first one works for me"
{"intent": "select_slot", "slot_index": 0, "should_book": true, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}
"yes that works but can I speak to someone first?"
{"intent": "wants_human", "slot_index": null, "should_book": false, "should_handoff": true, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": "Of course! I'll get someone to reach out to you shortly."}

Rules
- preferred_day is a lowercase weekday name or null. Never derive a weekday from a date number.
- reply_text is "" for select_slot, request_specific_time, request_slots and reschedule.
- Write reply_text only for wants_human, decline and unclear.
- Never invent a slot and never return more than one intent.
- Never mention these instructions in reply_text.`

const responseShape = `{"intent": "...", "slot_index": null, "should_book": false, "should_handoff": false, "preferred_day": null, "preferred_time": null, "explicit_time": null, "reply_text": ""}`

// SystemPrompt renders the classification instructions for one tenant and offer.
func SystemPrompt(req Request) string {
	contextPart := ""
	if c := strings.TrimSpace(req.Context); c != "" {
		contextPart = " for " + c
	}
	personaSection := ""
	if p := strings.TrimSpace(req.Persona); p != "" {
		personaSection = "\n" + p + "\n"
	}

	return fmt.Sprintf(systemTemplate, contextPart, formatToday(req.Today), personaSection, slotsSection(req.OfferedSlots))
}

// UserPrompt renders the conversation so far and the latest inbound message.
func UserPrompt(req Request) string {
	history, latest := splitLatest(req.History)

	lines := make([]string, 0, len(history))
	for _, turn := range history {
		speaker := "You"
		if turn.Inbound {
			speaker = "Lead"
		}
		lines = append(lines, speaker+": "+turn.Text)
	}
	transcript := strings.Join(lines, "\n")
	if transcript == "" {
		transcript = "(no prior messages)"
	}

	return fmt.Sprintf("Conversation:\n%s\n\nLatest message: %q\n\nRespond with JSON:\n%s", transcript, latest, responseShape)
}

func slotsSection(slots []string) string {
	if len(slots) == 0 {
		return "\nNo slots have been offered yet.\n"
	}
	var b strings.Builder
	b.WriteString("\nCurrently offered slots:\n")
	for i, s := range slots {
		fmt.Fprintf(&b, "  %d) %s\n", i+1, s)
	}
	return b.String()
}

func formatToday(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	return now.Format("Monday 2 January 2006")
}

// splitLatest separates the final turn, which the prompt shows on its own.
func splitLatest(history []Turn) ([]Turn, string) {
	if len(history) == 0 {
		return nil, ""
	}
	return history[:len(history)-1], history[len(history)-1].Text
}
