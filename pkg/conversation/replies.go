package conversation

import (
	"fmt"
	"strings"
)

const (
	handoffPendingReply = "Someone from the team will be in touch with you shortly."
	handoffReply        = "No problem, I'll get someone from the team to reach out to you shortly."
	declineReply        = "No worries at all. If anything changes, just message back here."
	unclearReply        = "Got it, what day and time works best for you?"
	bookingFailedReply  = "Sorry, I couldn't book that slot, it may have just been taken. Want me to find another time?"
	reschedulePrefix    = "No problem, let's find a new time."
)

func alreadyBookedReply(display string) string {
	return fmt.Sprintf("You're already booked in for %s. See you then!", display)
}

func bookedReply(display string) string {
	return fmt.Sprintf("Booked ✅ You're confirmed for %s. See you then!", display)
}

func alternativesReply(requested string, alternatives []string) string {
	switch len(alternatives) {
	case 0:
		return fmt.Sprintf("I'm afraid I don't have %s available. What other times work for you?", requested)
	case 1:
		return fmt.Sprintf("I don't have %s I'm afraid. Nearest I've got is %s. Does that work?", requested, alternatives[0])
	default:
		return fmt.Sprintf("I don't have %s I'm afraid. Nearest I've got is %s or %s. Would either of those work?", requested, alternatives[0], alternatives[1])
	}
}

func nothingOnDayPreamble(day string) string {
	return fmt.Sprintf("I don't have anything on %s I'm afraid.", day)
}

// FirstTouch builds the greeting for a new lead. A tenant template may use
// {name_part}, {slot_1} and {slot_2}; a template with any other placeholder
// is ignored.
func FirstTouch(template, firstName string, slots []string) string {
	namePart := ""
	if firstName = strings.TrimSpace(firstName); firstName != "" {
		namePart = " " + firstName
	}

	if template = strings.TrimSpace(template); template != "" {
		slot1, slot2 := "", ""
		if len(slots) > 0 {
			slot1 = slots[0]
		}
		if len(slots) > 1 {
			slot2 = slots[1]
		}
		out := strings.NewReplacer("{name_part}", namePart, "{slot_1}", slot1, "{slot_2}", slot2).Replace(template)
		if !strings.ContainsAny(out, "{}") {
			return out
		}
	}

	intro := fmt.Sprintf("Hey%s, thanks for reaching out. Want to get you booked in quickly.", namePart)
	switch len(slots) {
	case 0:
		return intro + " What day and time works best for you?"
	case 1:
		return fmt.Sprintf("%s I've got %s free. Does that work for you?", intro, slots[0])
	default:
		return fmt.Sprintf("%s I've got %s or %s free. Which works best for you?", intro, slots[0], slots[1])
	}
}
