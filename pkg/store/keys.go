package store

import (
	"encoding/binary"
	"time"
)

// Key prefixes. Composite keys join their parts with a zero byte; time-ordered
// index keys embed a big-endian timestamp so iteration follows time order.
const (
	prefixJob          = "job/"     // job id -> Job
	prefixJobReady     = "jobq/"    // run_after ms + job id (queued jobs only)
	prefixJobRunning   = "jobrun/"  // locked_at ms + job id (running jobs only)
	prefixJobConv      = "jobconv/" // conversation key -> running job id
	prefixEvent        = "evt/"     // event id -> InboundEvent
	prefixEventDedupe  = "evtdd/"   // tenant + dedupe key -> event id
	prefixContact      = "ctid/"    // contact id -> Contact
	prefixContactAddr  = "ct/"      // tenant + channel + address -> contact id
	prefixConversation = "cv/"      // conversation id -> Conversation
	prefixConvOpen     = "cvopen/"  // tenant + contact id -> open conversation id
	prefixConvOutbound = "cvout/"   // conversation id -> last outbound time
	prefixMessage      = "msg/"     // message id -> Message
	prefixMessageConv  = "msgconv/" // conversation id + created_at ns + message id
	prefixMessageProv  = "msgin/"   // tenant + provider + provider message id -> message id
	prefixMessageDedup = "msgdd/"   // tenant + dedupe key -> message id
	prefixOutPending   = "out/"     // created_at ns + message id -> send_next_at ms
	prefixBooking      = "bk/"      // idempotency key -> BookingRecord
)

const keySep = 0x00

func compositeKey(prefix string, parts ...string) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}

	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for i, p := range parts {
		if i > 0 {
			key = append(key, keySep)
		}
		key = append(key, p...)
	}
	return key
}

func orderedKey(prefix []byte, order uint64, id string) []byte {
	key := make([]byte, len(prefix)+8+len(id))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], order)
	copy(key[len(prefix)+8:], id)
	return key
}

func orderedID(prefix []byte, key []byte) string {
	if len(key) < len(prefix)+8 {
		return ""
	}
	return string(key[len(prefix)+8:])
}

func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

func millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func nanos(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixNano())
}

func jobKey(id string) []byte { return compositeKey(prefixJob, id) }

func jobReadyKey(runAfter time.Time, id string) []byte {
	return orderedKey([]byte(prefixJobReady), millis(runAfter), id)
}

func jobRunningKey(lockedAt time.Time, id string) []byte {
	return orderedKey([]byte(prefixJobRunning), millis(lockedAt), id)
}

func jobConvKey(conversationKey string) []byte {
	return compositeKey(prefixJobConv, conversationKey)
}

func eventKey(id string) []byte { return compositeKey(prefixEvent, id) }

func eventDedupeKey(tenantID, dedupeKey string) []byte {
	return compositeKey(prefixEventDedupe, tenantID, dedupeKey)
}

func contactKey(id string) []byte { return compositeKey(prefixContact, id) }

func contactAddrKey(tenantID, channel, address string) []byte {
	return compositeKey(prefixContactAddr, tenantID, channel, address)
}

func conversationKey(id string) []byte { return compositeKey(prefixConversation, id) }

func convOpenKey(tenantID, contactID string) []byte {
	return compositeKey(prefixConvOpen, tenantID, contactID)
}

func convOutboundKey(id string) []byte { return compositeKey(prefixConvOutbound, id) }

func messageKey(id string) []byte { return compositeKey(prefixMessage, id) }

func messageConvPrefix(conversationID string) []byte {
	return append(compositeKey(prefixMessageConv, conversationID), keySep)
}

func messageConvKey(conversationID string, createdAt time.Time, id string) []byte {
	return orderedKey(messageConvPrefix(conversationID), nanos(createdAt), id)
}

func messageProviderKey(tenantID, provider, providerMsgID string) []byte {
	return compositeKey(prefixMessageProv, tenantID, provider, providerMsgID)
}

func messageDedupeKey(tenantID, dedupeKey string) []byte {
	return compositeKey(prefixMessageDedup, tenantID, dedupeKey)
}

func outPendingKey(createdAt time.Time, id string) []byte {
	return orderedKey([]byte(prefixOutPending), nanos(createdAt), id)
}

func bookingKey(idempotencyKey string) []byte {
	return compositeKey(prefixBooking, idempotencyKey)
}
