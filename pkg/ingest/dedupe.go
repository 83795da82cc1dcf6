package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const dedupeBucket = 10 * time.Second

// DedupeKey identifies one delivery of a provider event. With a provider
// message id it is exact; otherwise it hashes the content with a ten second
// time bucket so quick redeliveries collapse while a repeat later does not.
func DedupeKey(tenantSlug, provider, providerMsgID, channel, address, text string, at time.Time) string {
	if providerMsgID = strings.TrimSpace(providerMsgID); providerMsgID != "" {
		return fmt.Sprintf("%s|%s|msg|%s", tenantSlug, provider, providerMsgID)
	}

	bucket := at.Unix() / int64(dedupeBucket/time.Second)
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", tenantSlug, provider, channel, address, bucket, text)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:40]
}

// ConversationKey serializes processing per (tenant, channel, address).
func ConversationKey(tenantID, channel, address string) string {
	return tenantID + "|" + channel + "|" + address
}
