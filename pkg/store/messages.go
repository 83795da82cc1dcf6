package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
)

// InsertInboundMessage appends an inbound message unless the same provider
// message (or, without a provider id, the same dedupe key) was already stored.
// It returns the stored message and whether it was inserted.
func (tx *Tx) InsertInboundMessage(msg Message) (Message, bool, error) {
	if msg.Inbound == nil {
		return Message{}, false, errors.New("insert inbound message: inbound details are required")
	}
	msg.Direction = DirectionInbound

	var idxKey []byte
	switch {
	case msg.Inbound.ProviderMsgID != "":
		idxKey = messageProviderKey(msg.TenantID, msg.Inbound.Provider, msg.Inbound.ProviderMsgID)
	case msg.Inbound.DedupeKey != "":
		idxKey = messageDedupeKey(msg.TenantID, msg.Inbound.DedupeKey)
	}

	if idxKey != nil {
		existingID, err := tx.getRaw(idxKey)
		switch {
		case err == nil:
			existing, err := tx.GetMessage(string(existingID))
			return existing, false, err
		case !errors.Is(err, ErrNotFound):
			return Message{}, false, err
		}
	}

	if err := tx.appendMessage(&msg); err != nil {
		return Message{}, false, err
	}
	if idxKey != nil {
		if err := tx.set(idxKey, []byte(msg.ID)); err != nil {
			return Message{}, false, err
		}
	}
	return msg, true, nil
}

// InsertOutboundMessage appends an outbound message. New outbound messages start pending.
func (tx *Tx) InsertOutboundMessage(msg Message) (Message, error) {
	if msg.Outbound == nil {
		return Message{}, errors.New("insert outbound message: outbound details are required")
	}
	msg.Direction = DirectionOutbound
	if msg.Outbound.SendStatus == "" {
		msg.Outbound.SendStatus = SendPending
	}

	if err := tx.appendMessage(&msg); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (tx *Tx) appendMessage(msg *Message) error {
	if msg.ConversationID == "" {
		return errors.New("append message: conversation id is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := tx.PutMessage(*msg); err != nil {
		return err
	}
	return tx.set(messageConvKey(msg.ConversationID, msg.CreatedAt, msg.ID), nil)
}

// PutMessage writes a message and keeps the pending-outbound index in step.
func (tx *Tx) PutMessage(msg Message) error {
	prev, err := tx.GetMessage(msg.ID)
	switch {
	case err == nil:
		if isPending(prev) {
			if err := tx.del(outPendingKey(prev.CreatedAt, prev.ID)); err != nil {
				return err
			}
		}
	case !errors.Is(err, ErrNotFound):
		return err
	}

	if err := tx.putJSON(messageKey(msg.ID), msg); err != nil {
		return err
	}

	if isPending(msg) {
		var next [8]byte
		if msg.Outbound.SendNextAt != nil {
			binary.BigEndian.PutUint64(next[:], millis(*msg.Outbound.SendNextAt))
		}
		return tx.set(outPendingKey(msg.CreatedAt, msg.ID), next[:])
	}
	return nil
}

func isPending(msg Message) bool {
	return msg.Direction == DirectionOutbound && msg.Outbound != nil && msg.Outbound.SendStatus == SendPending
}

// GetMessage loads a message by id.
func (tx *Tx) GetMessage(id string) (Message, error) {
	var msg Message
	if err := tx.getJSON(messageKey(id), &msg); err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}
	return msg, nil
}

// RecentMessages returns up to limit of the conversation's latest messages, oldest first.
func (tx *Tx) RecentMessages(conversationID string, limit int) ([]Message, error) {
	prefix := messageConvPrefix(conversationID)
	keys, _, err := tx.scanKeys(prefix, upperBound(prefix), limit, true)
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}

	out := make([]Message, 0, len(keys))
	for _, key := range keys {
		msg, err := tx.GetMessage(orderedID(prefix, key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	slices.Reverse(out)
	return out, nil
}

// DuePendingOutbound returns pending outbound messages whose retry time has
// passed (or was never set), oldest first, up to limit.
func (tx *Tx) DuePendingOutbound(now time.Time, limit int) ([]Message, error) {
	prefix := []byte(prefixOutPending)
	keys, values, err := tx.scanKeys(prefix, upperBound(prefix), 0, false)
	if err != nil {
		return nil, fmt.Errorf("scan pending outbound: %w", err)
	}

	nowMs := millis(now)
	out := make([]Message, 0, min(limit, len(keys)))
	for i, key := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		if len(values[i]) == 8 {
			if next := binary.BigEndian.Uint64(values[i]); next != 0 && next > nowMs {
				continue
			}
		}
		msg, err := tx.GetMessage(orderedID(prefix, key))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}
