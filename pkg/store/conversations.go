package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GetConversation loads a conversation by id, including its last outbound time.
func (tx *Tx) GetConversation(id string) (Conversation, error) {
	var conv Conversation
	if err := tx.getJSON(conversationKey(id), &conv); err != nil {
		return Conversation{}, fmt.Errorf("get conversation %s: %w", id, err)
	}

	raw, err := tx.getRaw(convOutboundKey(id))
	switch {
	case err == nil:
		var at time.Time
		if err := json.Unmarshal(raw, &at); err == nil {
			conv.LastOutboundAt = &at
		}
	case !errors.Is(err, ErrNotFound):
		return Conversation{}, err
	}

	return conv, nil
}

// OpenConversation returns the open conversation for a contact or ErrNotFound.
func (tx *Tx) OpenConversation(tenantID, contactID string) (Conversation, error) {
	id, err := tx.getRaw(convOpenKey(tenantID, contactID))
	if err != nil {
		return Conversation{}, fmt.Errorf("open conversation for contact %s: %w", contactID, err)
	}
	return tx.GetConversation(string(id))
}

// EnsureOpenConversation returns the contact's open conversation, creating one
// when none exists. The boolean reports whether it was created.
func (tx *Tx) EnsureOpenConversation(tenantID, contactID string, now time.Time) (Conversation, bool, error) {
	conv, err := tx.OpenConversation(tenantID, contactID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, err
	}

	conv = Conversation{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ContactID: contactID,
		Status:    ConversationOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.SaveConversation(conv, 0); err != nil {
		return Conversation{}, false, err
	}
	return conv, true, nil
}

// SaveConversation writes a conversation whose state was read at version base.
// The commit fails with ErrVersionConflict if another writer moved the stored
// version in the meantime. Closing a conversation frees the contact's open slot.
func (tx *Tx) SaveConversation(conv Conversation, base int64) error {
	if conv.ID == "" {
		return errors.New("save conversation: id is required")
	}
	if _, ok := tx.guards[conv.ID]; !ok {
		tx.guards[conv.ID] = base
	}

	if err := tx.putJSON(conversationKey(conv.ID), conv); err != nil {
		return err
	}

	openKey := convOpenKey(conv.TenantID, conv.ContactID)
	if conv.Status == ConversationOpen {
		return tx.set(openKey, []byte(conv.ID))
	}

	owner, err := tx.getRaw(openKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if string(owner) == conv.ID {
		return tx.del(openKey)
	}
	return nil
}

// SetLastOutbound records when the conversation last had a message delivered.
func (tx *Tx) SetLastOutbound(conversationID string, at time.Time) error {
	return tx.putJSON(convOutboundKey(conversationID), at.UTC())
}
