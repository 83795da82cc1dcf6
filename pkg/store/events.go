package store

import (
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/google/uuid"
)

// InsertEvent stores an inbound event unless one with the same (tenant, dedupe key)
// exists. It reports whether the event was inserted and returns the stored event.
func (tx *Tx) InsertEvent(evt InboundEvent) (InboundEvent, bool, error) {
	if evt.TenantID == "" || evt.DedupeKey == "" {
		return InboundEvent{}, false, errors.New("insert event: tenant and dedupe key are required")
	}

	existingID, err := tx.getRaw(eventDedupeKey(evt.TenantID, evt.DedupeKey))
	switch {
	case err == nil:
		existing, err := tx.GetEvent(string(existingID))
		return existing, false, err
	case !errors.Is(err, ErrNotFound):
		return InboundEvent{}, false, err
	}

	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if err := tx.putJSON(eventKey(evt.ID), evt); err != nil {
		return InboundEvent{}, false, err
	}
	if err := tx.set(eventDedupeKey(evt.TenantID, evt.DedupeKey), []byte(evt.ID)); err != nil {
		return InboundEvent{}, false, err
	}
	return evt, true, nil
}

// GetEvent loads an inbound event by id.
func (tx *Tx) GetEvent(id string) (InboundEvent, error) {
	var evt InboundEvent
	if err := tx.getJSON(eventKey(id), &evt); err != nil {
		return InboundEvent{}, fmt.Errorf("get event %s: %w", id, err)
	}
	return evt, nil
}

// UpsertContact finds the contact for (tenant, channel, address) or creates it.
// Metadata is merged key by key and the display name only changes to a non-empty value.
func (tx *Tx) UpsertContact(in Contact) (Contact, error) {
	if in.TenantID == "" || in.Channel == "" || in.ChannelAddress == "" {
		return Contact{}, errors.New("upsert contact: tenant, channel and address are required")
	}

	addrKey := contactAddrKey(in.TenantID, in.Channel, in.ChannelAddress)
	id, err := tx.getRaw(addrKey)
	switch {
	case errors.Is(err, ErrNotFound):
		contact := in
		if contact.ID == "" {
			contact.ID = uuid.NewString()
		}
		contact.DisplayName = strings.TrimSpace(contact.DisplayName)
		if contact.CreatedAt.IsZero() {
			contact.CreatedAt = in.UpdatedAt
		}
		if err := tx.putJSON(contactKey(contact.ID), contact); err != nil {
			return Contact{}, err
		}
		if err := tx.set(addrKey, []byte(contact.ID)); err != nil {
			return Contact{}, err
		}
		return contact, nil
	case err != nil:
		return Contact{}, err
	}

	contact, err := tx.GetContact(string(id))
	if err != nil {
		return Contact{}, err
	}
	if name := strings.TrimSpace(in.DisplayName); name != "" {
		contact.DisplayName = name
	}
	if len(in.Metadata) > 0 {
		if contact.Metadata == nil {
			contact.Metadata = make(map[string]string, len(in.Metadata))
		}
		maps.Copy(contact.Metadata, in.Metadata)
	}
	if !in.UpdatedAt.IsZero() {
		contact.UpdatedAt = in.UpdatedAt
	}

	if err := tx.putJSON(contactKey(contact.ID), contact); err != nil {
		return Contact{}, err
	}
	return contact, nil
}

// GetContact loads a contact by id.
func (tx *Tx) GetContact(id string) (Contact, error) {
	var contact Contact
	if err := tx.getJSON(contactKey(id), &contact); err != nil {
		return Contact{}, fmt.Errorf("get contact %s: %w", id, err)
	}
	return contact, nil
}
