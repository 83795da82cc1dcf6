package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// BookingRecord is a confirmed provider booking keyed by its idempotency key.
// It is committed on its own, outside the job transaction that made the call.
type BookingRecord struct {
	Key            string    `json:"key"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	BookingID      string    `json:"booking_id"`
	Slot           time.Time `json:"slot"`
	CreatedAt      time.Time `json:"created_at"`
}

// GetBooking returns the booking recorded under key, or ErrNotFound.
func (tx *Tx) GetBooking(key string) (BookingRecord, error) {
	var rec BookingRecord
	if err := tx.getJSON(bookingKey(key), &rec); err != nil {
		return BookingRecord{}, fmt.Errorf("get booking %s: %w", key, err)
	}
	return rec, nil
}

// RecordBooking durably stores rec immediately, independent of tx's own
// batch, so the booking survives a rollback of the surrounding job.
// An existing record under the same key is kept.
func (tx *Tx) RecordBooking(ctx context.Context, rec BookingRecord) error {
	if rec.Key == "" || rec.BookingID == "" {
		return errors.New("record booking: key and booking id are required")
	}
	if tx.locked {
		return errors.New("record booking: not allowed inside an exclusive section")
	}
	return tx.store.Exclusive(context.WithoutCancel(ctx), func(w *Tx) error {
		_, err := w.GetBooking(rec.Key)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, ErrNotFound):
			return err
		}
		return w.putJSON(bookingKey(rec.Key), rec)
	})
}
