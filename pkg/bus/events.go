package bus

import (
	"context"
	"sync"
	"time"
)

type EventType string

const (
	EventInboundQueued EventType = "inbound_queued"
	EventJobProcessed  EventType = "job_processed"
	EventJobFailed     EventType = "job_failed"
	EventMessageSent   EventType = "message_sent"
	EventMessageFailed EventType = "message_failed"
)

type Event struct {
	Type           EventType `json:"type"`
	At             time.Time `json:"at"`
	TenantID       string    `json:"tenant_id,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`
	TraceID        string    `json:"trace_id,omitempty"`
	Route          string    `json:"route,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// Publisher is the write side of the event fanout.
type Publisher interface {
	PublishEvent(ctx context.Context, event Event) bool
}

func (mb *MessageBus) PublishEvent(ctx context.Context, event Event) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	select {
	case <-ctx.Done():
		return false
	case <-mb.done:
		return false
	default:
	}

	mb.mu.RLock()
	subs := make([]chan Event, 0, len(mb.eventSubscribers))
	for _, ch := range mb.eventSubscribers {
		subs = append(subs, ch)
	}
	mb.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop instead of blocking the publisher on slow subscribers.
		}
	}

	return true
}

func (mb *MessageBus) SubscribeEvents(ctx context.Context, buffer int) (<-chan Event, func()) {
	if ctx == nil {
		ctx = context.Background()
	}
	if buffer <= 0 {
		buffer = defaultBufferSize
	}

	ch := make(chan Event, buffer)

	mb.mu.Lock()
	select {
	case <-mb.done:
		mb.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}

	id := mb.nextEventSubscriberID
	mb.nextEventSubscriberID++
	mb.eventSubscribers[id] = ch
	mb.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			mb.mu.Lock()
			if eventCh, ok := mb.eventSubscribers[id]; ok {
				delete(mb.eventSubscribers, id)
				close(eventCh)
			}
			mb.mu.Unlock()
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-mb.done:
			unsubscribe()
		}
	}()

	return ch, unsubscribe
}

// Discard is a Publisher that drops every event.
type Discard struct{}

func (Discard) PublishEvent(context.Context, Event) bool { return true }
