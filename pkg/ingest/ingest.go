// Package ingest captures provider webhooks as inbound events and queues the
// job that processes them.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/jobqueue"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

// ErrUnknownTenant marks a webhook for a missing or disabled tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// Ack reasons.
const (
	ReasonUnknownTenant = "unknown_tenant"
	ReasonDuplicate     = "duplicate"
)

// Ack is the webhook response body. Providers always get HTTP 200 so they do not redeliver.
type Ack struct {
	OK             bool   `json:"ok"`
	Queued         bool   `json:"queued"`
	Reason         string `json:"reason,omitempty"`
	InboundEventID string `json:"inbound_event_id,omitempty"`
}

// Ingestor inserts inbound events and their jobs atomically.
type Ingestor struct {
	store   *store.Store
	queue   *jobqueue.Queue
	tenants tenants.Directory
	events  bus.Publisher
	log     *slog.Logger
	now     func() time.Time
}

// New creates an Ingestor.
func New(st *store.Store, queue *jobqueue.Queue, dir tenants.Directory, events bus.Publisher, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	if events == nil {
		events = bus.Discard{}
	}

	return &Ingestor{
		store:   st,
		queue:   queue,
		tenants: dir,
		events:  events,
		log:     log.With("component", "ingest.ingestor"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Ingest decodes body and stores it as an inbound event for tenantSlug, with
// one processing job, in a single batch. Redeliveries are acknowledged as duplicates.
func (i *Ingestor) Ingest(ctx context.Context, tenantSlug, provider string, body []byte) (Ack, error) {
	tenant, err := i.resolve(ctx, tenantSlug)
	if errors.Is(err, ErrUnknownTenant) {
		i.log.Warn("Webhook for unknown tenant", "tenant_slug", tenantSlug)
		return Ack{OK: false, Reason: ReasonUnknownTenant}, nil
	}
	if err != nil {
		return Ack{}, err
	}

	now := i.now()
	payload := DecodeWebhook(body)
	if payload.Unparseable {
		i.log.Warn("Webhook body failed validation", "tenant_slug", tenantSlug, "provider", provider)
	}

	evt := store.InboundEvent{
		ID:        uuid.NewString(),
		TenantID:  tenant.ID,
		Provider:  provider,
		DedupeKey: DedupeKey(tenantSlug, provider, payload.ProviderMsgID, payload.Channel, payload.Address, payload.Text, now),
		TraceID:   uuid.NewString(),
		Payload:   payload,
		CreatedAt: now,
	}
	if json.Valid(body) {
		evt.Raw = json.RawMessage(body)
	}

	var (
		stored   store.InboundEvent
		inserted bool
		job      store.Job
	)
	err = i.store.Exclusive(ctx, func(tx *store.Tx) error {
		var err error
		stored, inserted, err = tx.InsertEvent(evt)
		if err != nil || !inserted {
			return err
		}
		job, err = i.queue.Enqueue(tx, store.Job{
			TenantID:        tenant.ID,
			Type:            store.JobTypeProcessInbound,
			InboundEventID:  stored.ID,
			ConversationKey: ConversationKey(tenant.ID, payload.Channel, payload.Address),
			TraceID:         stored.TraceID,
		})
		return err
	})
	if err != nil {
		return Ack{}, fmt.Errorf("store inbound event: %w", err)
	}

	if !inserted {
		i.log.Debug("Duplicate webhook", "tenant_slug", tenantSlug, "dedupe_key", evt.DedupeKey)
		return Ack{OK: true, Queued: false, Reason: ReasonDuplicate}, nil
	}

	i.log.Info("Webhook received",
		"trace_id", stored.TraceID,
		"tenant_slug", tenantSlug,
		"event_type", payload.EventType,
		"channel", payload.Channel,
		"channel_address", payload.Address,
		"inbound_event_id", stored.ID,
		"job_id", job.ID,
	)
	i.events.PublishEvent(ctx, bus.Event{
		Type:     bus.EventInboundQueued,
		TenantID: tenant.ID,
		JobID:    job.ID,
		TraceID:  stored.TraceID,
	})

	return Ack{OK: true, Queued: true, InboundEventID: stored.ID}, nil
}

func (i *Ingestor) resolve(ctx context.Context, slug string) (tenants.Tenant, error) {
	tenant, err := i.tenants.BySlug(ctx, slug)
	if errors.Is(err, tenants.ErrNotFound) {
		return tenants.Tenant{}, fmt.Errorf("%q: %w", slug, ErrUnknownTenant)
	}
	if err != nil {
		return tenants.Tenant{}, fmt.Errorf("resolve tenant %q: %w", slug, err)
	}
	return tenant, nil
}
