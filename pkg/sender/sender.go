// Package sender delivers pending outbound messages with retry, backoff and dry-run.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

const (
	defaultMaxAttempts = 3
	sendTimeout        = 15 * time.Second
)

// DefaultBackoff is the retry schedule indexed by attempt; the last entry repeats.
var DefaultBackoff = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// Options configures a Sender.
type Options struct {
	MaxAttempts int
	Backoff     []time.Duration
	Events      bus.Publisher
	Logger      *slog.Logger
}

// Stats counts one SendPending pass.
type Stats struct {
	Selected int `json:"selected"`
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	DryRun   int `json:"dry_run_count"`
}

// Sender claims pending outbound messages and hands them to messaging providers.
type Sender struct {
	store       *store.Store
	tenants     tenants.Directory
	providers   messaging.Registry
	maxAttempts int
	backoff     []time.Duration
	events      bus.Publisher
	log         *slog.Logger
	now         func() time.Time
}

// New creates a Sender.
func New(st *store.Store, dir tenants.Directory, providers messaging.Registry, opts Options) *Sender {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Events == nil {
		opts.Events = bus.Discard{}
	}

	return &Sender{
		store:       st,
		tenants:     dir,
		providers:   providers,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
		events:      opts.Events,
		log:         log.With("component", "sender"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Backoff returns the delay before the retry that follows attempt (1-based).
func (s *Sender) Backoff(attempt int) time.Duration {
	idx := min(max(attempt-1, 0), len(s.backoff)-1)
	return s.backoff[idx]
}

// SendPending claims up to limit due messages and attempts each once.
func (s *Sender) SendPending(ctx context.Context, limit int) (Stats, error) {
	claimed, err := s.claim(ctx, limit)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{Selected: len(claimed)}
	settings := make(map[string]tenants.Tenant)
	for i, msg := range claimed {
		if err := ctx.Err(); err != nil {
			s.release(ctx, claimed[i:])
			return stats, err
		}

		tenant, ok := settings[msg.TenantID]
		if !ok {
			tenant, err = s.tenants.ByID(ctx, msg.TenantID)
			if err != nil {
				s.log.Warn("Failed to load tenant for send", "tenant_id", msg.TenantID, "error", err)
				tenant = tenants.Tenant{ID: msg.TenantID}
			}
			settings[msg.TenantID] = tenant
		}

		outcome, err := s.deliver(ctx, tenant, msg)
		if err != nil {
			s.release(ctx, claimed[i+1:])
			return stats, err
		}
		switch outcome {
		case outcomeSent:
			stats.Sent++
		case outcomeDryRun:
			stats.Sent++
			stats.DryRun++
		case outcomeFailed:
			stats.Failed++
		case outcomeSkipped:
			stats.Skipped++
		}
	}
	return stats, nil
}

// claim flips due pending messages to sending under the store lock.
func (s *Sender) claim(ctx context.Context, limit int) ([]store.Message, error) {
	var claimed []store.Message
	err := s.store.Exclusive(ctx, func(tx *store.Tx) error {
		claimed = claimed[:0]
		due, err := tx.DuePendingOutbound(s.now(), limit)
		if err != nil {
			return err
		}
		for _, msg := range due {
			msg.Outbound.SendStatus = store.SendSending
			if err := tx.PutMessage(msg); err != nil {
				return err
			}
			claimed = append(claimed, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim outbound: %w", err)
	}
	return claimed, nil
}

// release returns claimed messages that were never attempted to pending
// without counting an attempt.
func (s *Sender) release(ctx context.Context, msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	released := 0
	err := s.store.Exclusive(context.WithoutCancel(ctx), func(tx *store.Tx) error {
		released = 0
		for _, claimed := range msgs {
			msg, err := tx.GetMessage(claimed.ID)
			if err != nil {
				return err
			}
			if msg.Outbound == nil || msg.Outbound.SendStatus != store.SendSending {
				continue
			}
			msg.Outbound.SendStatus = store.SendPending
			if err := tx.PutMessage(msg); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		s.log.Error("Failed to release claimed messages", "count", len(msgs), "error", err)
		return
	}
	s.log.Info("Released unsent messages", "count", released)
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeDryRun
	outcomeFailed
	outcomeSkipped
)

func (s *Sender) deliver(ctx context.Context, tenant tenants.Tenant, msg store.Message) (outcome, error) {
	var contact store.Contact
	err := s.store.View(func(tx *store.Tx) error {
		var err error
		contact, err = tx.GetContact(msg.ContactID)
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return outcomeFailed, fmt.Errorf("load contact: %w", err)
	}

	attemptedAt := s.now()
	dryRun := tenant.Settings.Messaging.DryRun

	var result messaging.SendResult
	switch {
	case dryRun:
		id := messaging.DryRunID()
		result = messaging.SendResult{
			Success:       true,
			ProviderMsgID: id,
			RawResponse:   map[string]any{"dry_run": true, "status": "sent", "message_id": id},
		}
	case contact.ID == "":
		result = messaging.SendResult{Error: "contact not found"}
	default:
		provider, ok := s.providers.For(msg.Channel, tenant.Messaging())
		if !ok {
			result = messaging.SendResult{Error: "no messaging provider for " + tenant.Messaging()}
			break
		}
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		started := time.Now()
		result = provider.Send(sctx, messaging.SendRequest{
			TenantID:        msg.TenantID,
			MessageID:       msg.ID,
			Channel:         msg.Channel,
			Address:         contact.ChannelAddress,
			ContactMetadata: contact.Metadata,
			Text:            msg.Text,
		})
		cancel()
		s.log.Debug("Provider send completed",
			"message_id", msg.ID,
			"success", result.Success,
			"duration_ms", time.Since(started).Milliseconds(),
		)
		dryRun = result.Success && result.Stubbed()
	}

	if result.Success && result.ProviderMsgID == "" {
		result = messaging.SendResult{Error: "provider returned no message id"}
	}
	return s.settle(ctx, msg.ID, result, dryRun, attemptedAt)
}

// settle records the attempt, guarded on the message still being in sending.
// It runs even after ctx is cancelled: the provider call has already happened.
func (s *Sender) settle(ctx context.Context, messageID string, result messaging.SendResult, dryRun bool, attemptedAt time.Time) (outcome, error) {
	ctx = context.WithoutCancel(ctx)
	var (
		res     outcome
		updated store.Message
	)
	err := s.store.Exclusive(ctx, func(tx *store.Tx) error {
		msg, err := tx.GetMessage(messageID)
		if err != nil {
			return err
		}
		if msg.Outbound == nil || msg.Outbound.SendStatus != store.SendSending {
			res = outcomeSkipped
			return nil
		}

		out := msg.Outbound
		trace := &store.SendTrace{OK: result.Success, DryRun: dryRun, AttemptedAt: attemptedAt, Reason: result.Error}
		out.SendTrace = trace

		if result.Success {
			sentAt := attemptedAt
			out.SendStatus = store.SendSent
			out.SentAt = &sentAt
			out.ProviderMsgID = result.ProviderMsgID
			out.ProviderResponse = map[string]any{
				"dry_run":    dryRun,
				"status":     "sent",
				"message_id": result.ProviderMsgID,
				"raw":        result.RawResponse,
			}
			out.SendLastError = ""
			out.SendNextAt = nil
			res = outcomeSent
			if dryRun {
				res = outcomeDryRun
			}
			if err := tx.SetLastOutbound(msg.ConversationID, attemptedAt); err != nil {
				return err
			}
		} else {
			out.SendAttempts++
			out.SendLastError = result.Error
			if out.SendAttempts >= s.maxAttempts {
				out.SendStatus = store.SendFailed
				out.SendNextAt = nil
			} else {
				next := attemptedAt.Add(s.Backoff(out.SendAttempts))
				out.SendStatus = store.SendPending
				out.SendNextAt = &next
			}
			res = outcomeFailed
		}

		updated = msg
		return tx.PutMessage(msg)
	})
	if err != nil {
		return outcomeFailed, fmt.Errorf("settle message %s: %w", messageID, err)
	}

	evt := bus.Event{
		TenantID:       updated.TenantID,
		ConversationID: updated.ConversationID,
		MessageID:      messageID,
		TraceID:        updated.TraceID,
	}
	switch res {
	case outcomeSent, outcomeDryRun:
		evt.Type = bus.EventMessageSent
		s.events.PublishEvent(ctx, evt)
		s.log.Info("Message sent",
			"message_id", messageID,
			"trace_id", updated.TraceID,
			"provider_msg_id", result.ProviderMsgID,
			"dry_run", dryRun,
		)
	case outcomeFailed:
		evt.Type = bus.EventMessageFailed
		evt.Error = result.Error
		s.events.PublishEvent(ctx, evt)
		s.log.Warn("Message send failed",
			"message_id", messageID,
			"trace_id", updated.TraceID,
			"attempts", updated.Outbound.SendAttempts,
			"status", updated.Outbound.SendStatus,
			"error", result.Error,
		)
	}
	return res, nil
}
