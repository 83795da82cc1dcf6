package sender

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bookingbot/pkg/bus"
	"bookingbot/pkg/messaging"
	"bookingbot/pkg/store"
	"bookingbot/pkg/tenants"
)

type fakeProvider struct {
	mu       sync.Mutex
	fail     string
	onSend   func()
	requests []messaging.SendRequest
}

func (f *fakeProvider) Send(_ context.Context, req messaging.SendRequest) messaging.SendResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.onSend != nil {
		f.onSend()
	}
	if f.fail != "" {
		return messaging.SendResult{Error: f.fail}
	}
	return messaging.SendResult{Success: true, ProviderMsgID: "pm-1", RawResponse: map[string]any{"ok": true}}
}

type fixture struct {
	st       *store.Store
	sender   *Sender
	provider *fakeProvider
	now      time.Time
}

func newFixture(t *testing.T, dryRun bool, providers messaging.Registry) *fixture {
	t.Helper()

	st, err := store.Open(store.Options{DataDir: t.TempDir(), Fsync: store.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	provider := &fakeProvider{}
	if providers == nil {
		providers = messaging.Registry{"leadconnector": provider}
	}
	dir := tenants.NewStatic([]tenants.Tenant{{
		ID:       "t1",
		Slug:     "acme",
		Enabled:  true,
		Settings: tenants.Settings{Messaging: tenants.MessagingSettings{DryRun: dryRun}},
	}})

	f := &fixture{
		st:       st,
		provider: provider,
		now:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	f.sender = New(st, dir, providers, Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	f.sender.now = func() time.Time { return f.now }
	return f
}

// seed stores a contact, an open conversation and one pending outbound message.
func (f *fixture) seed(t *testing.T, channel string) store.Message {
	t.Helper()

	var msg store.Message
	require.NoError(t, f.st.Exclusive(context.Background(), func(tx *store.Tx) error {
		contact, err := tx.UpsertContact(store.Contact{TenantID: "t1", Channel: channel, ChannelAddress: "42"})
		if err != nil {
			return err
		}
		conv, _, err := tx.EnsureOpenConversation("t1", contact.ID, f.now)
		if err != nil {
			return err
		}
		msg, err = tx.InsertOutboundMessage(store.Message{
			TenantID:       "t1",
			ConversationID: conv.ID,
			ContactID:      contact.ID,
			Channel:        channel,
			Text:           "I've got Monday 09:00 free.",
			Outbound:       &store.OutboundDetails{Route: "offer_slots"},
			CreatedAt:      f.now,
		})
		return err
	}))
	return msg
}

func (f *fixture) load(t *testing.T, id string) store.Message {
	t.Helper()
	var msg store.Message
	require.NoError(t, f.st.View(func(tx *store.Tx) error {
		var err error
		msg, err = tx.GetMessage(id)
		return err
	}))
	return msg
}

func TestSendPendingDelivers(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	seeded := f.seed(t, "sms")

	stats, err := f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, Stats{Selected: 1, Sent: 1}, stats)

	require.Len(t, f.provider.requests, 1)
	require.Equal(t, "42", f.provider.requests[0].Address)
	require.Equal(t, seeded.ID, f.provider.requests[0].MessageID)

	msg := f.load(t, seeded.ID)
	require.Equal(t, store.SendSent, msg.Outbound.SendStatus)
	require.Equal(t, "pm-1", msg.Outbound.ProviderMsgID)
	require.True(t, msg.Outbound.SendTrace.OK)
	require.False(t, msg.Outbound.SendTrace.DryRun)
	require.NotNil(t, msg.Outbound.SentAt)

	require.NoError(t, f.st.View(func(tx *store.Tx) error {
		conv, err := tx.GetConversation(msg.ConversationID)
		require.NotNil(t, conv.LastOutboundAt)
		require.True(t, conv.LastOutboundAt.Equal(f.now))
		return err
	}))

	// Sent messages are never selected again.
	stats, err = f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Zero(t, stats.Selected)
	require.Len(t, f.provider.requests, 1)
}

func TestDryRunSkipsProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, nil)
	seeded := f.seed(t, "sms")

	stats, err := f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, Stats{Selected: 1, Sent: 1, DryRun: 1}, stats)
	require.Empty(t, f.provider.requests)

	msg := f.load(t, seeded.ID)
	require.True(t, strings.HasPrefix(msg.Outbound.ProviderMsgID, "dryrun-"))
	require.Len(t, msg.Outbound.ProviderMsgID, len("dryrun-")+16)
	require.True(t, msg.Outbound.SendTrace.DryRun)
}

func TestStubProviderCountsAsDryRun(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, messaging.Registry{"leadconnector": messaging.Stub{}})
	seeded := f.seed(t, "sms")

	stats, err := f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, 1, stats.DryRun)

	msg := f.load(t, seeded.ID)
	require.True(t, strings.HasPrefix(msg.Outbound.ProviderMsgID, "ghl-"))
	require.Equal(t, true, msg.Outbound.ProviderResponse["dry_run"])
}

func TestChannelProviderWinsOverTenantAdapter(t *testing.T) {
	t.Parallel()
	telegram := &fakeProvider{}
	f := newFixture(t, false, nil)
	f.sender.providers = messaging.Registry{"leadconnector": f.provider, "telegram": telegram}
	f.seed(t, "telegram")

	_, err := f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, telegram.requests, 1)
	require.Empty(t, f.provider.requests)
}

func TestFailuresBackOffThenFail(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	f.provider.fail = "http 503"
	seeded := f.seed(t, "sms")
	ctx := context.Background()

	var lastNext time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		stats, err := f.sender.SendPending(ctx, 50)
		require.NoError(t, err)
		require.Equal(t, Stats{Selected: 1, Failed: 1}, stats, "attempt %d", attempt)

		msg := f.load(t, seeded.ID)
		require.Equal(t, attempt, msg.Outbound.SendAttempts)
		require.Equal(t, "http 503", msg.Outbound.SendLastError)
		require.False(t, msg.Outbound.SendTrace.OK)

		if attempt < 3 {
			require.Equal(t, store.SendPending, msg.Outbound.SendStatus)
			require.True(t, msg.Outbound.SendNextAt.After(lastNext))
			lastNext = *msg.Outbound.SendNextAt

			// Not due until the backoff elapses.
			stats, err = f.sender.SendPending(ctx, 50)
			require.NoError(t, err)
			require.Zero(t, stats.Selected)
			f.now = lastNext.Add(time.Second)
		} else {
			require.Equal(t, store.SendFailed, msg.Outbound.SendStatus)
			require.Nil(t, msg.Outbound.SendNextAt)
		}
	}

	f.now = f.now.Add(24 * time.Hour)
	stats, err := f.sender.SendPending(ctx, 50)
	require.NoError(t, err)
	require.Zero(t, stats.Selected)
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)

	require.Equal(t, 30*time.Second, f.sender.Backoff(0))
	require.Equal(t, 30*time.Second, f.sender.Backoff(1))
	require.Equal(t, 2*time.Minute, f.sender.Backoff(2))
	require.Equal(t, 10*time.Minute, f.sender.Backoff(3))
	require.Equal(t, 10*time.Minute, f.sender.Backoff(9))
}

func TestShutdownMidBatchRecordsAttemptAndReleasesRest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	first := f.seed(t, "sms")
	second := f.seed(t, "sms")

	ctx, cancel := context.WithCancel(context.Background())
	f.provider.onSend = cancel

	stats, err := f.sender.SendPending(ctx, 50)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 2, stats.Selected)
	require.Equal(t, 1, stats.Sent)
	require.Len(t, f.provider.requests, 1)

	deliveredID, pendingID := first.ID, second.ID
	if f.provider.requests[0].MessageID == second.ID {
		deliveredID, pendingID = second.ID, first.ID
	}

	// The delivered message is recorded even though the pass was cancelled.
	delivered := f.load(t, deliveredID)
	require.Equal(t, store.SendSent, delivered.Outbound.SendStatus)
	require.Equal(t, "pm-1", delivered.Outbound.ProviderMsgID)

	// The unattempted one goes back to pending without an attempt.
	released := f.load(t, pendingID)
	require.Equal(t, store.SendPending, released.Outbound.SendStatus)
	require.Zero(t, released.Outbound.SendAttempts)

	f.provider.onSend = nil
	stats, err = f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)
	require.Equal(t, Stats{Selected: 1, Sent: 1}, stats)
	require.Len(t, f.provider.requests, 2)
	require.Equal(t, pendingID, f.provider.requests[1].MessageID)
	require.Equal(t, store.SendSent, f.load(t, pendingID).Outbound.SendStatus)
}

func TestSettleSkipsMessagesNotSending(t *testing.T) {
	t.Parallel()
	f := newFixture(t, false, nil)
	seeded := f.seed(t, "sms")

	res, err := f.sender.settle(context.Background(), seeded.ID, messaging.SendResult{Success: true, ProviderMsgID: "x"}, false, f.now)
	require.NoError(t, err)
	require.Equal(t, outcomeSkipped, res)
	require.Equal(t, store.SendPending, f.load(t, seeded.ID).Outbound.SendStatus)
}

func TestSendPublishesOutcomeEvents(t *testing.T) {
	t.Parallel()
	mb := bus.NewMessageBus()
	defer mb.Close()
	events, unsubscribe := mb.SubscribeEvents(context.Background(), 4)
	defer unsubscribe()

	f := newFixture(t, false, nil)
	f.sender.events = mb
	f.provider.fail = "http 500"
	seeded := f.seed(t, "sms")

	_, err := f.sender.SendPending(context.Background(), 50)
	require.NoError(t, err)

	evt := <-events
	require.Equal(t, bus.EventMessageFailed, evt.Type)
	require.Equal(t, seeded.ID, evt.MessageID)
	require.Equal(t, "http 500", evt.Error)
}
